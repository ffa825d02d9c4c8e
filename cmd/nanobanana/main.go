package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nanobanana-cli/internal/config"
	"nanobanana-cli/internal/domain"
)

type rootOptions struct {
	configPath string
	envFile    string
	verbose    bool

	cfg *config.Config
	log *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", userMessage(err))
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "nanobanana",
		Short:         "Generate and adjust images with the NanoBanana API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			level := cfg.Env
			if opts.verbose {
				level = config.EnvLocal
			}
			opts.log = setupLogger(level, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "Path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", config.DefaultEnvFile, "Env file loaded before reading the environment")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output")

	root.AddCommand(
		newGenerateCmd(opts),
		newAdjustCmd(opts),
		newImagineCmd(opts),
		newStatusCmd(opts),
		newCreditsCmd(opts),
		newHistoryCmd(opts),
		newTemplatesCmd(opts),
		newInspectCmd(),
		newServeCmd(opts),
		newEnvCmd(),
	)
	return root
}

// setupLogger writes to w so that stdout carries only command results.
func setupLogger(env string, w io.Writer) *slog.Logger {
	var log *slog.Logger

	switch env {
	case config.EnvLocal:
		log = slog.New(
			slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case config.EnvDev:
		log = slog.New(
			slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case config.EnvProd:
		log = slog.New(
			slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}

func userMessage(err error) string {
	var ge *domain.GenerationError
	if errors.As(err, &ge) {
		return ge.UserMessage()
	}
	return err.Error()
}
