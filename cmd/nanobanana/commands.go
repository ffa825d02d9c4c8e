package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nanobanana-cli/internal/config"
	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/provider"
	"nanobanana-cli/internal/server"
	"nanobanana-cli/internal/service"
	"nanobanana-cli/internal/storage"
)

// outputFlags are shared by every generating command.
type outputFlags struct {
	aspectRatio string
	numImages   int
	watermark   string
	callbackURL string
	outDir      string
	sidecar     bool
}

func (f *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.aspectRatio, "aspect-ratio", "", "Output aspect ratio ("+strings.Join(domain.AspectRatios, ", ")+")")
	cmd.Flags().IntVar(&f.numImages, "num-images", 0, "Number of images to generate (1-4)")
	cmd.Flags().StringVar(&f.watermark, "watermark", "", "Watermark text")
	cmd.Flags().StringVar(&f.callbackURL, "callback-url", "", "Callback URL registered with the task")
	cmd.Flags().StringVarP(&f.outDir, "out", "o", "", "Download the result image into this directory")
	cmd.Flags().BoolVar(&f.sidecar, "sidecar", false, "Write a JSON metadata file next to the result")
}

func (f *outputFlags) apply(in *service.GenerateInput) {
	in.AspectRatio = f.aspectRatio
	in.NumImages = f.numImages
	in.Watermark = f.watermark
	in.CallbackURL = f.callbackURL
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		images []string
		in     service.GenerateInput
		out    outputFlags
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Redesign a room from up to 5 photos using a prompt template",
		Args:  cobra.NoArgs,
		Example: "  nanobanana generate --image room1.jpg --image room2.jpg --room-type living_room " +
			"--style luxury --budget-from 100000 --budget-to 500000",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Flow = domain.FlowMulti
			in.Images = openImages(images)
			out.apply(&in)
			return runGeneration(cmd, opts, in, out)
		},
	}
	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "Image file (repeat for up to 5)")
	cmd.Flags().StringVar(&in.Design.RoomType, "room-type", "living_room", "Room type")
	cmd.Flags().StringVar(&in.Design.Style, "style", "modern", "Design style")
	cmd.Flags().IntVar(&in.Design.BudgetFrom, "budget-from", 100000, "Budget lower bound")
	cmd.Flags().IntVar(&in.Design.BudgetTo, "budget-to", 500000, "Budget upper bound")
	cmd.Flags().StringVarP(&in.Template, "template", "t", "", "Prompt template name (see 'templates')")
	cmd.Flags().StringVarP(&in.Prompt, "prompt", "p", "", "Use this prompt instead of a template")
	out.register(cmd)
	return cmd
}

func newAdjustCmd(opts *rootOptions) *cobra.Command {
	var (
		image string
		in    service.GenerateInput
		out   outputFlags
	)
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Edit one image with a free-form prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Flow = domain.FlowSingle
			if image != "" {
				in.Images = openImages([]string{image})
			}
			out.apply(&in)
			return runGeneration(cmd, opts, in, out)
		},
	}
	cmd.Flags().StringVarP(&image, "image", "i", "", "Image file")
	cmd.Flags().StringVarP(&in.Prompt, "prompt", "p", "", "What to change")
	out.register(cmd)
	return cmd
}

func newImagineCmd(opts *rootOptions) *cobra.Command {
	var (
		in  service.GenerateInput
		out outputFlags
	)
	cmd := &cobra.Command{
		Use:   "imagine [prompt]",
		Short: "Generate an image from text only",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Flow = domain.FlowText
			if in.Prompt == "" {
				in.Prompt = strings.Join(args, " ")
			}
			out.apply(&in)
			return runGeneration(cmd, opts, in, out)
		},
	}
	cmd.Flags().StringVarP(&in.Prompt, "prompt", "p", "", "Prompt text")
	out.register(cmd)
	return cmd
}

func openImages(paths []string) []domain.UploadedImage {
	images := make([]domain.UploadedImage, 0, len(paths))
	for _, p := range paths {
		images = append(images, domain.OpenUploadedImage(p))
	}
	return images
}

// runGeneration prints the result URL on stdout, then optionally the
// downloaded file and sidecar paths.
func runGeneration(cmd *cobra.Command, opts *rootOptions, in service.GenerateInput, out outputFlags) error {
	ctx := cmd.Context()
	a := newApp(ctx, opts.cfg, opts.log)
	defer a.Close()

	o, err := a.orchestrator(service.NewLogObserver(opts.log))
	if err != nil {
		return err
	}
	res, err := o.Generate(ctx, in)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, res.ImageURL)

	dir := out.outDir
	if dir != "" {
		dest := filepath.Join(dir, provider.ImageFileName(res.TaskID, res.ImageURL))
		if err := provider.DownloadImage(ctx, a.httpClient, res.ImageURL, dest); err != nil {
			return fmt.Errorf("task %s succeeded but the download failed: %w", res.TaskID, err)
		}
		fmt.Fprintln(w, "Saved:", dest)
	}
	if out.sidecar {
		if dir == "" {
			dir = "."
		}
		path, err := writeSidecar(dir, newSidecar(in, res))
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Metadata:", path)
	}
	return nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		id  string
		raw bool
	)
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Look up a task by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" && len(args) == 1 {
				id = args[0]
			}
			if strings.TrimSpace(id) == "" {
				return errors.New("--id is required")
			}
			ctx := cmd.Context()
			a := newApp(ctx, opts.cfg, opts.log)
			defer a.Close()

			details, err := a.client.GetTaskDetails(ctx, id)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printStatus(w, id, details)
			if raw && len(details.Raw) > 0 {
				return prettyPrintJSON(w, details.Raw)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task id")
	cmd.Flags().BoolVar(&raw, "raw", false, "Also print the provider response")
	return cmd
}

func printStatus(w io.Writer, id string, d domain.TaskDetails) {
	fmt.Fprintln(w, "Task:  ", id)
	fmt.Fprintln(w, "Status:", d.Status())
	if url := d.ResultImageURL(); url != "" {
		fmt.Fprintln(w, "Image: ", url)
	}
	if d.ErrorMessage != "" {
		fmt.Fprintln(w, "Error: ", d.ErrorMessage)
	}
}

func newCreditsCmd(opts *rootOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Show the remaining account credits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := newApp(ctx, opts.cfg, opts.log)
			defer a.Close()

			get := a.credits.Balance
			if refresh {
				get = a.credits.Refresh
			}
			credits, err := get(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credits:", credits)
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent generations",
		Long: `List recent generations from the history store.

With STORAGE_DRIVER=memory (the default) history lives only as long as the
process, so a separate CLI invocation never sees earlier runs.  Use mongo or
redis to keep history across invocations, or query the history of a running
"serve" instance through GET /api/history.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if opts.cfg.Storage.Driver == storage.DriverMemory {
				fmt.Fprintln(cmd.ErrOrStderr(), "Note: STORAGE_DRIVER=memory keeps no history between invocations; set mongo or redis to persist it.")
			}
			a := newApp(ctx, opts.cfg, opts.log)
			defer a.Close()

			records, err := a.store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records")
	return cmd
}

func printHistory(w io.Writer, records []domain.GenerationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No generations recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tFLOW\tPHASE\tCREATED\tRESULT")
	for _, r := range records {
		result := r.ResultURL
		if result == "" {
			result = string(r.Kind)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.TaskID, r.Flow, r.Phase, r.CreatedAt.Local().Format("2006-01-02 15:04"), result)
	}
	tw.Flush()
}

func newTemplatesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List prompt templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(cmd.Context(), opts.cfg, opts.log)
			defer a.Close()
			for _, name := range a.prompts.Names() {
				marker := " "
				if name == opts.cfg.Generation.Template {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
			}
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <sidecar.json>",
		Short: "Print a metadata sidecar written by --sidecar",
		Args:  cobra.ExactArgs(1),
		// Reads a local file only; no config needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectSidecar(cmd.OutOrStdout(), args[0])
		},
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "env",
		Short:             "Describe the environment variables read at startup",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := newApp(ctx, opts.cfg, opts.log)
			defer a.Close()

			srv, err := server.New(server.Args{
				Client:  a.client,
				Credits: a.credits,
				Store:   a.store,
				Factory: func() (server.Generator, error) {
					o, err := a.orchestrator(service.NewLogObserver(opts.log))
					if err != nil {
						return nil, err
					}
					return o, nil
				},
				Logger:     opts.log,
				SessionTTL: opts.cfg.HTTP.SessionTTL,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = opts.cfg.HTTP.Addr
			}
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from HTTP_ADDR)")
	return cmd
}

func prettyPrintJSON(w io.Writer, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
