package service

import (
	"context"
	"log/slog"
	"time"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

// Polling defaults: a five minute worst-case wait.
const (
	DefaultMaxAttempts  = 60
	DefaultPollInterval = 5 * time.Second
)

// PollOptions bounds a polling loop.  OnAttempt, if set, is called before
// each status query with the 1-based attempt number.
type PollOptions struct {
	MaxAttempts int
	Interval    time.Duration
	OnAttempt   func(attempt, maxAttempts int)
}

// DefaultPollOptions returns the default attempt budget and interval.
func DefaultPollOptions() PollOptions {
	return PollOptions{MaxAttempts: DefaultMaxAttempts, Interval: DefaultPollInterval}
}

// ProgressFunc observes every successfully read task status.  Returning an
// error aborts polling with that error.
type ProgressFunc func(details domain.TaskDetails) error

// Poller queries a task until it reaches a terminal state or the attempt
// budget runs out.
type Poller struct {
	client ports.GenerationClient
	log    *slog.Logger
}

// NewPoller constructs a Poller on top of the generation client port.
func NewPoller(client ports.GenerationClient, log *slog.Logger) *Poller {
	return &Poller{client: client, log: sl.OrDiscard(log).With(sl.Module("poller"))}
}

// Poll runs the bounded status loop for taskID.  A non-positive MaxAttempts
// selects the default; a non-positive Interval polls back to back.
// Transient lookup failures (transport errors, task not found) spend the
// same attempt budget as a still-generating task; any other failure is
// returned immediately.
func (p *Poller) Poll(ctx context.Context, taskID string, onProgress ProgressFunc, opts PollOptions) (domain.TaskResult, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := p.log.With(sl.TaskID(taskID))

	for attempt := 1; ; attempt++ {
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, maxAttempts)
		}
		log.Debug("polling", slog.Int("attempt", attempt), slog.Int("max", maxAttempts))

		details, err := p.client.GetTaskDetails(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return domain.TaskResult{}, ctx.Err()
			}
			if !domain.IsTransient(err) || attempt >= maxAttempts {
				return domain.TaskResult{}, &domain.LookupError{TaskID: taskID, Err: err}
			}
			log.Warn("status lookup failed, retrying", slog.Int("attempt", attempt), sl.Err(err))
			if err := sleep(ctx, opts.Interval); err != nil {
				return domain.TaskResult{}, err
			}
			continue
		}

		if onProgress != nil {
			if err := onProgress(details); err != nil {
				return domain.TaskResult{}, err
			}
		}

		switch status := details.Status(); status {
		case domain.StatusSuccess:
			log.Info("task succeeded", slog.Int("attempts", attempt))
			return domain.TaskResult{TaskID: taskID, ImageURL: details.ResultImageURL(), Details: details}, nil
		case domain.StatusCreateTaskFailed, domain.StatusGenerateFailed:
			log.Warn("task failed", slog.String("status", status.String()), slog.String("message", details.ErrorMessage))
			return domain.TaskResult{}, &domain.TaskFailedError{TaskID: taskID, Status: status, Message: details.ErrorMessage}
		}

		if attempt >= maxAttempts {
			log.Error("polling timeout", slog.Int("attempts", attempt))
			return domain.TaskResult{}, &domain.PollingTimeoutError{TaskID: taskID, Attempts: attempt}
		}
		if err := sleep(ctx, opts.Interval); err != nil {
			return domain.TaskResult{}, err
		}
	}
}

// sleep waits for d without blocking cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
