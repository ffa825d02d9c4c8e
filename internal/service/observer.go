package service

import (
	"log/slog"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

// LogObserver reports orchestrator progress through slog.
type LogObserver struct {
	log *slog.Logger
}

// NewLogObserver reports progress through log; nil discards it.
func NewLogObserver(log *slog.Logger) *LogObserver {
	return &LogObserver{log: sl.OrDiscard(log).With(sl.Module("progress"))}
}

// OnState implements ports.Observer.
func (o *LogObserver) OnState(s domain.State) {
	attrs := []any{slog.String("phase", string(s.Phase))}
	if s.TaskID != "" {
		attrs = append(attrs, sl.TaskID(s.TaskID))
	}
	if s.Phase == domain.PhaseFailed {
		o.log.Warn(s.String(), append(attrs, slog.String("kind", string(s.Kind)))...)
		return
	}
	o.log.Info(s.String(), attrs...)
}

// OnProgress implements ports.Observer.
func (o *LogObserver) OnProgress(d domain.TaskDetails) {
	o.log.Debug("task status",
		sl.TaskID(d.TaskID),
		slog.String("status", d.Status().String()),
	)
}

// ObserverFuncs adapts plain functions to ports.Observer.  Nil fields are
// skipped.
type ObserverFuncs struct {
	State    func(domain.State)
	Progress func(domain.TaskDetails)
}

// OnState implements ports.Observer.
func (f ObserverFuncs) OnState(s domain.State) {
	if f.State != nil {
		f.State(s)
	}
}

// OnProgress implements ports.Observer.
func (f ObserverFuncs) OnProgress(d domain.TaskDetails) {
	if f.Progress != nil {
		f.Progress(d)
	}
}

// Observers fans every event out to each observer in order.
type Observers []ports.Observer

// OnState implements ports.Observer.
func (obs Observers) OnState(s domain.State) {
	for _, o := range obs {
		o.OnState(s)
	}
}

// OnProgress implements ports.Observer.
func (obs Observers) OnProgress(d domain.TaskDetails) {
	for _, o := range obs {
		o.OnProgress(d)
	}
}

var (
	_ ports.Observer = (*LogObserver)(nil)
	_ ports.Observer = ObserverFuncs{}
	_ ports.Observer = Observers(nil)
)
