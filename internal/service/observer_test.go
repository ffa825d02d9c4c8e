package service_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/service"
)

func TestLogObserver_WritesStateLines(t *testing.T) {
	var buf bytes.Buffer
	obs := service.NewLogObserver(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	obs.OnState(domain.State{Phase: domain.PhaseUploading, Index: 1, Total: 2})
	obs.OnState(domain.State{Phase: domain.PhaseFailed, TaskID: "T1", Kind: domain.KindPollingTimeout})

	out := buf.String()
	if !strings.Contains(out, "Uploading image 1 of 2") {
		t.Errorf("missing upload line in %q", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "task_id=T1") || !strings.Contains(out, "kind=polling_timeout") {
		t.Errorf("missing failure attributes in %q", out)
	}
}

func TestObservers_FanOut(t *testing.T) {
	var states, progress int
	funcs := service.ObserverFuncs{
		State:    func(domain.State) { states++ },
		Progress: func(domain.TaskDetails) { progress++ },
	}
	rec := &recordingObserver{}
	obs := service.Observers{funcs, rec, service.ObserverFuncs{}}

	obs.OnState(domain.State{Phase: domain.PhaseIdle})
	obs.OnProgress(domain.TaskDetails{})

	if states != 1 || progress != 1 || len(rec.states) != 1 || len(rec.progress) != 1 {
		t.Errorf("expected every observer notified once, got %d %d %d %d", states, progress, len(rec.states), len(rec.progress))
	}
}
