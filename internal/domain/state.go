package domain

import (
	"fmt"
	"strings"
)

// Phase is a step of one generation attempt.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseUploading  Phase = "uploading"
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether the phase ends an attempt.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// State is a snapshot of an orchestrator run.  Index/Total are meaningful
// while uploading (Index is 1-based), Attempt/MaxAttempts while polling,
// Kind once failed.
type State struct {
	Phase       Phase
	Index       int
	Total       int
	Attempt     int
	MaxAttempts int
	TaskID      string
	Kind        Kind
}

// String renders the human-readable progress line.
func (s State) String() string {
	switch s.Phase {
	case PhaseIdle:
		return "Idle"
	case PhaseValidating:
		return "Preparing..."
	case PhaseUploading:
		return fmt.Sprintf("Uploading image %d of %d...", s.Index, s.Total)
	case PhaseSubmitting:
		return "Submitting to NanoBanana..."
	case PhasePolling:
		return fmt.Sprintf("Generating (task %s, check %d/%d)...", s.TaskID, s.Attempt, s.MaxAttempts)
	case PhaseSucceeded:
		return "Generation complete!"
	case PhaseFailed:
		return fmt.Sprintf("Failed (%s)", s.Kind)
	}
	return strings.ToUpper(string(s.Phase))
}

// Summary shortens data URLs so they can be logged and stored.
func (r RemoteImageRef) Summary() string {
	s := string(r)
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	head, _, _ := strings.Cut(s, ",")
	return fmt.Sprintf("%s,...(%d bytes)", head, len(s))
}

// IsDataURL reports whether the reference is an inline data URL rather than
// a hosted image.
func (r RemoteImageRef) IsDataURL() bool {
	return strings.HasPrefix(string(r), "data:")
}
