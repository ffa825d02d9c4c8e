package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the user-visible failure category of a generation attempt.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindValidation     Kind = "validation"
	KindUpload         Kind = "upload"
	KindProvider       Kind = "provider"
	KindTaskFailed     Kind = "task_failed"
	KindPollingTimeout Kind = "polling_timeout"
	KindMissingResult  Kind = "missing_result"
	KindBusy           Kind = "busy"
	KindCanceled       Kind = "canceled"
)

// ConfigurationError reports a missing credential or setting.  Hint tells
// the user how to fix it.
type ConfigurationError struct {
	Reason string
	Hint   string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

var (
	ErrMissingCredential = &ConfigurationError{
		Reason: "missing credential",
		Hint:   "set NANOBANANA_API_KEY in the environment or .env.local",
	}
	ErrMissingCallback = &ConfigurationError{
		Reason: "missing callback",
		Hint:   "set CALLBACK_URL (a webhook.site URL works for testing)",
	}
)

// ValidationError reports unusable user input.  It is raised before any
// network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UploadFailedError reports the first image (0-based Index) that could not
// be turned into a remote reference.
type UploadFailedError struct {
	Index int
	Cause error
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("failed to upload image %d: %v", e.Index+1, e.Cause)
}

func (e *UploadFailedError) Unwrap() error {
	return e.Cause
}

// ProviderError is a non-success envelope code returned by the generation
// provider.  Two ProviderErrors match under errors.Is when their codes do.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider error (code %d)", e.Code)
	}
	return fmt.Sprintf("provider error (code %d): %s", e.Code, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidParameters   = &ProviderError{Code: 400, Message: "parameter error, please check your inputs"}
	ErrUnauthorized        = &ProviderError{Code: 401, Message: "unauthorized, invalid API key"}
	ErrInsufficientCredits = &ProviderError{Code: 402, Message: "insufficient credits"}
	ErrRateLimited         = &ProviderError{Code: 429, Message: "rate limited, too many requests"}
	ErrProviderServer      = &ProviderError{Code: 500, Message: "server error, please try again later"}
)

// ErrTaskNotFound is returned by a status lookup for an id the provider does
// not (yet) know.
var ErrTaskNotFound = errors.New("task not found")

// TransportError wraps a failure to reach the provider at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError reports a response that could not be parsed.
type DecodeError struct {
	Status int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding response (HTTP %d): %v", e.Status, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a status lookup failure may clear up on a
// later attempt.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTaskNotFound) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}

// LookupError reports that the status of a submitted task could not be read.
// The task itself may still finish on the provider.
type LookupError struct {
	TaskID string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("polling task %s: %v", e.TaskID, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// TaskFailedError is a terminal failure reported by the provider while
// polling.
type TaskFailedError struct {
	TaskID  string
	Status  TaskStatus
	Message string
}

func (e *TaskFailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status == StatusCreateTaskFailed {
		return "failed to create task: " + msg
	}
	return "image generation failed: " + msg
}

// PollingTimeoutError reports that the attempt budget ran out while the task
// was still generating.  The task may still finish out of band.
type PollingTimeoutError struct {
	TaskID   string
	Attempts int
}

func (e *PollingTimeoutError) Error() string {
	return fmt.Sprintf("task polling timeout after %d attempts, task id: %s", e.Attempts, e.TaskID)
}

var (
	ErrMissingResult        = errors.New("task succeeded without a result image")
	ErrGenerationInProgress = errors.New("a generation is already in progress")
)

// GenerationError is the single classified failure returned by the
// orchestrator.  TaskID is set whenever the provider assigned one.
type GenerationError struct {
	Kind   Kind
	TaskID string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s (task %s): %v", e.Kind, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

const reconcileHint = "check your callback URL for results, or look the task up on the dashboard with this ID."

// UserMessage is the text shown to the person who started the generation.
func (e *GenerationError) UserMessage() string {
	switch e.Kind {
	case KindConfiguration:
		var ce *ConfigurationError
		if errors.As(e.Err, &ce) && ce.Hint != "" {
			return fmt.Sprintf("%s: %s", ce.Error(), ce.Hint)
		}
		return e.Err.Error()
	case KindValidation:
		return e.Err.Error()
	case KindPollingTimeout:
		return fmt.Sprintf("Task submitted (ID: %s). The generation is still processing on the provider; %s",
			e.TaskID, reconcileHint)
	case KindBusy:
		return "A generation is already running, wait for it to finish."
	case KindCanceled:
		return "Generation canceled."
	case KindProvider:
		var le *LookupError
		if e.TaskID != "" && errors.As(e.Err, &le) {
			return fmt.Sprintf("Task submitted (ID: %s), but its status could not be read (%v); %s",
				e.TaskID, le.Err, reconcileHint)
		}
	}
	if e.TaskID != "" {
		return fmt.Sprintf("Generation failed: %v (task ID: %s)", e.Err, e.TaskID)
	}
	return fmt.Sprintf("Generation failed: %v", e.Err)
}

// Classify maps an error to its user-visible kind.
func Classify(err error) Kind {
	var (
		ge  *GenerationError
		ce  *ConfigurationError
		ve  *ValidationError
		ue  *UploadFailedError
		tfe *TaskFailedError
		pte *PollingTimeoutError
	)
	switch {
	case errors.As(err, &ge):
		return ge.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &ce):
		return KindConfiguration
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ue):
		return KindUpload
	case errors.As(err, &tfe):
		return KindTaskFailed
	case errors.As(err, &pte):
		return KindPollingTimeout
	case errors.Is(err, ErrMissingResult):
		return KindMissingResult
	case errors.Is(err, ErrGenerationInProgress):
		return KindBusy
	default:
		return KindProvider
	}
}
