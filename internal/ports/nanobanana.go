package ports

import (
	"context"

	"nanobanana-cli/internal/domain"
)

// GenerationClient is the hexagonal port used by the application layer to
// talk to the image generation provider.  Implementations may communicate
// over HTTP, mocks or other transports.
type GenerationClient interface {
	// SubmitTask starts a generation and returns the provider's task id.
	SubmitTask(ctx context.Context, req domain.GenerationRequest) (string, error)
	// GetTaskDetails reads the current state of a task.  It returns
	// domain.ErrTaskNotFound for ids the provider does not know yet.
	GetTaskDetails(ctx context.Context, taskID string) (domain.TaskDetails, error)
	// GetCredits reads the remaining account credit balance.
	GetCredits(ctx context.Context) (domain.AccountCredits, error)
}

// ImageHost turns a local image into a publicly dereferenceable reference.
type ImageHost interface {
	Upload(ctx context.Context, img domain.UploadedImage) (domain.RemoteImageRef, error)
}

// CreditRefresher is invoked after a successful generation.
type CreditRefresher interface {
	Refresh(ctx context.Context) (domain.AccountCredits, error)
}

// Observer receives orchestrator state changes and raw poll results.
// Implementations must not block.
type Observer interface {
	OnState(state domain.State)
	OnProgress(details domain.TaskDetails)
}

// GenerationStore keeps the history of generations for later reconciliation.
type GenerationStore interface {
	Save(ctx context.Context, rec domain.GenerationRecord) error
	Get(ctx context.Context, taskID string) (*domain.GenerationRecord, error)
	Recent(ctx context.Context, limit int) ([]domain.GenerationRecord, error)
	Close() error
}
