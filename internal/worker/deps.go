package worker

import (
	"context"
	"time"

	"generation-queue/internal/engine"
	"generation-queue/internal/models"
)

// EntryStore is the slice of the persistence layer the scheduler and
// processor drive. *store.Store satisfies it; tests inject fakes.
type EntryStore interface {
	ClaimNextPending(ctx context.Context) (models.QueueEntry, bool, error)
	CleanupTimeoutEntries(ctx context.Context, stallThreshold time.Duration) ([]models.QueueEntry, error)
	UpdateQueuePositions(ctx context.Context) error
	ListPending(ctx context.Context) ([]models.QueueEntry, error)
	SetPromptID(ctx context.Context, queueID, promptID string) error
	RequeueForRetry(ctx context.Context, queueID string, nextAttempt time.Time, errType, lastError string) (int, bool, error)
	MarkFailed(ctx context.Context, queueID, errType, lastError string) error
	AppendEvent(ctx context.Context, queueID, event, detail string) error
}

// MediaStore is the reconciler's view of persistence.
type MediaStore interface {
	UpsertMedia(ctx context.Context, m models.MediaRecord) error
	MarkCompleted(ctx context.Context, queueID, resultImageURL string) error
	MarkFailed(ctx context.Context, queueID, errType, lastError string) error
	DecrementGeneratedCount(ctx context.Context, userID string, n int) error
	AppendEvent(ctx context.Context, queueID, event, detail string) error
}

// Engine is the render engine contract the processor drives.
type Engine interface {
	HealthCheck(ctx context.Context) error
	SubmitPrompt(ctx context.Context, params engine.GenerationParams, generationID string) (string, error)
	ConnectForUpdates(ctx context.Context, promptID, generationID string, onProgress engine.ProgressFunc) error
	DisconnectFromUpdates(promptID string)
	GetPromptHistory(ctx context.Context, promptID string) (engine.History, error)
	DownloadOutput(ctx context.Context, item engine.OutputItem) ([]byte, string, error)
}

// Broadcaster fans status updates out to subscribed clients. Both methods
// are side effects: they never fail the state transition that triggered them.
type Broadcaster interface {
	Broadcast(ctx context.Context, promptID string, payload any)
	Notify(ctx context.Context, connectionID string, payload any)
}
