package models

import (
	"time"
)

// Entry lifecycle states persisted in Postgres. Transitions are monotonic
// except the single retry edge processing -> pending, guarded by RetryCount.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MaxRetries bounds how many times a retryable failure re-queues an entry.
const MaxRetries = 3

// QueueEntry represents one generation request tracked through its lifecycle.
type QueueEntry struct {
	QueueID      string  `json:"queue_id"`
	PromptID     *string `json:"prompt_id,omitempty"` // engine handle, set once submitted
	UserID       string  `json:"user_id"`
	ConnectionID *string `json:"connection_id,omitempty"`

	// Request payload, immutable after creation.
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	BatchSize      int      `json:"batch_size"`
	Styles         []string `json:"styles,omitempty"`

	Status         string     `json:"status"`
	Position       int        `json:"position"`
	RetryCount     int        `json:"retry_count"`
	ErrorType      *string    `json:"error_type,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	ResultImageURL *string    `json:"result_image_url,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the entry can never transition again.
func (e QueueEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// MediaRecord is a persisted output item. The ID is derived from the
// generation id and output index, which makes reconciliation idempotent.
type MediaRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	GenerationID string    `json:"generation_id"`
	OutputIndex  int       `json:"output_index"`
	Filename     string    `json:"filename"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	MimeType     string    `json:"mime_type"`
	SizeBytes    int64     `json:"size_bytes"`
	BatchCount   int       `json:"batch_count"`
	SiblingIDs   []string  `json:"sibling_ids,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ItemFailure records one expected output item that never materialized.
type ItemFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// EntryEvent is one lifecycle transition row, kept for operational inspection.
type EntryEvent struct {
	QueueID  string    `json:"queue_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
