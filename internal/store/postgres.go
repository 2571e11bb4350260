package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-queue/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for entry state; the registry only routes notifications.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const entryColumns = `queue_id, prompt_id, user_id, connection_id, prompt, negative_prompt,
	width, height, batch_size, styles, status, position, retry_count, error_type, last_error,
	result_image_url, submitted_at, next_attempt_at, started_at, completed_at, updated_at`

// CreateEntryParams collects inputs required to insert a queue entry.
type CreateEntryParams struct {
	UserID         string
	ConnectionID   string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	BatchSize      int
	Styles         []string
}

// CreateEntry inserts a pending entry and reserves the user's generation
// counter by the batch size in the same transaction. The reconciler corrects
// the counter down if some outputs never materialize.
func (s *Store) CreateEntry(ctx context.Context, p CreateEntryParams) (models.QueueEntry, error) {
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	stylesJSON, err := json.Marshal(p.Styles)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("marshal styles: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entries (queue_id, user_id, connection_id, prompt, negative_prompt,
			width, height, batch_size, styles, status, position, retry_count,
			submitted_at, next_attempt_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, $11, $11, $11)
	`, id, p.UserID, emptyToNil(p.ConnectionID), p.Prompt, p.NegativePrompt,
		p.Width, p.Height, p.BatchSize, stylesJSON, models.StatusPending, now)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("insert entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_stats (user_id, images_generated)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET images_generated = user_stats.images_generated + $2
	`, p.UserID, p.BatchSize)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("reserve generation counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, fmt.Errorf("commit: %w", err)
	}

	return models.QueueEntry{
		QueueID:        id,
		UserID:         p.UserID,
		ConnectionID:   emptyToNil(p.ConnectionID),
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Width:          p.Width,
		Height:         p.Height,
		BatchSize:      p.BatchSize,
		Styles:         p.Styles,
		Status:         models.StatusPending,
		SubmittedAt:    now,
		NextAttemptAt:  now,
		UpdatedAt:      now,
	}, nil
}

// GetEntry fetches an entry by queue id.
func (s *Store) GetEntry(ctx context.Context, queueID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE queue_id = $1`, queueID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, fmt.Errorf("entry not found: %w", err)
		}
		return models.QueueEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	return entry, nil
}

// GetEntryByPromptID resolves the engine's handle back to the queue entry.
func (s *Store) GetEntryByPromptID(ctx context.Context, promptID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE prompt_id = $1`, promptID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, fmt.Errorf("entry not found: %w", err)
		}
		return models.QueueEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	return entry, nil
}

// ClaimNextPending atomically transitions the oldest schedulable pending
// entry to processing and returns it. SKIP LOCKED guarantees two concurrent
// claimers never receive the same entry. Returns found=false when the pool
// is empty.
func (s *Store) ClaimNextPending(ctx context.Context) (models.QueueEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE queue_id = (
			SELECT queue_id FROM queue_entries
			WHERE status = $2 AND next_attempt_at <= NOW()
			ORDER BY submitted_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+entryColumns,
		models.StatusProcessing, models.StatusPending)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, fmt.Errorf("claim pending entry: %w", err)
	}
	return entry, true, nil
}

// SetPromptID persists the engine's handle once the prompt is submitted.
func (s *Store) SetPromptID(ctx context.Context, queueID, promptID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET prompt_id = $2, updated_at = NOW() WHERE queue_id = $1
	`, queueID, promptID)
	return err
}

// RequeueForRetry walks the single permitted regression processing -> pending.
// The guard lives in the WHERE clause: an entry past the retry cap or outside
// processing is left untouched, and the caller learns via the returned flag.
func (s *Store) RequeueForRetry(ctx context.Context, queueID string, nextAttempt time.Time, errType, lastError string) (int, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $2, retry_count = retry_count + 1, next_attempt_at = $3,
			error_type = $4, last_error = $5, started_at = NULL, prompt_id = NULL, updated_at = NOW()
		WHERE queue_id = $1 AND status = $6 AND retry_count < $7
		RETURNING retry_count
	`, queueID, models.StatusPending, nextAttempt, errType, lastError,
		models.StatusProcessing, models.MaxRetries)

	var retryCount int
	if err := row.Scan(&retryCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("requeue entry: %w", err)
	}
	return retryCount, true, nil
}

// MarkFailed transitions an entry to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, queueID, errType, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, error_type = $3, last_error = $4, completed_at = NOW(), updated_at = NOW()
		WHERE queue_id = $1 AND status <> $5
	`, queueID, models.StatusFailed, errType, lastError, models.StatusCompleted)
	return err
}

// MarkCompleted transitions an entry to completed, recording the first
// successful output for quick display.
func (s *Store) MarkCompleted(ctx context.Context, queueID, resultImageURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, result_image_url = $3, error_type = NULL, last_error = NULL,
			completed_at = NOW(), updated_at = NOW()
		WHERE queue_id = $1
	`, queueID, models.StatusCompleted, emptyToNil(resultImageURL))
	return err
}

// CleanupTimeoutEntries fails entries stuck in processing beyond the stall
// threshold. Idempotent: a second run finds nothing left to clean.
func (s *Store) CleanupTimeoutEntries(ctx context.Context, stallThreshold time.Duration) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queue_entries
		SET status = $1, error_type = $2, last_error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE status = $4 AND started_at IS NOT NULL AND started_at < NOW() - $5::interval
		RETURNING `+entryColumns,
		models.StatusFailed, models.ErrKindTimeout, "generation timed out while processing",
		models.StatusProcessing, stallThreshold.String())
	if err != nil {
		return nil, fmt.Errorf("cleanup timeouts: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// UpdateQueuePositions recomputes the FIFO display position of every pending
// entry. Positions are user-facing only and never gate scheduling.
func (s *Store) UpdateQueuePositions(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries q
		SET position = ranked.pos, updated_at = NOW()
		FROM (
			SELECT queue_id, ROW_NUMBER() OVER (ORDER BY submitted_at ASC) AS pos
			FROM queue_entries WHERE status = $1
		) ranked
		WHERE q.queue_id = ranked.queue_id AND q.position <> ranked.pos
	`, models.StatusPending)
	return err
}

// ListPending returns pending entries in display order.
func (s *Store) ListPending(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries WHERE status = $1 ORDER BY submitted_at ASC
	`, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// UpsertMedia persists one output item. The deterministic id makes repeated
// reconciliation of the same completion event a no-op.
func (s *Store) UpsertMedia(ctx context.Context, m models.MediaRecord) error {
	siblingsJSON, err := json.Marshal(m.SiblingIDs)
	if err != nil {
		return fmt.Errorf("marshal siblings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO media_records (id, user_id, generation_id, output_index, filename, url,
			thumbnail_url, mime_type, size_bytes, batch_count, sibling_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url, thumbnail_url = EXCLUDED.thumbnail_url,
			mime_type = EXCLUDED.mime_type, size_bytes = EXCLUDED.size_bytes
	`, m.ID, m.UserID, m.GenerationID, m.OutputIndex, m.Filename, m.URL,
		emptyToNil(m.ThumbnailURL), m.MimeType, m.SizeBytes, m.BatchCount, siblingsJSON)
	if err != nil {
		return fmt.Errorf("upsert media: %w", err)
	}
	return nil
}

// ListMediaByGeneration returns all persisted outputs of one generation,
// ordered by output index.
func (s *Store) ListMediaByGeneration(ctx context.Context, generationID string) ([]models.MediaRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, generation_id, output_index, filename, url, thumbnail_url,
			mime_type, size_bytes, batch_count, sibling_ids, created_at
		FROM media_records WHERE generation_id = $1 ORDER BY output_index ASC
	`, generationID)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	var out []models.MediaRecord
	for rows.Next() {
		var m models.MediaRecord
		var thumb pgtype.Text
		var siblingsJSON []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.GenerationID, &m.OutputIndex, &m.Filename,
			&m.URL, &thumb, &m.MimeType, &m.SizeBytes, &m.BatchCount, &siblingsJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		if thumb.Valid {
			m.ThumbnailURL = thumb.String
		}
		if len(siblingsJSON) > 0 {
			if err := json.Unmarshal(siblingsJSON, &m.SiblingIDs); err != nil {
				return nil, fmt.Errorf("unmarshal siblings: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DecrementGeneratedCount corrects the reserved counter down after partial
// failure, clamping at zero.
func (s *Store) DecrementGeneratedCount(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE user_stats
		SET images_generated = GREATEST(images_generated - $2, 0)
		WHERE user_id = $1
	`, userID, n)
	return err
}

// AppendEvent adds a lifecycle event row for operational inspection.
func (s *Store) AppendEvent(ctx context.Context, queueID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entry_events (queue_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, queueID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var e models.QueueEntry
	var promptID, connectionID, errType, lastError, resultURL pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz
	var stylesJSON []byte

	err := row.Scan(&e.QueueID, &promptID, &e.UserID, &connectionID, &e.Prompt, &e.NegativePrompt,
		&e.Width, &e.Height, &e.BatchSize, &stylesJSON, &e.Status, &e.Position, &e.RetryCount,
		&errType, &lastError, &resultURL, &e.SubmittedAt, &e.NextAttemptAt, &startedAt, &completedAt, &e.UpdatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}

	e.PromptID = textPtr(promptID)
	e.ConnectionID = textPtr(connectionID)
	e.ErrorType = textPtr(errType)
	e.LastError = textPtr(lastError)
	e.ResultImageURL = textPtr(resultURL)
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if len(stylesJSON) > 0 {
		if err := json.Unmarshal(stylesJSON, &e.Styles); err != nil {
			return models.QueueEntry{}, fmt.Errorf("unmarshal styles: %w", err)
		}
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
