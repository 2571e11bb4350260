package worker

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"generation-queue/internal/engine"
	"generation-queue/internal/models"
	"generation-queue/internal/realtime"
	"generation-queue/internal/storage"
	"generation-queue/internal/telemetry"
)

// Reconciler turns a raw engine completion into persisted media records and
// a final entry state, handling partial failure per output item. Media ids
// are {generationID}_{index}, so reconciling the same event twice is a no-op.
type Reconciler struct {
	store      MediaStore
	engine     Engine
	uploader   storage.Uploader
	dispatcher Broadcaster
	thumbWidth int
	log        zerolog.Logger
}

func NewReconciler(st MediaStore, eng Engine, up storage.Uploader, dispatcher Broadcaster, thumbWidth int, log zerolog.Logger) *Reconciler {
	if thumbWidth <= 0 {
		thumbWidth = 320
	}
	return &Reconciler{
		store:      st,
		engine:     eng,
		uploader:   up,
		dispatcher: dispatcher,
		thumbWidth: thumbWidth,
		log:        log.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile processes every expected output item independently, persists the
// successes, accounts for the failures, writes the terminal entry state, and
// emits exactly one terminal broadcast.
func (r *Reconciler) Reconcile(ctx context.Context, entry models.QueueEntry, outputs []engine.OutputItem) error {
	generationID := entry.QueueID
	expected := entry.BatchSize
	if expected <= 0 {
		expected = 1
	}
	if len(outputs) > expected {
		expected = len(outputs)
	}
	log := r.log.With().Str("queue_id", generationID).Int("expected", expected).Logger()

	var medias []models.MediaRecord
	var failures []models.ItemFailure
	for idx := 0; idx < expected; idx++ {
		if idx >= len(outputs) {
			failures = append(failures, models.ItemFailure{Index: idx, Error: "output missing from engine history"})
			continue
		}
		media, err := r.processItem(ctx, entry, outputs[idx], idx, expected)
		if err != nil {
			log.Warn().Err(err).Int("index", idx).Msg("output item failed")
			failures = append(failures, models.ItemFailure{Index: idx, Error: err.Error()})
			continue
		}
		medias = append(medias, media)
	}

	// Siblings are linked by id only; records are never embedded in each
	// other's payloads.
	ids := make([]string, len(medias))
	for i, m := range medias {
		ids[i] = m.ID
	}
	for i := range medias {
		var siblings []string
		for _, id := range ids {
			if id != medias[i].ID {
				siblings = append(siblings, id)
			}
		}
		medias[i].SiblingIDs = siblings
		if err := r.store.UpsertMedia(ctx, medias[i]); err != nil {
			return fmt.Errorf("persist media %s: %w", medias[i].ID, err)
		}
	}

	if len(failures) > 0 {
		telemetry.PartialFailures.Add(float64(len(failures)))
		if err := r.store.DecrementGeneratedCount(ctx, entry.UserID, len(failures)); err != nil {
			log.Warn().Err(err).Msg("counter correction failed")
		}
	}

	if len(medias) == 0 {
		const msg = "Generation failed: no images uploaded"
		if err := r.store.MarkFailed(ctx, generationID, models.ErrKindGenerationFailed, msg); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		telemetry.FailedCounter.Inc()
		_ = r.store.AppendEvent(ctx, generationID, "failed", msg)
		log.Error().Int("failed_items", len(failures)).Msg("no outputs survived reconciliation")

		status := realtime.NewStatus(realtime.TypeFailed)
		status.QueueID = generationID
		status.Error = msg
		status.ErrorType = models.ErrKindGenerationFailed
		status.PartialFailures = failures
		r.send(ctx, entry, status)
		return nil
	}

	if err := r.store.MarkCompleted(ctx, generationID, medias[0].URL); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	telemetry.CompletedCounter.Inc()
	_ = r.store.AppendEvent(ctx, generationID, "completed",
		fmt.Sprintf("medias=%d failures=%d", len(medias), len(failures)))
	log.Info().Int("medias", len(medias)).Int("failures", len(failures)).Msg("reconciled")

	status := realtime.NewStatus(realtime.TypeCompleted)
	status.QueueID = generationID
	status.Medias = medias
	status.PartialFailures = failures
	r.send(ctx, entry, status)
	return nil
}

// processItem downloads one output, uploads the original plus a thumbnail,
// and builds its media record. Thumbnail problems degrade to a record without
// one rather than failing the item.
func (r *Reconciler) processItem(ctx context.Context, entry models.QueueEntry, item engine.OutputItem, idx, expected int) (models.MediaRecord, error) {
	data, contentType, err := r.engine.DownloadOutput(ctx, item)
	if err != nil {
		return models.MediaRecord{}, fmt.Errorf("download: %w", err)
	}

	filename := item.Filename
	if filename == "" {
		filename = fmt.Sprintf("%s_%d.png", entry.QueueID, idx)
	}
	mimeType := contentType
	if mimeType == "" {
		mimeType = mimeFromName(filename)
	}

	key := path.Join("generations", entry.QueueID, filename)
	url, err := r.uploader.Upload(ctx, key, data, mimeType)
	if err != nil {
		return models.MediaRecord{}, fmt.Errorf("upload: %w", err)
	}

	media := models.MediaRecord{
		ID:           fmt.Sprintf("%s_%d", entry.QueueID, idx),
		UserID:       entry.UserID,
		GenerationID: entry.QueueID,
		OutputIndex:  idx,
		Filename:     filename,
		URL:          url,
		MimeType:     mimeType,
		SizeBytes:    int64(len(data)),
		BatchCount:   expected,
	}

	if thumbURL, err := r.uploadThumbnail(ctx, entry.QueueID, filename, data); err != nil {
		r.log.Warn().Err(err).Str("queue_id", entry.QueueID).Int("index", idx).Msg("thumbnail skipped")
	} else {
		media.ThumbnailURL = thumbURL
	}
	return media, nil
}

func (r *Reconciler) uploadThumbnail(ctx context.Context, generationID, filename string, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	thumb := imaging.Resize(img, r.thumbWidth, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}

	base := strings.TrimSuffix(filename, path.Ext(filename))
	key := path.Join("generations", generationID, "thumbs", base+".jpg")
	return r.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
}

func (r *Reconciler) send(ctx context.Context, entry models.QueueEntry, status realtime.StatusMessage) {
	if entry.PromptID != nil && *entry.PromptID != "" {
		status.PromptID = *entry.PromptID
		r.dispatcher.Broadcast(ctx, *entry.PromptID, status)
		return
	}
	if entry.ConnectionID != nil && *entry.ConnectionID != "" {
		r.dispatcher.Notify(ctx, *entry.ConnectionID, status)
	}
}

func mimeFromName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
