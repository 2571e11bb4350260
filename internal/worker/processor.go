package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"generation-queue/internal/config"
	"generation-queue/internal/engine"
	"generation-queue/internal/models"
	"generation-queue/internal/realtime"
	"generation-queue/internal/telemetry"
)

// Processor drives one claimed queue entry through its lifecycle:
// health-check, submit, progress relay, completion poll, and the
// retry-or-terminal failure policy. Errors never escape Process; they are
// translated into a re-queue or a terminal failed write.
type Processor struct {
	cfg        config.Config
	store      EntryStore
	engine     Engine
	dispatcher Broadcaster
	reconciler *Reconciler
	log        zerolog.Logger
}

func NewProcessor(cfg config.Config, st EntryStore, eng Engine, dispatcher Broadcaster, rec *Reconciler, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      st,
		engine:     eng,
		dispatcher: dispatcher,
		reconciler: rec,
		log:        log.With().Str("component", "processor").Logger(),
	}
}

// errAbandoned marks a shutdown mid-flight. The entry stays in processing
// and the next tick's timeout cleanup reclaims it.
var errAbandoned = errors.New("processing abandoned by shutdown")

// Process runs one entry to a terminal outcome or a retry re-queue.
func (p *Processor) Process(ctx context.Context, entry models.QueueEntry) {
	log := p.log.With().Str("queue_id", entry.QueueID).Int("attempt", entry.RetryCount).Logger()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return p.run(ctx, &entry, log)
	}()
	if err == nil {
		return
	}
	if errors.Is(err, errAbandoned) {
		log.Warn().Msg("abandoned in-flight entry, timeout cleanup will reclaim it")
		return
	}
	p.handleFailure(ctx, entry, models.Classify(err), log)
}

func (p *Processor) run(ctx context.Context, entry *models.QueueEntry, log zerolog.Logger) error {
	status := realtime.NewStatus(realtime.TypeProcessing)
	status.QueueID = entry.QueueID
	status.Attempt = entry.RetryCount
	p.send(ctx, *entry, status)

	if err := p.healthCheck(ctx); err != nil {
		return models.NewConnectionFailed(err)
	}

	promptID, err := p.engine.SubmitPrompt(ctx, engine.GenerationParams{
		Prompt:         entry.Prompt,
		NegativePrompt: entry.NegativePrompt,
		Width:          entry.Width,
		Height:         entry.Height,
		BatchSize:      entry.BatchSize,
		Styles:         entry.Styles,
	}, entry.QueueID)
	if err != nil {
		return models.NewConnectionFailed(fmt.Errorf("submit: %w", err))
	}
	if err := p.store.SetPromptID(ctx, entry.QueueID, promptID); err != nil {
		return fmt.Errorf("persist prompt id: %w", err)
	}
	entry.PromptID = &promptID
	_ = p.store.AppendEvent(ctx, entry.QueueID, "submitted", "prompt_id="+promptID)
	log.Info().Str("prompt_id", promptID).Msg("submitted to engine")

	if err := p.engine.ConnectForUpdates(ctx, promptID, entry.QueueID, func(ev engine.ProgressEvent) {
		p.relayProgress(*entry, ev)
	}); err != nil {
		// Progress relay is best-effort; polling still reaches the terminal
		// state without it.
		log.Warn().Err(err).Msg("progress stream unavailable")
	}
	// Release the engine-side listener on every exit path.
	defer p.engine.DisconnectFromUpdates(promptID)

	return p.awaitCompletion(ctx, entry, promptID, log)
}

// healthCheck probes the engine with bounded retries before submitting.
func (p *Processor) healthCheck(ctx context.Context) error {
	attempts := p.cfg.HealthAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.HealthRetryDelay):
			}
		}
		if lastErr = p.engine.HealthCheck(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("health check failed after %d attempts: %w", attempts, lastErr)
}

// awaitCompletion polls the engine's terminal record once per interval until
// completion, engine failure, or budget exhaustion. Transient poll errors are
// logged and tolerated.
func (p *Processor) awaitCompletion(ctx context.Context, entry *models.QueueEntry, promptID string, log zerolog.Logger) error {
	deadline := time.NewTimer(p.cfg.PollBudget)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errAbandoned
		case <-deadline.C:
			return models.NewTimeout(fmt.Errorf("no terminal engine state within %s", p.cfg.PollBudget))
		case <-ticker.C:
			history, err := p.engine.GetPromptHistory(ctx, promptID)
			if err != nil {
				log.Debug().Err(err).Msg("history poll failed, retrying")
				continue
			}
			if !history.Completed {
				continue
			}
			if history.Error != "" {
				return models.NewGenerationFailed(errors.New(history.Error))
			}
			return p.reconciler.Reconcile(ctx, *entry, history.Outputs)
		}
	}
}

// handleFailure applies the retry policy: retryable errors under the cap walk
// the processing -> pending edge; everything else is terminal.
func (p *Processor) handleFailure(ctx context.Context, entry models.QueueEntry, genErr *models.GenerationError, log zerolog.Logger) {
	if genErr.Retryable && entry.RetryCount < models.MaxRetries {
		nextAttempt := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, entry.RetryCount+1))
		retryCount, requeued, err := p.store.RequeueForRetry(ctx, entry.QueueID, nextAttempt, genErr.Kind, genErr.Error())
		if err != nil {
			log.Error().Err(err).Msg("requeue failed")
		}
		if requeued {
			telemetry.RetryCounter.Inc()
			_ = p.store.AppendEvent(ctx, entry.QueueID, "retry_scheduled",
				fmt.Sprintf("attempt=%d error_type=%s next_attempt=%s", retryCount, genErr.Kind, nextAttempt.UTC().Format(time.RFC3339)))
			log.Warn().Str("error_type", genErr.Kind).Int("retry_count", retryCount).Msg("re-queued for retry")

			status := realtime.NewStatus(realtime.TypeRetrying)
			status.QueueID = entry.QueueID
			status.Attempt = retryCount
			status.ErrorType = genErr.Kind
			status.Error = genErr.Error()
			p.send(ctx, entry, status)
			return
		}
		// Guard rejected the regression (already at cap or no longer
		// processing); fall through to the terminal write.
	}

	if err := p.store.MarkFailed(ctx, entry.QueueID, genErr.Kind, genErr.Error()); err != nil {
		log.Error().Err(err).Msg("mark failed errored")
	}
	telemetry.FailedCounter.Inc()
	_ = p.store.AppendEvent(ctx, entry.QueueID, "failed", genErr.Error())
	log.Error().Str("error_type", genErr.Kind).Msg("entry failed terminally")

	status := realtime.NewStatus(realtime.TypeError)
	status.QueueID = entry.QueueID
	status.ErrorType = genErr.Kind
	status.Error = genErr.Error()
	p.send(ctx, entry, status)
}

// relayProgress forwards one engine event verbatim to subscribers. Never
// state-changing, never blocking the engine read loop.
func (p *Processor) relayProgress(entry models.QueueEntry, ev engine.ProgressEvent) {
	status := realtime.NewStatus(realtime.TypeProgress)
	status.QueueID = entry.QueueID
	status.PromptID = ev.PromptID
	status.Stage = ev.Type
	status.Node = ev.Node
	status.Progress = ev.Value
	status.MaxProgress = ev.Max
	status.Percentage = ev.Percentage
	if ev.Type == engine.EventExecutionError {
		status.Error = ev.ErrorMessage
	}
	go p.dispatcher.Broadcast(context.Background(), valueOr(entry.PromptID), status)
}

// send routes a status update: fan-out by prompt id once the engine has
// assigned one, direct to the originating connection before that.
func (p *Processor) send(ctx context.Context, entry models.QueueEntry, status realtime.StatusMessage) {
	if entry.PromptID != nil && *entry.PromptID != "" {
		status.PromptID = *entry.PromptID
		p.dispatcher.Broadcast(ctx, *entry.PromptID, status)
		return
	}
	if entry.ConnectionID != nil && *entry.ConnectionID != "" {
		p.dispatcher.Notify(ctx, *entry.ConnectionID, status)
	}
}

func valueOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
