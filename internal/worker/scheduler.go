package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"generation-queue/internal/config"
	"generation-queue/internal/models"
	"generation-queue/internal/realtime"
	"generation-queue/internal/telemetry"
)

// Scheduler runs fixed-interval ticks. Each tick reclaims stalled entries,
// refreshes display positions, then claims up to the concurrency cap of
// pending entries and processes them concurrently. One entry's failure never
// aborts its siblings or the tick.
type Scheduler struct {
	cfg        config.Config
	store      EntryStore
	processor  *Processor
	dispatcher Broadcaster
	log        zerolog.Logger
}

func NewScheduler(cfg config.Config, st EntryStore, proc *Processor, dispatcher Broadcaster, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		processor:  proc,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks until context cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick is one run-to-completion scheduler pass.
func (s *Scheduler) Tick(ctx context.Context) {
	s.cleanupTimeouts(ctx)

	if err := s.store.UpdateQueuePositions(ctx); err != nil {
		s.log.Warn().Err(err).Msg("position update failed")
	}
	if pending, err := s.store.ListPending(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(len(pending)))
	}

	var wg sync.WaitGroup
	for claimed := 0; claimed < s.cfg.ConcurrencyCap; claimed++ {
		entry, ok, err := s.store.ClaimNextPending(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("claim failed")
			break
		}
		if !ok {
			break
		}
		_ = s.store.AppendEvent(ctx, entry.QueueID, "claimed", "")

		wg.Add(1)
		telemetry.InFlightGauge.Inc()
		go func(e models.QueueEntry) {
			defer wg.Done()
			defer telemetry.InFlightGauge.Dec()
			s.processor.Process(ctx, e)
		}(entry)
	}
	wg.Wait()
}

// cleanupTimeouts fails entries stuck in processing past the stall threshold
// and notifies their subscribers. Idempotent across ticks.
func (s *Scheduler) cleanupTimeouts(ctx context.Context) {
	reclaimed, err := s.store.CleanupTimeoutEntries(ctx, s.cfg.StallTimeout)
	if err != nil {
		s.log.Error().Err(err).Msg("timeout cleanup failed")
		return
	}
	for _, entry := range reclaimed {
		telemetry.TimeoutReclaims.Inc()
		telemetry.FailedCounter.Inc()
		_ = s.store.AppendEvent(ctx, entry.QueueID, "failed", "stalled past timeout, reclaimed")
		s.log.Warn().Str("queue_id", entry.QueueID).Msg("reclaimed stalled entry")

		status := realtime.NewStatus(realtime.TypeError)
		status.QueueID = entry.QueueID
		status.ErrorType = models.ErrKindTimeout
		status.Error = "generation timed out while processing"
		if entry.PromptID != nil && *entry.PromptID != "" {
			status.PromptID = *entry.PromptID
			s.dispatcher.Broadcast(ctx, *entry.PromptID, status)
		} else if entry.ConnectionID != nil && *entry.ConnectionID != "" {
			s.dispatcher.Notify(ctx, *entry.ConnectionID, status)
		}
	}
}
