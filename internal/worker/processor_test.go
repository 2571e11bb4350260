package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"generation-queue/internal/config"
	"generation-queue/internal/engine"
	"generation-queue/internal/models"
	"generation-queue/internal/realtime"
)

func testConfig() config.Config {
	return config.Config{
		TickInterval:     10 * time.Millisecond,
		ConcurrencyCap:   3,
		MaxRetries:       models.MaxRetries,
		StallTimeout:     time.Minute,
		HealthAttempts:   2,
		HealthRetryDelay: time.Millisecond,
		PollInterval:     2 * time.Millisecond,
		PollBudget:       500 * time.Millisecond,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
		ThumbnailWidth:   64,
	}
}

func testProcessor(cfg config.Config, st *fakeStore, eng *fakeEngine, disp *fakeDispatcher) *Processor {
	log := zerolog.Nop()
	rec := NewReconciler(st, eng, newFakeUploader(), disp, cfg.ThumbnailWidth, log)
	return NewProcessor(cfg, st, eng, disp, rec, log)
}

func strPtr(s string) *string { return &s }

func testEntry(queueID string) models.QueueEntry {
	return models.QueueEntry{
		QueueID:      queueID,
		UserID:       "user-1",
		ConnectionID: strPtr("conn-1"),
		Prompt:       "a watercolor fox",
		Width:        512,
		Height:       512,
		BatchSize:    2,
		Status:       models.StatusProcessing,
		SubmittedAt:  time.Now(),
	}
}

func TestProcessCompletesBatch(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	eng.history = engine.History{
		Completed: true,
		Outputs: []engine.OutputItem{
			{Filename: "img_0.png", Type: "output"},
			{Filename: "img_1.png", Type: "output"},
		},
	}
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	proc.Process(context.Background(), testEntry("q1"))

	if got := st.promptIDs["q1"]; got != "prompt-1" {
		t.Fatalf("prompt id not persisted, got %q", got)
	}
	if url := st.completed["q1"]; url != "mem://generations/q1/img_0.png" {
		t.Fatalf("result url = %q", url)
	}
	if len(st.medias) != 2 {
		t.Fatalf("media count = %d, want 2", len(st.medias))
	}
	first, ok := st.medias["q1_0"]
	if !ok {
		t.Fatal("media q1_0 missing")
	}
	if len(first.SiblingIDs) != 1 || first.SiblingIDs[0] != "q1_1" {
		t.Fatalf("sibling ids = %v", first.SiblingIDs)
	}
	if len(st.failed) != 0 || len(st.requeues) != 0 {
		t.Fatalf("unexpected failure bookkeeping: failed=%v requeues=%v", st.failed, st.requeues)
	}

	types := disp.promptTypes("prompt-1")
	if len(types) == 0 || types[len(types)-1] != realtime.TypeCompleted {
		t.Fatalf("terminal broadcast types = %v", types)
	}
	if len(eng.disconnected) != 1 || eng.disconnected[0] != "prompt-1" {
		t.Fatalf("disconnect calls = %v", eng.disconnected)
	}
}

func TestProcessRetriesConnectionFailure(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	eng.healthErr = errors.New("engine unreachable")
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	proc.Process(context.Background(), testEntry("q1"))

	if eng.healthCalls != 2 {
		t.Fatalf("health attempts = %d, want 2", eng.healthCalls)
	}
	if len(st.requeues) != 1 {
		t.Fatalf("requeues = %v, want one", st.requeues)
	}
	if st.requeues[0].errType != models.ErrKindConnectionFailed {
		t.Fatalf("requeue error type = %q", st.requeues[0].errType)
	}
	if len(st.failed) != 0 {
		t.Fatalf("terminal failure written on a retryable error: %v", st.failed)
	}

	msgs := disp.byConn["conn-1"]
	var sawRetrying bool
	for _, m := range msgs {
		if m.Type == realtime.TypeRetrying {
			sawRetrying = true
			if m.Attempt != 1 {
				t.Fatalf("retrying attempt = %d, want 1", m.Attempt)
			}
		}
	}
	if !sawRetrying {
		t.Fatalf("no retrying update on the origin connection, got %v", msgs)
	}
}

func TestProcessRetryCapIsTerminal(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	eng.healthErr = errors.New("engine unreachable")
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	entry := testEntry("q1")
	entry.RetryCount = models.MaxRetries
	proc.Process(context.Background(), entry)

	if len(st.requeues) != 0 {
		t.Fatalf("entry at the retry cap was re-queued: %v", st.requeues)
	}
	failed, ok := st.failed["q1"]
	if !ok {
		t.Fatal("entry not marked failed")
	}
	if failed[0] != models.ErrKindConnectionFailed {
		t.Fatalf("failed error type = %q", failed[0])
	}
}

func TestProcessGenerationErrorNotRetried(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	eng.history = engine.History{Completed: true, Error: "node 4 raised OOM"}
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	proc.Process(context.Background(), testEntry("q1"))

	if len(st.requeues) != 0 {
		t.Fatalf("engine-reported failure was re-queued: %v", st.requeues)
	}
	failed, ok := st.failed["q1"]
	if !ok {
		t.Fatal("entry not marked failed")
	}
	if failed[0] != models.ErrKindGenerationFailed {
		t.Fatalf("failed error type = %q", failed[0])
	}

	types := disp.promptTypes("prompt-1")
	if len(types) == 0 || types[len(types)-1] != realtime.TypeError {
		t.Fatalf("terminal broadcast types = %v", types)
	}
}

func TestProcessPollBudgetExhaustedRetries(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	// History never reaches a terminal state.
	eng.history = engine.History{Completed: false}
	disp := newFakeDispatcher()
	cfg := testConfig()
	cfg.PollBudget = 20 * time.Millisecond
	proc := testProcessor(cfg, st, eng, disp)

	proc.Process(context.Background(), testEntry("q1"))

	if len(st.requeues) != 1 {
		t.Fatalf("requeues = %v, want one", st.requeues)
	}
	if st.requeues[0].errType != models.ErrKindTimeout {
		t.Fatalf("requeue error type = %q", st.requeues[0].errType)
	}
	if len(eng.disconnected) != 1 {
		t.Fatalf("disconnect calls = %v", eng.disconnected)
	}
}

func TestProcessShutdownLeavesEntryInProcessing(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	eng.history = engine.History{Completed: false}
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proc.Process(ctx, testEntry("q1"))

	if len(st.requeues) != 0 || len(st.failed) != 0 {
		t.Fatalf("shutdown wrote a state transition: requeues=%v failed=%v", st.requeues, st.failed)
	}
	if len(eng.disconnected) != 1 {
		t.Fatalf("disconnect calls = %v", eng.disconnected)
	}
}

func TestProcessPanicBecomesTerminalFailure(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	eng.panicPrompt = "a watercolor fox"
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	proc.Process(context.Background(), testEntry("q1"))

	failed, ok := st.failed["q1"]
	if !ok {
		t.Fatal("panicking entry not marked failed")
	}
	if failed[0] != models.ErrKindUnknown {
		t.Fatalf("failed error type = %q, want %q", failed[0], models.ErrKindUnknown)
	}
	if len(st.requeues) != 0 {
		t.Fatalf("panic was re-queued: %v", st.requeues)
	}
}

func TestProcessRetryGuardRejectionIsTerminal(t *testing.T) {
	st := newFakeStore()
	st.requeueOK = false
	eng := newFakeEngine()
	eng.healthErr = errors.New("engine unreachable")
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	proc.Process(context.Background(), testEntry("q1"))

	if _, ok := st.failed["q1"]; !ok {
		t.Fatal("guard-rejected retry did not fall through to a terminal failure")
	}
}

func TestProcessSuccessiveRetriesCountUp(t *testing.T) {
	st := newFakeStore()
	eng := newFakeEngine()
	eng.healthErr = errors.New("engine unreachable")
	disp := newFakeDispatcher()
	proc := testProcessor(testConfig(), st, eng, disp)

	for attempt := 0; attempt < models.MaxRetries; attempt++ {
		entry := testEntry("q1")
		entry.RetryCount = attempt
		proc.Process(context.Background(), entry)
	}

	if len(st.requeues) != models.MaxRetries {
		t.Fatalf("requeues = %d, want %d", len(st.requeues), models.MaxRetries)
	}
	for i, call := range st.requeues {
		if call.retryCount != i+1 {
			t.Fatalf("requeue %d reported retry count %d", i, call.retryCount)
		}
	}
}
