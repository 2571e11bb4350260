package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"generation-queue/internal/engine"
	"generation-queue/internal/models"
	"generation-queue/internal/realtime"
)

// fakeStore satisfies EntryStore and MediaStore with in-memory state.
type fakeStore struct {
	mu sync.Mutex

	pending   []models.QueueEntry
	claimErr  error
	reclaimed []models.QueueEntry

	promptIDs  map[string]string
	requeues   []requeueCall
	requeueOK  bool
	failed     map[string][2]string // queueID -> {errType, lastError}
	completed  map[string]string    // queueID -> resultImageURL
	medias     map[string]models.MediaRecord
	decrements map[string]int
	events     []string
}

type requeueCall struct {
	queueID    string
	errType    string
	retryCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		promptIDs:  make(map[string]string),
		requeueOK:  true,
		failed:     make(map[string][2]string),
		completed:  make(map[string]string),
		medias:     make(map[string]models.MediaRecord),
		decrements: make(map[string]int),
	}
}

func (f *fakeStore) ClaimNextPending(context.Context) (models.QueueEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return models.QueueEntry{}, false, f.claimErr
	}
	if len(f.pending) == 0 {
		return models.QueueEntry{}, false, nil
	}
	entry := f.pending[0]
	f.pending = f.pending[1:]
	entry.Status = models.StatusProcessing
	return entry, true, nil
}

func (f *fakeStore) CleanupTimeoutEntries(context.Context, time.Duration) ([]models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.reclaimed
	f.reclaimed = nil
	return out, nil
}

func (f *fakeStore) UpdateQueuePositions(context.Context) error { return nil }

func (f *fakeStore) ListPending(context.Context) ([]models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.QueueEntry(nil), f.pending...), nil
}

func (f *fakeStore) SetPromptID(_ context.Context, queueID, promptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptIDs[queueID] = promptID
	return nil
}

func (f *fakeStore) RequeueForRetry(_ context.Context, queueID string, _ time.Time, errType, _ string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.requeueOK {
		return 0, false, nil
	}
	count := 1
	for _, c := range f.requeues {
		if c.queueID == queueID {
			count++
		}
	}
	f.requeues = append(f.requeues, requeueCall{queueID: queueID, errType: errType, retryCount: count})
	return count, true, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, queueID, errType, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[queueID] = [2]string{errType, lastError}
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, queueID, resultImageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[queueID] = resultImageURL
	return nil
}

func (f *fakeStore) UpsertMedia(_ context.Context, m models.MediaRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.medias[m.ID] = m
	return nil
}

func (f *fakeStore) DecrementGeneratedCount(_ context.Context, userID string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrements[userID] += n
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, queueID, event, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, queueID+":"+event)
	return nil
}

// fakeEngine scripts the render engine contract.
type fakeEngine struct {
	mu sync.Mutex

	healthErr    error
	healthCalls  int
	submitErr    error
	panicPrompt  string
	promptID     string
	history      engine.History
	historyErr   error
	downloadErrs map[string]error // filename -> error
	downloadData []byte
	contentType  string

	connected    []string
	disconnected []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		promptID:     "prompt-1",
		downloadErrs: make(map[string]error),
		downloadData: []byte("not-a-real-image"),
		contentType:  "image/png",
	}
}

func (f *fakeEngine) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return f.healthErr
}

func (f *fakeEngine) SubmitPrompt(_ context.Context, params engine.GenerationParams, _ string) (string, error) {
	if f.panicPrompt != "" && params.Prompt == f.panicPrompt {
		panic("exploding workflow")
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.promptID, nil
}

func (f *fakeEngine) ConnectForUpdates(_ context.Context, promptID, _ string, _ engine.ProgressFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, promptID)
	return nil
}

func (f *fakeEngine) DisconnectFromUpdates(promptID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, promptID)
}

func (f *fakeEngine) GetPromptHistory(context.Context, string) (engine.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return engine.History{}, f.historyErr
	}
	return f.history, nil
}

func (f *fakeEngine) DownloadOutput(_ context.Context, item engine.OutputItem) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.downloadErrs[item.Filename]; ok {
		return nil, "", err
	}
	return f.downloadData, f.contentType, nil
}

// fakeDispatcher records broadcast payloads per prompt/connection.
type fakeDispatcher struct {
	mu       sync.Mutex
	byPrompt map[string][]realtime.StatusMessage
	byConn   map[string][]realtime.StatusMessage
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		byPrompt: make(map[string][]realtime.StatusMessage),
		byConn:   make(map[string][]realtime.StatusMessage),
	}
}

func (f *fakeDispatcher) Broadcast(_ context.Context, promptID string, payload any) {
	msg, ok := payload.(realtime.StatusMessage)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byPrompt[promptID] = append(f.byPrompt[promptID], msg)
}

func (f *fakeDispatcher) Notify(_ context.Context, connectionID string, payload any) {
	msg, ok := payload.(realtime.StatusMessage)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byConn[connectionID] = append(f.byConn[connectionID], msg)
}

func (f *fakeDispatcher) promptTypes(promptID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.byPrompt[promptID] {
		out = append(out, m.Type)
	}
	return out
}

// fakeUploader stores uploads in memory.
type fakeUploader struct {
	mu      sync.Mutex
	uploads map[string][]byte
	failKey string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: make(map[string][]byte)}
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKey != "" && key == f.failKey {
		return "", errors.New("upload rejected")
	}
	f.uploads[key] = body
	return fmt.Sprintf("mem://%s", key), nil
}
