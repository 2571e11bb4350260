package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client talks to a ComfyUI-compatible render engine over HTTP and relays
// its websocket progress events. One progress stream is held per prompt and
// must be released with DisconnectFromUpdates on every exit path.
type Client struct {
	baseURL      string
	clientID     string
	httpClient   *http.Client
	pingInterval time.Duration
	maxBytes     int64
	log          zerolog.Logger

	mu      sync.Mutex
	streams map[string]*progressStream
}

type progressStream struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *progressStream) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

// Options tunes the client; zero values fall back to defaults.
type Options struct {
	RequestTimeout time.Duration
	PingInterval   time.Duration
	MaxBytes       int64
}

func NewClient(baseURL string, opts Options, log zerolog.Logger) *Client {
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ping := opts.PingInterval
	if ping == 0 {
		ping = 30 * time.Second
	}
	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     uuid.New().String(),
		httpClient:   &http.Client{Timeout: timeout},
		pingInterval: ping,
		maxBytes:     maxBytes,
		log:          log.With().Str("component", "engine").Logger(),
		streams:      make(map[string]*progressStream),
	}
}

// HealthCheck verifies the engine answers its stats endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health status %d", resp.StatusCode)
	}
	return nil
}

type submitRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// SubmitPrompt queues a generation on the engine and returns its prompt id.
func (c *Client) SubmitPrompt(ctx context.Context, params GenerationParams, generationID string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Prompt:   buildWorkflow(params, generationID),
		ClientID: c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("submit prompt: status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("engine returned empty prompt id")
	}
	return out.PromptID, nil
}

// ConnectForUpdates opens the progress websocket for a prompt and relays
// matching events to onProgress until disconnected.
func (c *Client) ConnectForUpdates(ctx context.Context, promptID, generationID string, onProgress ProgressFunc) error {
	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial progress websocket: %w", err)
	}

	stream := &progressStream{ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	if old, ok := c.streams[promptID]; ok {
		old.close()
	}
	c.streams[promptID] = stream
	c.mu.Unlock()

	go c.pingLoop(stream)
	go c.readLoop(stream, promptID, generationID, onProgress)
	return nil
}

// DisconnectFromUpdates releases the progress stream for a prompt. Safe to
// call on every exit path; unknown prompts are a no-op.
func (c *Client) DisconnectFromUpdates(promptID string) {
	c.mu.Lock()
	stream, ok := c.streams[promptID]
	delete(c.streams, promptID)
	c.mu.Unlock()
	if ok {
		stream.close()
	}
}

// Close releases every open progress stream.
func (c *Client) Close() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*progressStream)
	c.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

func (c *Client) pingLoop(stream *progressStream) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stream.done:
			return
		case <-ticker.C:
			if err := stream.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(stream *progressStream, promptID, generationID string, onProgress ProgressFunc) {
	for {
		select {
		case <-stream.done:
			return
		default:
		}
		_, raw, err := stream.ws.ReadMessage()
		if err != nil {
			select {
			case <-stream.done:
			default:
				c.log.Warn().Err(err).Str("prompt_id", promptID).Msg("progress stream read failed")
			}
			return
		}
		event, ok := parseProgressEvent(raw)
		if !ok {
			continue
		}
		// The stream is shared by client id; only relay our prompt's events.
		// Queue-status frames carry no prompt id and pass through.
		if event.PromptID != "" && event.PromptID != promptID {
			continue
		}
		c.log.Debug().
			Str("type", event.Type).
			Str("prompt_id", promptID).
			Str("generation_id", generationID).
			Msg("engine event")
		onProgress(event)
	}
}

type rawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// parseProgressEvent decodes one websocket frame into the event union.
// Unknown or malformed frames are skipped, never fatal.
func parseProgressEvent(raw []byte) (ProgressEvent, bool) {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ProgressEvent{}, false
	}

	switch msg.Type {
	case EventQueueStatus:
		var data struct {
			Status struct {
				ExecInfo struct {
					QueueRemaining int `json:"queue_remaining"`
				} `json:"exec_info"`
			} `json:"status"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return ProgressEvent{}, false
		}
		return ProgressEvent{Type: EventQueueStatus, QueueRemaining: data.Status.ExecInfo.QueueRemaining}, true

	case EventExecutionStart:
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return ProgressEvent{}, false
		}
		return ProgressEvent{Type: EventExecutionStart, PromptID: data.PromptID}, true

	case EventProgress:
		var data struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Value    int    `json:"value"`
			Max      int    `json:"max"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return ProgressEvent{}, false
		}
		event := ProgressEvent{
			Type:     EventProgress,
			PromptID: data.PromptID,
			Node:     data.Node,
			Value:    data.Value,
			Max:      data.Max,
		}
		if data.Max > 0 {
			event.Percentage = float64(data.Value) / float64(data.Max) * 100
		}
		return event, true

	case EventExecuting:
		var data struct {
			PromptID string  `json:"prompt_id"`
			Node     *string `json:"node"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return ProgressEvent{}, false
		}
		event := ProgressEvent{Type: EventExecuting, PromptID: data.PromptID}
		if data.Node != nil {
			event.Node = *data.Node
		}
		return event, true

	case EventExecuted:
		var data struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Output   struct {
				Images []OutputItem `json:"images"`
			} `json:"output"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return ProgressEvent{}, false
		}
		return ProgressEvent{
			Type:     EventExecuted,
			PromptID: data.PromptID,
			Node:     data.Node,
			Images:   data.Output.Images,
		}, true

	case EventExecutionError:
		var data struct {
			PromptID  string `json:"prompt_id"`
			Exception struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"exception"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return ProgressEvent{}, false
		}
		msgText := data.Exception.Message
		if msgText == "" {
			msgText = "engine reported an execution error"
		}
		return ProgressEvent{Type: EventExecutionError, PromptID: data.PromptID, ErrorMessage: msgText}, true
	}

	return ProgressEvent{}, false
}

type historyResponse map[string]struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []OutputItem `json:"images"`
	} `json:"outputs"`
}

// GetPromptHistory polls the engine's terminal record for a prompt. A prompt
// the engine does not know yet yields an incomplete History, not an error.
func (c *Client) GetPromptHistory(ctx context.Context, promptID string) (History, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return History{}, fmt.Errorf("build history request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return History{}, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return History{}, fmt.Errorf("fetch history: status %d", resp.StatusCode)
	}

	var payload historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return History{}, fmt.Errorf("decode history: %w", err)
	}

	record, ok := payload[promptID]
	if !ok {
		return History{Completed: false}, nil
	}

	if record.Status.StatusStr == "error" {
		return History{Completed: true, Error: "engine reported execution error"}, nil
	}
	if !record.Status.Completed {
		return History{Completed: false}, nil
	}

	// Flatten node outputs in a stable order.
	nodeIDs := make([]string, 0, len(record.Outputs))
	for nodeID := range record.Outputs {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	history := History{Completed: true}
	for _, nodeID := range nodeIDs {
		history.Outputs = append(history.Outputs, record.Outputs[nodeID].Images...)
	}
	return history, nil
}

// DownloadOutput fetches one produced file's bytes and mime type.
func (c *Client) DownloadOutput(ctx context.Context, item OutputItem) ([]byte, string, error) {
	q := url.Values{}
	q.Set("filename", item.Filename)
	q.Set("subfolder", item.Subfolder)
	q.Set("type", item.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download output: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read output: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, "", fmt.Errorf("output too large (>%d bytes)", c.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse engine url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = "clientId=" + url.QueryEscape(c.clientID)
	return u.String(), nil
}

// buildWorkflow assembles the minimal text-to-image node graph the engine
// executes: prompt encoders, an empty latent sized to the request, a sampler,
// and a save node whose filename prefix carries the generation id.
func buildWorkflow(params GenerationParams, generationID string) map[string]any {
	prompt := params.Prompt
	for _, style := range params.Styles {
		prompt += ", " + style
	}
	width, height := params.Width, params.Height
	if width == 0 {
		width = 1024
	}
	if height == 0 {
		height = 1024
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = 1
	}

	return map[string]any{
		"1": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"},
		},
		"2": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": prompt, "clip": []any{"1", 1}},
		},
		"3": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": params.NegativePrompt, "clip": []any{"1", 1}},
		},
		"4": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs": map[string]any{
				"width":      width,
				"height":     height,
				"batch_size": batch,
			},
		},
		"5": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"model":        []any{"1", 0},
				"positive":     []any{"2", 0},
				"negative":     []any{"3", 0},
				"latent_image": []any{"4", 0},
				"steps":        30,
				"cfg":          7.0,
				"sampler_name": "euler",
				"scheduler":    "normal",
				"denoise":      1.0,
			},
		},
		"6": map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": []any{"5", 0}, "vae": []any{"1", 2}},
		},
		"7": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"images": []any{"6", 0}, "filename_prefix": generationID},
		},
	}
}
