package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"generation-queue/internal/models"
)

// Client actions accepted over the websocket. Anything else is answered with
// an error message carrying the echoed request id.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// ClientMessage is the inbound envelope from a websocket client.
type ClientMessage struct {
	Action    string             `json:"action"`
	RequestID string             `json:"requestId,omitempty"`
	Data      *ClientMessageData `json:"data,omitempty"`
}

// ClientMessageData carries subscribe/unsubscribe parameters.
type ClientMessageData struct {
	PromptID string `json:"promptId"`
	UserID   string `json:"userId,omitempty"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("parse client message: %w", err)
	}
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if msg.Data == nil || msg.Data.PromptID == "" {
			return ClientMessage{}, fmt.Errorf("%s requires data.promptId", msg.Action)
		}
	case ActionPing:
	case "":
		return ClientMessage{}, fmt.Errorf("missing action")
	default:
		return ClientMessage{}, fmt.Errorf("unknown action %q", msg.Action)
	}
	return msg, nil
}

// Outbound status message types.
const (
	TypeProcessing   = "processing"
	TypeProgress     = "progress"
	TypeRetrying     = "retrying"
	TypeCompleted    = "completed"
	TypeFailed       = "failed"
	TypeError        = "error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
)

// StatusMessage is the outbound envelope. Only the fields relevant to the
// Type are populated; sibling linkage inside Medias is ids only, the records
// themselves are never duplicated across entries.
type StatusMessage struct {
	Type      string    `json:"type"`
	QueueID   string    `json:"queueId,omitempty"`
	PromptID  string    `json:"promptId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Position int `json:"position,omitempty"`
	Attempt  int `json:"attempt,omitempty"`

	// Progress relay, forwarded verbatim from the engine.
	Stage        string  `json:"stage,omitempty"`
	Node         string  `json:"node,omitempty"`
	Progress     int     `json:"progress,omitempty"`
	MaxProgress  int     `json:"maxProgress,omitempty"`
	Percentage   float64 `json:"percentage,omitempty"`
	PreviewImage string  `json:"previewImage,omitempty"`

	Medias          []models.MediaRecord `json:"medias,omitempty"`
	PartialFailures []models.ItemFailure `json:"partialFailures,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NewStatus stamps a message with the current time.
func NewStatus(msgType string) StatusMessage {
	return StatusMessage{Type: msgType, Timestamp: time.Now().UTC()}
}
