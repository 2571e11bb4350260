package realtime

import (
	"strings"
	"testing"
)

func TestParseClientMessageSubscribe(t *testing.T) {
	raw := []byte(`{"action":"subscribe","requestId":"req-1","data":{"promptId":"prompt-1","userId":"user-1"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Action != ActionSubscribe {
		t.Fatalf("action = %q", msg.Action)
	}
	if msg.RequestID != "req-1" {
		t.Fatalf("request id = %q", msg.RequestID)
	}
	if msg.Data == nil || msg.Data.PromptID != "prompt-1" || msg.Data.UserID != "user-1" {
		t.Fatalf("data = %+v", msg.Data)
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"action":"ping"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Action != ActionPing {
		t.Fatalf("action = %q", msg.Action)
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"malformed json", `{"action":`, "parse client message"},
		{"missing action", `{"data":{"promptId":"p"}}`, "missing action"},
		{"unknown action", `{"action":"launch"}`, `unknown action "launch"`},
		{"subscribe without data", `{"action":"subscribe"}`, "subscribe requires data.promptId"},
		{"subscribe empty prompt", `{"action":"subscribe","data":{"promptId":""}}`, "subscribe requires data.promptId"},
		{"unsubscribe without data", `{"action":"unsubscribe"}`, "unsubscribe requires data.promptId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestNewStatusStampsTimestamp(t *testing.T) {
	msg := NewStatus(TypeProcessing)
	if msg.Type != TypeProcessing {
		t.Fatalf("type = %q", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}
