package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_JoinQueue(t *testing.T) {
	raw := []byte(`{"type":"join_queue","topics":["music","gaming"]}`)

	msgType, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinQueue {
		t.Errorf("type = %q, want %q", msgType, TypeJoinQueue)
	}

	join, ok := msg.(JoinQueueMsg)
	if !ok {
		t.Fatalf("expected JoinQueueMsg, got %T", msg)
	}
	if len(join.Topics) != 2 || join.Topics[0] != "music" || join.Topics[1] != "gaming" {
		t.Errorf("topics = %v", join.Topics)
	}
}

func TestParseClientMessage_ChatMessage(t *testing.T) {
	raw := []byte(`{"type":"message","roomId":"r-1","message":"hello"}`)

	msgType, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Errorf("type = %q, want %q", msgType, TypeMessage)
	}

	chat, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if chat.RoomID != "r-1" {
		t.Errorf("RoomID = %q, want r-1", chat.RoomID)
	}
	if chat.Message != "hello" {
		t.Errorf("Message = %q, want hello", chat.Message)
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Errorf("type = %q, want %q", msgType, TypePing)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"topics":["music"]}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"teleport"}`},
		{"server-only type", `{"type":"matched","roomId":"r-1"}`},
		{"wrong payload shape", `{"type":"join_queue","topics":"music"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.raw)); err == nil {
				t.Errorf("ParseClientMessage(%q) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{RoomID: "r-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeMatched {
		t.Errorf("type = %v, want %q", m["type"], TypeMatched)
	}
	if m["roomId"] != "r-1" {
		t.Errorf("roomId = %v, want r-1", m["roomId"])
	}
}

func TestNewServerMessage_Rejection(t *testing.T) {
	data, err := NewServerMessage(TypeRateLimited, RejectionMsg{Message: "slow down"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	json.Unmarshal(data, &m)
	if m["type"] != TypeRateLimited {
		t.Errorf("type = %v, want %q", m["type"], TypeRateLimited)
	}
	if m["message"] != "slow down" {
		t.Errorf("message = %v", m["message"])
	}
}

func TestEnvelope_KeepsRawPayload(t *testing.T) {
	raw := []byte(`{"type":"message","roomId":"r-9","message":"hi"}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeMessage {
		t.Errorf("Type = %q, want %q", env.Type, TypeMessage)
	}

	var chat ChatMsg
	if err := json.Unmarshal(env.Raw, &chat); err != nil {
		t.Fatalf("raw payload should decode: %v", err)
	}
	if chat.RoomID != "r-9" {
		t.Errorf("RoomID = %q, want r-9", chat.RoomID)
	}
}
