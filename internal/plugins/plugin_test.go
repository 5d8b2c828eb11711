package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
)

func newTestChat(t *testing.T, status chatmodel.ChatStatus) *chatmodel.Chat {
	t.Helper()
	mgr := chatmodel.NewChatManager(fakeStore{status: status})
	chat, err := mgr.Get(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return chat
}

type fakeStore struct{ status chatmodel.ChatStatus }

func (f fakeStore) Load(_ context.Context, _ string) (*chatmodel.Metadata, error) {
	meta := &chatmodel.Metadata{MaxDuration: 3600}
	switch f.status {
	case chatmodel.ChatStarted:
		meta.StartTimestamp = time.Now().Unix()
	case chatmodel.ChatEnded:
		meta.StartTimestamp = time.Now().Unix() - 10
		meta.EndTimestamp = time.Now().Unix()
	}
	return meta, nil
}

func TestCheckStatusGateAlwaysAllowsMarkerAndStatus(t *testing.T) {
	if err := CheckStatusGate(chatmodel.ChatPending, chatmodel.MarkerCreate); err != nil {
		t.Fatalf("marker should always be allowed: %v", err)
	}
	if err := CheckStatusGate(chatmodel.ChatEnded, chatmodel.ChatStatusMessage); err != nil {
		t.Fatalf("status should always be allowed: %v", err)
	}
}

func TestCheckStatusGateRejectsBeforeStarted(t *testing.T) {
	if err := CheckStatusGate(chatmodel.ChatPending, chatmodel.TagCreate); err == nil {
		t.Fatal("expected rejection for pending chat")
	}
	if err := CheckStatusGate(chatmodel.ChatEnded, chatmodel.TagCreate); err == nil {
		t.Fatal("expected rejection for ended chat")
	}
	if err := CheckStatusGate(chatmodel.ChatStarted, chatmodel.TagCreate); err != nil {
		t.Fatalf("should allow ordinary messages once started: %v", err)
	}
}

func TestManagerHandleRunsRegisteredHandler(t *testing.T) {
	registry := NewRegistry()
	registry.Register(StatusHandler{})
	mgr := NewManager(registry, zerolog.Nop())

	chat := newTestChat(t, chatmodel.ChatPending)
	msg := chatmodel.Message{
		Header: chatmodel.Header{
			Type:      chatmodel.ChatStatusMessage,
			Timestamp: time.Now().Unix(),
		},
		Payload: map[string]any{"status": "STARTED"},
	}
	if _, err := mgr.Handle(context.Background(), chat, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if chat.Status() != chatmodel.ChatStarted {
		t.Fatalf("expected chat started, got %v", chat.Status())
	}
}

func TestManagerHandleRejectsUnknownStatusMessage(t *testing.T) {
	registry := NewRegistry()
	registry.Register(StatusHandler{})
	mgr := NewManager(registry, zerolog.Nop())

	chat := newTestChat(t, chatmodel.ChatPending)
	msg := chatmodel.Message{
		Header:  chatmodel.Header{Type: chatmodel.ChatStatusMessage, Timestamp: time.Now().Unix()},
		Payload: map[string]any{"status": "BOGUS"},
	}
	if _, err := mgr.Handle(context.Background(), chat, msg); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestHandlePollMarksIdleUsersUnavailable(t *testing.T) {
	registry := NewRegistry()
	mgr := NewManager(registry, zerolog.Nop())
	chat := newTestChat(t, chatmodel.ChatStarted)

	now := time.Now()
	chat.SetUser("u1", chatmodel.UserState{Status: chatmodel.UserAvailable, UpdateTimestamp: now.Add(-30 * time.Second).Unix()})
	chat.SetUser("u2", chatmodel.UserState{Status: chatmodel.UserAvailable, UpdateTimestamp: now.Unix()})

	out := mgr.HandlePoll(context.Background(), chat, now)
	if len(out) != 1 {
		t.Fatalf("expected exactly one idle message, got %d", len(out))
	}
	if out[0].Payload["userId"] != "u1" {
		t.Fatalf("expected u1 flagged idle, got %v", out[0].Payload["userId"])
	}
}

func TestVoiceCallbackHandlerRequiresCallSid(t *testing.T) {
	h := VoiceCallbackHandler{}
	chat := newTestChat(t, chatmodel.ChatStarted)
	_, err := h.Handle(context.Background(), chat, chatmodel.Message{Payload: map[string]any{}})
	if err == nil {
		t.Fatal("expected error when callSid missing")
	}
}

func TestVoiceCallbackHandlerStashesSessionData(t *testing.T) {
	h := VoiceCallbackHandler{}
	chat := newTestChat(t, chatmodel.ChatStarted)
	msg := chatmodel.Message{
		Header:  chatmodel.Header{Timestamp: time.Now().Unix()},
		Payload: map[string]any{"callSid": "CA123", "status": "in-progress"},
	}
	if _, err := h.Handle(context.Background(), chat, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := chat.Session()["twilio_data"]; !ok {
		t.Fatal("expected twilio_data session key to be set")
	}
}
