package plugins

import (
	"context"
	"encoding/json"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/svcerr"
)

// MarkerHandler accepts MARKER_CREATE messages unconditionally (they're
// always permitted regardless of chat status, spec.md §4.4 step 4) and
// otherwise does nothing beyond letting the core append/route it; markers
// carry no derived side effects in this rewrite (original_source/chatsvc's
// marker.py only validated shape, which the transport layer already does).
type MarkerHandler struct{}

func (MarkerHandler) HandledTypes() []chatmodel.MessageType {
	return []chatmodel.MessageType{chatmodel.MarkerCreate}
}

func (MarkerHandler) Handle(_ context.Context, _ *chatmodel.Chat, _ chatmodel.Message) ([]chatmodel.Message, error) {
	return nil, nil
}

// StatusHandler applies CHAT_STATUS and USER_STATUS messages to the chat's
// tracked state, grounded on original_source/chatsvc/message_handlers/status.py.
type StatusHandler struct{}

func (StatusHandler) HandledTypes() []chatmodel.MessageType {
	return []chatmodel.MessageType{chatmodel.ChatStatusMessage, chatmodel.UserStatusMessage}
}

func (StatusHandler) Handle(_ context.Context, chat *chatmodel.Chat, msg chatmodel.Message) ([]chatmodel.Message, error) {
	switch msg.Header.Type {
	case chatmodel.ChatStatusMessage:
		status, err := statusFromPayload(msg.Payload)
		if err != nil {
			return nil, err
		}
		var startTS, endTS int64
		if status == chatmodel.ChatStarted {
			startTS = msg.Header.Timestamp
		}
		if status == chatmodel.ChatEnded {
			endTS = msg.Header.Timestamp
		}
		chat.ApplyStatus(status, startTS, endTS)
	case chatmodel.UserStatusMessage:
		userID, _ := msg.Payload["userId"].(string)
		if userID == "" {
			userID = msg.Header.UserID
		}
		statusStr, _ := msg.Payload["status"].(string)
		chat.SetUser(userID, chatmodel.UserState{
			Status:          userStatusFromString(statusStr),
			UpdateTimestamp: msg.Header.Timestamp,
		})
	}
	return nil, nil
}

func statusFromPayload(payload map[string]any) (chatmodel.ChatStatus, error) {
	s, _ := payload["status"].(string)
	switch s {
	case "PENDING":
		return chatmodel.ChatPending, nil
	case "STARTED":
		return chatmodel.ChatStarted, nil
	case "ENDED":
		return chatmodel.ChatEnded, nil
	default:
		return 0, svcerr.InvalidMessage("unknown chat status: " + s)
	}
}

func userStatusFromString(s string) chatmodel.UserStatus {
	switch s {
	case "AVAILABLE":
		return chatmodel.UserAvailable
	case "UNAVAILABLE":
		return chatmodel.UserUnavailable
	default:
		return chatmodel.UserDisconnected
	}
}

// VoiceCallbackHandler stashes Twilio call metadata in the chat's session
// scratchpad, the Go equivalent of original_source/chatsvc/twilio_handlers'
// habit of keeping call SIDs on chat.state.session so persistence can later
// re-hydrate them (spec.md SUPPLEMENTED FEATURES).
type VoiceCallbackHandler struct{}

func (VoiceCallbackHandler) HandledTypes() []chatmodel.MessageType {
	return []chatmodel.MessageType{chatmodel.VoiceCallback}
}

func (VoiceCallbackHandler) Handle(_ context.Context, chat *chatmodel.Chat, msg chatmodel.Message) ([]chatmodel.Message, error) {
	callSID, _ := msg.Payload["callSid"].(string)
	if callSID == "" {
		return nil, svcerr.InvalidMessage("voice callback missing callSid")
	}

	existing := chat.Session()["twilio_data"]
	var calls []any
	switch v := existing.(type) {
	case string:
		_ = json.Unmarshal([]byte(v), &calls)
	case []any:
		calls = v
	}
	calls = append(calls, map[string]any{
		"callSid":   callSID,
		"status":    msg.Payload["status"],
		"timestamp": msg.Header.Timestamp,
	})
	encoded, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	chat.SetSessionValue("twilio_data", string(encoded))
	return nil, nil
}
