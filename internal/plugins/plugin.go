// Package plugins implements the handler plugin interface of spec.md §4.8:
// message-type-dispatched mutators plus a poll-time idle-detection hook.
// Handlers are registered programmatically into a PluginRegistry at
// startup, replacing the original source's import-time global registration
// (spec.md §REDESIGN FLAGS "Global handler registry").
package plugins

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/svcerr"
)

// IdleThreshold is the default poll-time idle window (spec.md §6).
const IdleThreshold = 20 * time.Second

// Handler mutates chat state in response to one or more message types. A
// returned error aborts the whole send as InvalidMessage (spec.md §4.8).
type Handler interface {
	HandledTypes() []chatmodel.MessageType
	Handle(ctx context.Context, chat *chatmodel.Chat, msg chatmodel.Message) ([]chatmodel.Message, error)
}

// Registry indexes handlers by the message types they declare.
type Registry struct {
	byType map[chatmodel.MessageType][]Handler
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[chatmodel.MessageType][]Handler)}
}

// Register adds handler for every type it declares, in call order. Two
// handlers registered for the same type both run, in registration order.
func (r *Registry) Register(h Handler) {
	for _, t := range h.HandledTypes() {
		r.byType[t] = append(r.byType[t], h)
	}
}

func (r *Registry) handlersFor(t chatmodel.MessageType) []Handler {
	return r.byType[t]
}

// alwaysAllowed lists message types permitted regardless of chat
// status (spec.md §4.4 step 4: "status/marker messages are always
// allowed").
var alwaysAllowed = map[chatmodel.MessageType]bool{
	chatmodel.MarkerCreate:      true,
	chatmodel.UserStatusMessage: true,
	chatmodel.ChatStatusMessage: true,
}

// Manager runs the default pre-handler (status-gating) followed by every
// registered handler for a message's type. Timestamp and id normalization
// is done by the dispatcher before Handle is called, not here.
type Manager struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewManager(registry *Registry, logger zerolog.Logger) *Manager {
	return &Manager{registry: registry, logger: logger.With().Str("component", "plugins").Logger()}
}

// CheckStatusGate enforces spec.md §4.4 step 4: status/marker messages are
// always allowed; everything else requires STARTED and not ENDED.
func CheckStatusGate(status chatmodel.ChatStatus, msgType chatmodel.MessageType) error {
	if alwaysAllowed[msgType] {
		return nil
	}
	if status != chatmodel.ChatStarted {
		return svcerr.InvalidMessage("chat is not accepting messages of type " + string(msgType))
	}
	return nil
}

// Handle runs the pre-handler gate then every registered handler for
// msg.Header.Type, collecting the extra messages they emit. Per spec.md
// §4.4 step 5, emitted messages are not themselves rerun through plugins.
func (m *Manager) Handle(ctx context.Context, chat *chatmodel.Chat, msg chatmodel.Message) ([]chatmodel.Message, error) {
	if err := CheckStatusGate(chat.Status(), msg.Header.Type); err != nil {
		return nil, err
	}

	var extra []chatmodel.Message
	for _, h := range m.registry.handlersFor(msg.Header.Type) {
		out, err := h.Handle(ctx, chat, msg)
		if err != nil {
			return nil, svcerr.InvalidMessage(err.Error())
		}
		extra = append(extra, out...)
	}
	return extra, nil
}

// HandlePoll drives idle-user detection (spec.md §4.8): any user whose
// UpdateTimestamp is older than IdleThreshold and who isn't already
// UNAVAILABLE gets a USER_STATUS message setting them UNAVAILABLE.
func (m *Manager) HandlePoll(ctx context.Context, chat *chatmodel.Chat, now time.Time) []chatmodel.Message {
	var out []chatmodel.Message
	for userID, state := range chat.Users() {
		if state.Status == chatmodel.UserUnavailable {
			continue
		}
		if now.Sub(time.Unix(state.UpdateTimestamp, 0)) <= IdleThreshold {
			continue
		}
		out = append(out, chatmodel.Message{
			Header: chatmodel.Header{
				Type:      chatmodel.UserStatusMessage,
				ChatToken: chat.Token,
				UserID:    userID,
				Timestamp: now.Unix(),
				Route:     chatmodel.Route{Type: chatmodel.BroadcastRoute},
			},
			Payload: map[string]any{
				"userId": userID,
				"status": chatmodel.UserUnavailable.String(),
			},
		})
	}
	return out
}
