package chatmodel

import (
	"context"
	"sync"

	"github.com/techresidents/chatsvc/internal/svcerr"
)

// MetadataStore loads chat metadata on first reference. This is the
// "external metadata store" collaborator spec.md §1 treats as external; the
// core only needs this narrow contract.
type MetadataStore interface {
	Load(ctx context.Context, token string) (*Metadata, error)
}

// ChatManager owns the token->Chat map: lazy creation, first-reference
// metadata load, and removal. The map itself is guarded by a short-held
// lock; per-chat work (the metadata fetch) happens outside it, matching
// spec.md §4.2's concurrency contract.
type ChatManager struct {
	store MetadataStore

	mu    sync.Mutex
	chats map[string]*Chat
}

func NewChatManager(store MetadataStore) *ChatManager {
	return &ChatManager{
		store: store,
		chats: make(map[string]*Chat),
	}
}

// Get returns the Chat for token, creating it and kicking off an async
// metadata load on first reference. Concurrent first-getters all observe
// exactly one Chat and wait on the same load.
func (m *ChatManager) Get(ctx context.Context, token string) (*Chat, error) {
	m.mu.Lock()
	chat, exists := m.chats[token]
	created := !exists
	if !exists {
		chat = newChat(token)
		m.chats[token] = chat
	}
	m.mu.Unlock()

	if created {
		go m.load(token, chat)
	}

	if !chat.WaitLoaded(ctx) {
		return nil, svcerr.Unavailable("timed out waiting for chat load")
	}
	if chat.loadFailed {
		m.Remove(token)
		return nil, svcerr.InvalidChat("invalid chat token: " + token)
	}
	return chat, nil
}

func (m *ChatManager) load(token string, chat *Chat) {
	meta, err := m.store.Load(context.Background(), token)
	if err != nil {
		chat.mu.Lock()
		chat.loadFailed = true
		chat.mu.Unlock()
		chat.markLoaded(nil)
		return
	}
	chat.markLoaded(meta)
}

// All returns a point-in-time snapshot of every tracked chat, safe for the
// garbage collector and persister sweepers to range over while the manager
// keeps accepting concurrent Get/Remove calls.
func (m *ChatManager) All() map[string]*Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Chat, len(m.chats))
	for k, v := range m.chats {
		out[k] = v
	}
	return out
}

// Remove drops token from the registry. Callers must not hold an
// outstanding Chat reference they intend to keep mutating.
func (m *ChatManager) Remove(token string) {
	m.mu.Lock()
	delete(m.chats, token)
	m.mu.Unlock()
}

// TriggerAll wakes every chat's message signal, used on shutdown to drain
// outstanding long-polls.
func (m *ChatManager) TriggerAll() {
	for _, chat := range m.All() {
		chat.Pulse()
	}
}
