package chatmodel

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExpirationGrace is the number of seconds beyond MaxDuration a chat is
// allowed to run before it is considered expired (spec.md §3, §6).
const ExpirationGrace = 360

// Chat is the authoritative, in-memory record for one chat token. All
// mutation happens under mu; network calls (replication, archiving) are
// made after mu is released, per spec.md §5's single-writer discipline.
type Chat struct {
	Token string

	mu              sync.Mutex
	id              int64
	status          ChatStatus
	maxDuration     int64
	maxParticipants int
	startTimestamp  int64
	endTimestamp    int64
	users           map[string]UserState
	session         map[string]any
	persisted       bool
	persisting      bool

	messages      []Message
	messageIDs    map[string]struct{}
	timestamps    []int64

	loaded        *signal
	loadedAndSet  bool
	loadFailed    bool
	messageSignal *signal
}

func newChat(token string) *Chat {
	return &Chat{
		Token:         token,
		status:        ChatPending,
		users:         make(map[string]UserState),
		session:       make(map[string]any),
		messageIDs:    make(map[string]struct{}),
		loaded:        newSignal(),
		messageSignal: newSignal(),
	}
}

// markLoaded completes first-reference loading, releasing every caller
// blocked in ChatManager.get. Safe to call at most once per chat.
func (c *Chat) markLoaded(meta *Metadata) {
	c.mu.Lock()
	if meta != nil {
		c.id = meta.ID
		c.maxDuration = meta.MaxDuration
		c.maxParticipants = meta.MaxParticipants
		c.startTimestamp = meta.StartTimestamp
		c.endTimestamp = meta.EndTimestamp
		switch {
		case meta.EndTimestamp > 0:
			c.status = ChatEnded
		case meta.StartTimestamp > 0:
			c.status = ChatStarted
		}
	}
	c.loadedAndSet = true
	c.mu.Unlock()
	c.loaded.pulse()
}

// WaitLoaded blocks until the chat's metadata load completes or ctx is
// cancelled, then reports whether it actually loaded.
func (c *Chat) WaitLoaded(ctx context.Context) bool {
	for {
		c.mu.Lock()
		done := c.loadedAndSet
		c.mu.Unlock()
		if done {
			return true
		}
		select {
		case <-c.loaded.wait():
		case <-ctx.Done():
			c.mu.Lock()
			done = c.loadedAndSet
			c.mu.Unlock()
			return done
		}
	}
}

// ID returns the database id assigned on load (0 if not yet loaded).
func (c *Chat) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Status returns the current chat status.
func (c *Chat) Status() ChatStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Completed reports whether the chat has ended (spec.md §3: completed ==
// endTimestamp set).
func (c *Chat) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTimestamp > 0
}

// Expired reports whether the chat has run past its grace window without
// ending.
func (c *Chat) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endTimestamp > 0 || c.startTimestamp == 0 || c.maxDuration == 0 {
		return false
	}
	return time.Now().Unix() > c.startTimestamp+c.maxDuration+ExpirationGrace
}

// Persisted reports whether an archive job has been enqueued for this chat.
func (c *Chat) Persisted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted
}

// MarkPersisted sets persisted=true and releases the in-flight claim a
// prior TryBeginPersist took out. Idempotent; never reverts.
func (c *Chat) MarkPersisted() {
	c.mu.Lock()
	c.persisted = true
	c.persisting = false
	c.mu.Unlock()
}

// TryBeginPersist atomically claims the right to persist this chat,
// spanning the check-then-act window between Persisted() and MarkPersisted()
// that would otherwise let two concurrent Persist calls for the same chat
// (e.g. an end-of-chat persist racing a GC zombie sweep) both pass the
// persisted check and enqueue two archive rows. Returns false if the chat
// is already persisted or another persist attempt is in flight; the caller
// must pair a true result with either MarkPersisted or AbortPersist.
func (c *Chat) TryBeginPersist() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persisted || c.persisting {
		return false
	}
	c.persisting = true
	return true
}

// AbortPersist releases a claim taken by TryBeginPersist without marking
// the chat persisted, e.g. after the archive store insert fails so a later
// retry can claim it again.
func (c *Chat) AbortPersist() {
	c.mu.Lock()
	c.persisting = false
	c.mu.Unlock()
}

// Session returns a shallow copy of the plugin scratchpad.
func (c *Chat) Session() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.session))
	for k, v := range c.session {
		out[k] = v
	}
	return out
}

// SetSessionValue stores a scratchpad value under key (used by plugins,
// e.g. the voice callback handler stashing a Twilio call SID).
func (c *Chat) SetSessionValue(key string, value any) {
	c.mu.Lock()
	c.session[key] = value
	c.mu.Unlock()
}

// User returns the tracked state for a participant, and whether it exists.
func (c *Chat) User(userID string) (UserState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	return u, ok
}

// Users returns a snapshot of all tracked participant states.
func (c *Chat) Users() map[string]UserState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]UserState, len(c.users))
	for k, v := range c.users {
		out[k] = v
	}
	return out
}

// SetUser records a participant's status.
func (c *Chat) SetUser(userID string, state UserState) {
	c.mu.Lock()
	c.users[userID] = state
	c.mu.Unlock()
}

// ApplyStatus advances the chat's status/timestamps. Regressions are
// ignored (spec.md §3 invariant: status only moves forward).
func (c *Chat) ApplyStatus(status ChatStatus, startTS, endTS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status > c.status {
		c.status = status
	}
	if startTS > 0 && c.startTimestamp == 0 {
		c.startTimestamp = startTS
	}
	if endTS > 0 {
		c.endTimestamp = endTS
	}
}

// MaxDuration and MaxParticipants expose the metadata-loaded limits.
func (c *Chat) MaxDuration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxDuration
}

func (c *Chat) MaxParticipants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxParticipants
}

// storeMessage inserts msg at its binary-search position by timestamp.
// Caller must hold mu. Duplicate ids are silently ignored.
func (c *Chat) storeMessage(msg Message) bool {
	if _, dup := c.messageIDs[msg.Header.ID]; dup {
		return false
	}
	idx := sort.Search(len(c.timestamps), func(i int) bool {
		return c.timestamps[i] > msg.Header.Timestamp
	})
	c.timestamps = append(c.timestamps, 0)
	copy(c.timestamps[idx+1:], c.timestamps[idx:])
	c.timestamps[idx] = msg.Header.Timestamp

	c.messages = append(c.messages, Message{})
	copy(c.messages[idx+1:], c.messages[idx:])
	c.messages[idx] = msg

	c.messageIDs[msg.Header.ID] = struct{}{}
	return true
}

// AppendMessages stores each message not already present and pulses
// messageSignal so long-polling readers wake. Called by the owning node on
// locally-accepted writes.
func (c *Chat) AppendMessages(msgs []Message) {
	c.mu.Lock()
	for _, m := range msgs {
		c.storeMessage(m)
	}
	c.mu.Unlock()
	c.messageSignal.pulse()
}

// AppendReplicated stores messages received from a peer's replication
// stream without waking local long-polls: a non-owning replica never
// serves reads for this chat.
func (c *Chat) AppendReplicated(msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.storeMessage(m)
	}
}

// Pulse wakes every current long-poll waiter without appending anything.
// Used on shutdown to drain outstanding GetMessages calls.
func (c *Chat) Pulse() {
	c.messageSignal.pulse()
}

func filterMessages(msgs []Message, userID string, haveUser bool) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Route.Type == NoRoute {
			continue
		}
		if haveUser && m.Header.Route.Type == TargetedRoute {
			if !m.Header.Route.Recipients[userID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func (c *Chat) messagesSinceLocked(asOf int64) []Message {
	idx := sort.Search(len(c.timestamps), func(i int) bool {
		return c.timestamps[i] > asOf
	})
	out := make([]Message, len(c.messages)-idx)
	copy(out, c.messages[idx:])
	return out
}

// MessagesSince returns messages with timestamp > asOf, filtered by
// routing. If block is true and nothing currently qualifies, it waits for
// the next pulse (up to timeout) and recomputes once. Timeouts return an
// empty list, never an error, per spec.md §8.
func (c *Chat) MessagesSince(ctx context.Context, asOf int64, userID string, haveUser bool, block bool, timeout time.Duration) []Message {
	c.mu.Lock()
	msgs := filterMessages(c.messagesSinceLocked(asOf), userID, haveUser)
	c.mu.Unlock()

	if len(msgs) > 0 || !block {
		return msgs
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	waitContext(waitCtx, c.messageSignal)

	c.mu.Lock()
	defer c.mu.Unlock()
	return filterMessages(c.messagesSinceLocked(asOf), userID, haveUser)
}

// AllMessages returns every stored message (asOf omitted), matching the
// "return all messages when asOf is not provided" fix spec.md §9 calls for
// in place of the original source's `self.self.messages` typo.
func (c *Chat) AllMessages(userID string, haveUser bool) []Message {
	c.mu.Lock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	c.mu.Unlock()
	return filterMessages(out, userID, haveUser)
}

// Snapshot returns the full replicable state, and the messages subset
// requested (nil means "all messages", used for full-snapshot catch-up).
func (c *Chat) Snapshot(messages []Message) ChatStateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messages == nil {
		messages = make([]Message, len(c.messages))
		copy(messages, c.messages)
	}
	users := make(map[string]UserState, len(c.users))
	for k, v := range c.users {
		users[k] = v
	}
	session := make(map[string]any, len(c.session))
	for k, v := range c.session {
		session[k] = v
	}
	return ChatStateSnapshot{
		Token:           c.Token,
		Status:          c.status,
		MaxDuration:     c.maxDuration,
		MaxParticipants: c.maxParticipants,
		StartTimestamp:  c.startTimestamp,
		EndTimestamp:    c.endTimestamp,
		Users:           users,
		Session:         session,
		Persisted:       c.persisted,
		Messages:        messages,
		TotalMessages:   len(c.messages),
	}
}

// ApplySnapshot merges a peer-sent snapshot into this chat: replicate(...)
// is idempotent, since storeMessage dedupes by id and scalar fields are
// either overwritten or only moved forward (status never regresses,
// timestamps are taken only when set, persisted is only ever set true)
// (spec.md §8 invariant 4).
func (c *Chat) ApplySnapshot(snap ChatStateSnapshot) {
	c.mu.Lock()
	if snap.Status > c.status {
		c.status = snap.Status
	}
	c.maxDuration = snap.MaxDuration
	c.maxParticipants = snap.MaxParticipants
	if snap.StartTimestamp > 0 {
		c.startTimestamp = snap.StartTimestamp
	}
	if snap.EndTimestamp > 0 {
		c.endTimestamp = snap.EndTimestamp
	}
	for k, v := range snap.Users {
		c.users[k] = v
	}
	for k, v := range snap.Session {
		c.session[k] = v
	}
	if snap.Persisted {
		c.persisted = true
	}
	for _, m := range snap.Messages {
		c.storeMessage(m)
	}
	c.mu.Unlock()
}

// ChatStateSnapshot is the wire form sent to peers during replication
// (spec.md §6 "Snapshot wire form"). TotalMessages lets the sender's
// Snapshot and the replicator jointly decide fullSnapshot without a second
// lock acquisition.
type ChatStateSnapshot struct {
	Token           string
	Status          ChatStatus
	MaxDuration     int64
	MaxParticipants int
	StartTimestamp  int64
	EndTimestamp    int64
	Users           map[string]UserState
	Session         map[string]any
	Persisted       bool
	Messages        []Message
	TotalMessages   int
}
