// Package persistence implements the archive-job enqueue path of
// spec.md §4.6: at-most-once per chat, triggered by end-of-chat or by the
// garbage collector flagging a zombie.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/workerpool"
)

// RetriesRemaining is the retry budget an archive job starts with
// (spec.md §6).
const RetriesRemaining = 4

// ArchiveJob is the row enqueued into the external archive store
// (spec.md §6 "Persistence sink").
type ArchiveJob struct {
	ChatID           int64
	Created          time.Time
	NotBefore        time.Time
	Data             []byte // JSON(session), with nested JSON strings re-hydrated
	RetriesRemaining int
}

// ArchiveStore is the external relational store's narrow contract: insert
// one job row, transactionally guarded by the caller against double-insert.
// The store itself is out of scope per spec.md §1.
type ArchiveStore interface {
	Insert(ctx context.Context, job ArchiveJob) error
}

// Observer is notified after a chat is successfully persisted. The
// Dispatcher uses this to issue one final replication so peers learn
// persisted=true (spec.md §4.6).
type Observer func(chat *chatmodel.Chat)

type Persister struct {
	store     ArchiveStore
	pool      *workerpool.Pool
	logger    zerolog.Logger
	observers []Observer
}

func New(store ArchiveStore, workerCount, queueSize int, logger zerolog.Logger) *Persister {
	return &Persister{
		store:  store,
		pool:   workerpool.New(workerCount, queueSize, logger),
		logger: logger.With().Str("component", "persister").Logger(),
	}
}

func (p *Persister) Start(ctx context.Context) {
	p.pool.Start(ctx)
}

// Stop drains the worker pool; per spec.md §5 shutdown order, in-flight
// archive inserts are allowed to complete.
func (p *Persister) Stop() {
	p.pool.Stop()
}

// Subscribe registers an observer for ChatPersisted events.
func (p *Persister) Subscribe(obs Observer) {
	p.observers = append(p.observers, obs)
}

// Persist enqueues a persist job for chat. zombie is carried through only
// for logging; the enqueue/commit logic is identical either way.
func (p *Persister) Persist(chat *chatmodel.Chat, zombie bool) {
	err := p.pool.Submit(func() {
		p.run(chat, zombie)
	})
	if err != nil {
		p.logger.Warn().Str("token", chat.Token).Msg("persister shutting down, dropped persist request")
	}
}

func (p *Persister) run(chat *chatmodel.Chat, zombie bool) {
	// TryBeginPersist spans the whole check-then-act sequence under the
	// chat's own lock, so a concurrent Persist call for the same chat (the
	// dispatcher's end-of-chat persist racing the GC's zombie sweep) can't
	// slip past the persisted check before either commits.
	if !chat.TryBeginPersist() {
		return
	}

	job := ArchiveJob{
		ChatID:           chat.ID(),
		Created:          time.Now(),
		NotBefore:        time.Now(),
		Data:             buildArchiveData(chat),
		RetriesRemaining: RetriesRemaining,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.Insert(ctx, job); err != nil {
		chat.AbortPersist()
		p.logger.Error().Err(err).Str("token", chat.Token).Bool("zombie", zombie).Msg("archive job insert failed")
		return
	}

	chat.MarkPersisted()
	p.logger.Info().Str("token", chat.Token).Bool("zombie", zombie).Msg("chat persisted")
	for _, obs := range p.observers {
		obs(chat)
	}
}

// buildArchiveData serializes the chat's session, re-hydrating any nested
// JSON-encoded strings first — in particular the twilio_data field the
// voice callback plugin stashes as an encoded string (spec.md §6,
// SUPPLEMENTED FEATURES).
func buildArchiveData(chat *chatmodel.Chat) []byte {
	session := chat.Session()
	rehydrated := make(map[string]any, len(session))
	for k, v := range session {
		if s, ok := v.(string); ok {
			var decoded any
			if json.Unmarshal([]byte(s), &decoded) == nil {
				rehydrated[k] = decoded
				continue
			}
		}
		rehydrated[k] = v
	}
	data, err := json.Marshal(rehydrated)
	if err != nil {
		return []byte("{}")
	}
	return data
}
