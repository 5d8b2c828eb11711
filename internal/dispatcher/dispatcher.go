// Package dispatcher implements the Dispatcher of spec.md §4.4: the RPC
// entry point that resolves a chat token's owner via the hashring, serves
// locally or forwards to the primary, invokes handler plugins, and drives
// replication and archive enqueue.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/persistence"
	"github.com/techresidents/chatsvc/internal/plugins"
	"github.com/techresidents/chatsvc/internal/replication"
	"github.com/techresidents/chatsvc/internal/svcerr"
)

type Config struct {
	SelfServiceKey     string
	Ring               *hashring.Hashring
	Manager            *chatmodel.ChatManager
	Plugins            *plugins.Manager
	Replicator         *replication.Replicator
	Persister          *persistence.Persister
	PeerClient         PeerClient
	DefaultN           int
	DefaultW           int
	ReplicationTimeout time.Duration
	LongPollWait       time.Duration
	Logger             zerolog.Logger
}

type Dispatcher struct {
	selfServiceKey     string
	ring               *hashring.Hashring
	manager            *chatmodel.ChatManager
	plugins            *plugins.Manager
	replicator         *replication.Replicator
	persister          *persistence.Persister
	peerClient         PeerClient
	defaultN           int
	defaultW           int
	replicationTimeout time.Duration
	longPollWait       time.Duration
	logger             zerolog.Logger
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		selfServiceKey:     cfg.SelfServiceKey,
		ring:               cfg.Ring,
		manager:            cfg.Manager,
		plugins:            cfg.Plugins,
		replicator:         cfg.Replicator,
		persister:          cfg.Persister,
		peerClient:         cfg.PeerClient,
		defaultN:           cfg.DefaultN,
		defaultW:           cfg.DefaultW,
		replicationTimeout: cfg.ReplicationTimeout,
		longPollWait:       cfg.LongPollWait,
		logger:             cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// GetHashring returns the full current ring (spec.md §6).
func (d *Dispatcher) GetHashring() []hashring.Node {
	return d.ring.CurrentRing()
}

// GetPreferenceList returns the deduplicated preference list for token
// (spec.md §6).
func (d *Dispatcher) GetPreferenceList(token string) []hashring.Node {
	return d.ring.PreferenceList(token, false)
}

func (d *Dispatcher) resolvePrimary(token string) (hashring.Node, error) {
	pl := d.ring.PreferenceList(token, false)
	if len(pl) == 0 {
		return hashring.Node{}, svcerr.Unavailable("no nodes available")
	}
	return pl[0], nil
}

func (d *Dispatcher) isLocal(node hashring.Node) bool {
	return node.ServiceKey == d.selfServiceKey
}

// GetMessages implements the read RPC (spec.md §6 / §4.4 "Local read
// flow"): resolve the owner, forward if remote, otherwise optionally run
// the poll hook before blocking on the chat's message signal.
func (d *Dispatcher) GetMessages(ctx context.Context, token string, asOf int64, userID string, haveUser, block bool, timeout time.Duration) ([]chatmodel.Message, error) {
	primary, err := d.resolvePrimary(token)
	if err != nil {
		return nil, err
	}
	if !d.isLocal(primary) {
		msgs, err := d.peerClient.GetMessages(ctx, primary, token, asOf, userID, haveUser, block, timeout)
		if err != nil {
			return nil, svcerr.Unavailable(err.Error())
		}
		return msgs, nil
	}

	chat, err := d.manager.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	if block {
		for _, pollMsg := range d.plugins.HandlePoll(ctx, chat, time.Now()) {
			if _, err := d.sendLocal(ctx, chat, pollMsg); err != nil {
				d.logger.Warn().Err(err).Str("token", token).Msg("poll-hook message rejected")
			}
		}
	}

	if timeout <= 0 {
		timeout = d.longPollWait
	}
	return chat.MessagesSince(ctx, asOf, userID, haveUser, block, timeout), nil
}

// SendMessage implements the write RPC (spec.md §6 / §4.4 "Local
// send-message flow").
func (d *Dispatcher) SendMessage(ctx context.Context, msg chatmodel.Message, n, w int) (chatmodel.Message, error) {
	primary, err := d.resolvePrimary(msg.Header.ChatToken)
	if err != nil {
		return chatmodel.Message{}, err
	}
	if !d.isLocal(primary) {
		out, err := d.peerClient.SendMessage(ctx, primary, msg, n, w)
		if err != nil {
			return chatmodel.Message{}, svcerr.Unavailable(err.Error())
		}
		return out, nil
	}

	chat, err := d.manager.Get(ctx, msg.Header.ChatToken)
	if err != nil {
		return chatmodel.Message{}, err
	}
	return d.sendLocal(ctx, chat, msg, n, w)
}

// sendLocal runs steps 2-9 of spec.md §4.4's local send-message flow; the
// caller has already resolved this node as the primary for chat.
func (d *Dispatcher) sendLocal(ctx context.Context, chat *chatmodel.Chat, msg chatmodel.Message, nw ...int) (chatmodel.Message, error) {
	if chat.Expired() {
		return chatmodel.Message{}, svcerr.InvalidChat("chat expired: " + chat.Token)
	}

	now := time.Now()
	if msg.Header.ID == "" {
		msg.Header.ID = uuid.NewString()
	}
	if msg.Header.Timestamp != 0 {
		msg.Header.Skew = msg.Header.Timestamp - now.Unix()
	}
	msg.Header.Timestamp = now.Unix()
	msg.Header.ChatToken = chat.Token
	if msg.Header.Route.Type == chatmodel.NoRoute {
		msg.Header.Route.Type = chatmodel.BroadcastRoute
	}

	extra, err := d.plugins.Handle(ctx, chat, msg)
	if err != nil {
		return chatmodel.Message{}, err
	}

	all := append([]chatmodel.Message{msg}, extra...)
	chat.AppendMessages(all)

	n, w := d.defaultN, d.defaultW
	if len(nw) == 2 {
		if nw[0] > 0 {
			n = nw[0]
		}
		if nw[1] > 0 {
			w = nw[1]
		}
	}

	result := d.replicator.Replicate(chat, all, n, w)
	replCtx, cancel := context.WithTimeout(ctx, d.replicationTimeout)
	defer cancel()
	if err := result.Wait(replCtx); err != nil {
		d.logger.Warn().Err(err).Str("token", chat.Token).Msg("replication did not reach quorum")
		return chatmodel.Message{}, svcerr.Unavailable("replication quorum not reached")
	}

	if chat.Status() == chatmodel.ChatEnded {
		d.persister.Persist(chat, false)
	}

	return msg, nil
}

// Replicate merges an inbound peer snapshot into local state (spec.md §6 /
// §4.4 "Replicate RPC (inbound)").
func (d *Dispatcher) Replicate(ctx context.Context, snapshot replication.ChatSnapshot) error {
	chat, err := d.manager.Get(ctx, snapshot.State.Token)
	if err != nil {
		return err
	}
	chat.ApplySnapshot(snapshot.State)
	return nil
}

// ExpireSession is test-only; it is a no-op in production (spec.md §6).
func (d *Dispatcher) ExpireSession(_ context.Context, _ int) bool {
	return true
}

// OnChatPersisted is the Persister observer: once persisted=true commits
// locally, send peers one final replication so they learn it too
// (spec.md §4.6).
func (d *Dispatcher) OnChatPersisted(chat *chatmodel.Chat) {
	result := d.replicator.Replicate(chat, nil, d.defaultN, d.defaultW)
	ctx, cancel := context.WithTimeout(context.Background(), d.replicationTimeout)
	defer cancel()
	if err := result.Wait(ctx); err != nil {
		d.logger.Warn().Err(err).Str("token", chat.Token).Msg("final persisted-state replication failed")
	}
}

// OnZombieChat is the GC observer: only the chat's current primary
// persists it (spec.md §4.7).
func (d *Dispatcher) OnZombieChat(chat *chatmodel.Chat) {
	primary, err := d.resolvePrimary(chat.Token)
	if err != nil || !d.isLocal(primary) {
		return
	}
	d.persister.Persist(chat, true)
}
