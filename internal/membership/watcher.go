// Package membership adapts the external membership service described in
// spec.md §4.8/§6 to a concrete change feed: peers publish join/leave
// envelopes on a NATS subject, and this watcher folds them into the
// hashring's ring view. The membership service itself (who decides a peer
// is alive, how positions are brokered) stays out of scope per spec.md §1;
// this is only the feed consumer/producer pair the core needs to run.
package membership

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/hashring"
)

const defaultSubject = "chatsvc.membership.events"

// DefaultAnnounceInterval and DefaultPeerTTL back the heartbeat-style
// re-announce: NATS core is fire-and-forget, so a single dropped join
// message would otherwise permanently remove a live peer from every other
// node's ring view. Re-announcing periodically and expiring peers that
// stop doing so makes a dropped message self-correcting instead of a
// permanent split in the hashring.
const (
	DefaultAnnounceInterval = 15 * time.Second
	DefaultPeerTTL          = 45 * time.Second
)

type eventType string

const (
	eventJoin eventType = "join"
	eventLeave eventType = "leave"
)

// wireNode is the JSON form of a single ring position, published alongside
// a join event so peers can adopt the announcing node's self-chosen
// positions without a coordinator.
type wireNode struct {
	ServiceKey string `json:"serviceKey"`
	Hostname   string `json:"hostname"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	Token      string `json:"token"` // 32-char lowercase hex, spec.md §6
}

type wireEvent struct {
	Type       eventType  `json:"type"`
	ServiceKey string     `json:"serviceKey"`
	Positions  []wireNode `json:"positions,omitempty"`
}

// Watcher publishes this node's positions on join/leave and folds peers'
// announcements into a Hashring.
type Watcher struct {
	conn             *nats.Conn
	subject          string
	ring             *hashring.Hashring
	logger           zerolog.Logger
	selfKey          string
	announceInterval time.Duration
	peerTTL          time.Duration

	sub    *nats.Subscription
	stopCh chan struct{}

	mu       sync.Mutex
	peers    map[string][]hashring.Node // serviceKey -> its positions
	lastSeen map[string]time.Time       // serviceKey -> last join/heartbeat
}

type Config struct {
	Conn             *nats.Conn
	Subject          string // defaults to defaultSubject when empty
	ServiceKey       string
	Hostname         string
	Address          string
	Port             int
	Positions        int           // defaults to hashring.PositionsPerNode when 0
	AnnounceInterval time.Duration // defaults to DefaultAnnounceInterval when 0
	PeerTTL          time.Duration // defaults to DefaultPeerTTL when 0
	Logger           zerolog.Logger
}

func New(cfg Config) *Watcher {
	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}
	positions := cfg.Positions
	if positions == 0 {
		positions = hashring.PositionsPerNode
	}
	announceInterval := cfg.AnnounceInterval
	if announceInterval == 0 {
		announceInterval = DefaultAnnounceInterval
	}
	peerTTL := cfg.PeerTTL
	if peerTTL == 0 {
		peerTTL = DefaultPeerTTL
	}

	w := &Watcher{
		subject:          subject,
		logger:           cfg.Logger.With().Str("component", "membership").Logger(),
		selfKey:          cfg.ServiceKey,
		announceInterval: announceInterval,
		peerTTL:          peerTTL,
		peers:            make(map[string][]hashring.Node),
		lastSeen:         make(map[string]time.Time),
		stopCh:           make(chan struct{}),
	}
	w.conn = cfg.Conn
	selfPositions := hashring.NewPositions(cfg.ServiceKey, cfg.Hostname, cfg.Address, cfg.Port, positions)
	w.peers[cfg.ServiceKey] = selfPositions
	w.lastSeen[cfg.ServiceKey] = time.Now()
	return w
}

// Attach sets the Hashring this watcher folds membership into. The ring is
// built separately and attached afterwards; until one is attached,
// recompute has no ring to update.
func (w *Watcher) Attach(ring *hashring.Hashring) {
	w.ring = ring
}

// Start subscribes to the membership subject, announces this node's
// positions, recomputes the ring from whatever is already known, and
// launches the periodic heartbeat-style re-announce/expiry loop.
func (w *Watcher) Start() error {
	sub, err := w.conn.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return err
	}
	w.sub = sub
	w.recompute()
	if err := w.announce(eventJoin); err != nil {
		return err
	}
	go w.heartbeatLoop()
	return nil
}

// Stop announces this node's departure, unsubscribes, and stops the
// heartbeat loop. The hashring layer must be stopped first in the overall
// shutdown order (spec.md §5) so peers observe this node leaving before
// anything else winds down.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	if err := w.announce(eventLeave); err != nil {
		w.logger.Error().Err(err).Msg("failed to announce leave")
	}
	if w.sub != nil {
		return w.sub.Unsubscribe()
	}
	return nil
}

// heartbeatLoop re-announces this node's join on announceInterval (a single
// dropped NATS-core message is otherwise permanent, since there's no
// broker-side redelivery) and expires peers that haven't been heard from
// within peerTTL, so a peer that really did crash without sending a leave
// is still eventually dropped from the ring.
func (w *Watcher) heartbeatLoop() {
	ticker := time.NewTicker(w.announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.announce(eventJoin); err != nil {
				w.logger.Warn().Err(err).Msg("failed to send heartbeat announce")
			}
			if w.expireStalePeers() {
				w.recompute()
			}
		}
	}
}

func (w *Watcher) expireStalePeers() bool {
	cutoff := time.Now().Add(-w.peerTTL)
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := false
	for key, seen := range w.lastSeen {
		if key == w.selfKey {
			continue
		}
		if seen.Before(cutoff) {
			delete(w.peers, key)
			delete(w.lastSeen, key)
			changed = true
			w.logger.Warn().Str("serviceKey", key).Msg("peer expired without heartbeat, removed from ring")
		}
	}
	return changed
}

func (w *Watcher) announce(t eventType) error {
	w.mu.Lock()
	positions := w.peers[w.selfKey]
	w.lastSeen[w.selfKey] = time.Now()
	w.mu.Unlock()

	event := wireEvent{Type: t, ServiceKey: w.selfKey}
	for _, p := range positions {
		event.Positions = append(event.Positions, toWire(p))
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return w.conn.Publish(w.subject, data)
}

func (w *Watcher) handleMessage(msg *nats.Msg) {
	var event wireEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		w.logger.Warn().Err(err).Msg("malformed membership event")
		return
	}

	w.mu.Lock()
	switch event.Type {
	case eventJoin:
		positions := make([]hashring.Node, 0, len(event.Positions))
		for _, p := range event.Positions {
			n, err := fromWire(p)
			if err != nil {
				w.logger.Warn().Err(err).Msg("malformed ring position")
				continue
			}
			positions = append(positions, n)
		}
		w.peers[event.ServiceKey] = positions
		w.lastSeen[event.ServiceKey] = time.Now()
	case eventLeave:
		delete(w.peers, event.ServiceKey)
		delete(w.lastSeen, event.ServiceKey)
	}
	w.mu.Unlock()

	w.recompute()
}

func (w *Watcher) recompute() {
	w.mu.Lock()
	all := make([]hashring.Node, 0)
	for _, positions := range w.peers {
		all = append(all, positions...)
	}
	w.mu.Unlock()

	if w.ring != nil {
		w.ring.SetRing(all)
	}
}

func toWire(n hashring.Node) wireNode {
	return wireNode{
		ServiceKey: n.ServiceKey,
		Hostname:   n.Hostname,
		Address:    n.Address,
		Port:       n.Port,
		Token:      fmt.Sprintf("%032x", n.Token),
	}
}

func fromWire(w wireNode) (hashring.Node, error) {
	token, ok := new(big.Int).SetString(w.Token, 16)
	if !ok {
		return hashring.Node{}, errInvalidToken
	}
	return hashring.Node{
		ServiceKey: w.ServiceKey,
		Hostname:   w.Hostname,
		Address:    w.Address,
		Port:       w.Port,
		Token:      token,
	}, nil
}

var errInvalidToken = jsonErr("membership: invalid ring token hex")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }
