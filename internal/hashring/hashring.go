// Package hashring implements the consistent-hash ring that maps a chat
// token to an ordered preference list of owning peers (spec.md §4.1).
package hashring

import (
	"crypto/md5"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// PositionsPerNode is the default number of virtual positions each peer
// claims on the ring (spec.md §6 HASHRING_POSITIONS_PER_NODE).
const PositionsPerNode = 3

// Node is one position on the ring. Several Nodes share a ServiceKey (one
// per virtual position); Hostname/Address/Port/ServiceKey identify the
// physical peer, Token is this position's place on the ring.
type Node struct {
	ServiceKey string
	Hostname   string
	Address    string
	Port       int
	Token      *big.Int
}

// ChangeEvent is delivered to observers on every membership change.
type ChangeEvent struct {
	Previous []Node
	Current  []Node
}

// Observer is notified of ring changes. A returned error is logged but
// never stops propagation to the remaining observers (spec.md §4.1).
type Observer func(ChangeEvent) error

// Hash computes a token's 128-bit ring position as an unsigned big.Int,
// per spec.md §4.1: hash(x) = MD5(x).
func Hash(token string) *big.Int {
	sum := md5.Sum([]byte(token))
	return new(big.Int).SetBytes(sum[:])
}

// Hashring is a copy-on-write view of ring positions: readers always see a
// consistent snapshot, writers (membership changes) swap in a new sorted
// slice without taking a reader lock.
type Hashring struct {
	logger zerolog.Logger

	view atomic.Pointer[[]Node]

	mu        sync.Mutex // serializes writers only
	observers []Observer
}

func New(logger zerolog.Logger) *Hashring {
	h := &Hashring{logger: logger.With().Str("component", "hashring").Logger()}
	empty := make([]Node, 0)
	h.view.Store(&empty)
	return h
}

// CurrentRing returns a snapshot of all positions, sorted by token.
func (h *Hashring) CurrentRing() []Node {
	return *h.view.Load()
}

// Subscribe registers observer for future change events.
func (h *Hashring) Subscribe(obs Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, obs)
	h.mu.Unlock()
}

func sortPositions(positions []Node) {
	sort.Slice(positions, func(i, j int) bool {
		c := positions[i].Token.Cmp(positions[j].Token)
		if c != 0 {
			return c < 0
		}
		return positions[i].ServiceKey < positions[j].ServiceKey
	})
}

// SetRing atomically replaces the ring with positions (already expected to
// be a complete view, e.g. built by the membership watcher) and notifies
// observers if it differs from the previous view.
func (h *Hashring) SetRing(positions []Node) {
	sorted := make([]Node, len(positions))
	copy(sorted, positions)
	sortPositions(sorted)

	h.mu.Lock()
	previous := *h.view.Load()
	h.view.Store(&sorted)
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	if ringEqual(previous, sorted) {
		return
	}
	event := ChangeEvent{Previous: previous, Current: sorted}
	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error().Interface("panic", r).Msg("hashring observer panicked")
				}
			}()
			if err := obs(event); err != nil {
				h.logger.Error().Err(err).Msg("hashring observer returned error")
			}
		}()
	}
}

func ringEqual(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ServiceKey != b[i].ServiceKey || a[i].Token.Cmp(b[i].Token) != 0 {
			return false
		}
	}
	return true
}

// PreferenceList walks the ring clockwise from hash(token), returning an
// ordered, deduplicated-by-ServiceKey list of owning peers over the given
// ringView (letting callers recompute against a previous/future view, as
// the replicator does on membership changes); Hashring.PreferenceList is the
// form that uses the current ring. A nil or empty ringView yields a nil list
// (spec.md §4.1 failure semantics).
func PreferenceList(token string, ringView []Node, dedupByHost bool) []Node {
	if len(ringView) == 0 {
		return nil
	}
	target := Hash(token)
	start := sort.Search(len(ringView), func(i int) bool {
		return ringView[i].Token.Cmp(target) >= 0
	})

	seenKeys := make(map[string]bool)
	seenHosts := make(map[string]bool)
	result := make([]Node, 0, len(ringView))
	for i := 0; i < len(ringView); i++ {
		n := ringView[(start+i)%len(ringView)]
		if seenKeys[n.ServiceKey] {
			continue
		}
		if dedupByHost && seenHosts[n.Hostname] {
			continue
		}
		seenKeys[n.ServiceKey] = true
		seenHosts[n.Hostname] = true
		result = append(result, n)
	}
	return result
}

// PreferenceList is a convenience method using the ring's current view.
func (h *Hashring) PreferenceList(token string, dedupByHost bool) []Node {
	return PreferenceList(token, h.CurrentRing(), dedupByHost)
}
