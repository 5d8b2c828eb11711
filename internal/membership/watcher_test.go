package membership

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/hashring"
)

func TestWireNodeRoundTrip(t *testing.T) {
	original := hashring.Node{ServiceKey: "svc", Hostname: "host", Address: "127.0.0.1", Port: 9000, Token: hashring.RandomToken()}
	w := toWire(original)
	back, err := fromWire(w)
	if err != nil {
		t.Fatalf("fromWire: %v", err)
	}
	if back.ServiceKey != original.ServiceKey || back.Token.Cmp(original.Token) != 0 {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, original)
	}
}

func TestFromWireRejectsInvalidHex(t *testing.T) {
	_, err := fromWire(wireNode{Token: "not-hex!!"})
	if err == nil {
		t.Fatalf("expected an error for a malformed token")
	}
}

func newTestWatcher() *Watcher {
	w := New(Config{
		ServiceKey: "self",
		Hostname:   "self-host",
		Address:    "127.0.0.1",
		Port:       8080,
		Positions:  2,
		Logger:     zerolog.Nop(),
	})
	ring := hashring.New(zerolog.Nop())
	w.Attach(ring)
	return w
}

func TestHandleMessageJoinAddsPeerPositions(t *testing.T) {
	w := newTestWatcher()

	peerNode := hashring.Node{ServiceKey: "peer", Hostname: "peerhost", Address: "10.0.0.2", Port: 9000, Token: hashring.RandomToken()}
	event := wireEvent{Type: eventJoin, ServiceKey: "peer", Positions: []wireNode{toWire(peerNode)}}
	data, _ := json.Marshal(event)

	w.handleMessage(&nats.Msg{Data: data})

	ring := w.ring.CurrentRing()
	found := false
	for _, n := range ring {
		if n.ServiceKey == "peer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected peer positions folded into the ring, got %+v", ring)
	}
	// self positions should still be present alongside the new peer.
	selfFound := false
	for _, n := range ring {
		if n.ServiceKey == "self" {
			selfFound = true
		}
	}
	if !selfFound {
		t.Fatalf("expected self positions to remain in the ring")
	}
}

func TestHandleMessageLeaveRemovesPeer(t *testing.T) {
	w := newTestWatcher()

	peerNode := hashring.Node{ServiceKey: "peer", Hostname: "peerhost", Token: hashring.RandomToken()}
	joinData, _ := json.Marshal(wireEvent{Type: eventJoin, ServiceKey: "peer", Positions: []wireNode{toWire(peerNode)}})
	w.handleMessage(&nats.Msg{Data: joinData})

	leaveData, _ := json.Marshal(wireEvent{Type: eventLeave, ServiceKey: "peer"})
	w.handleMessage(&nats.Msg{Data: leaveData})

	for _, n := range w.ring.CurrentRing() {
		if n.ServiceKey == "peer" {
			t.Fatalf("expected peer removed from the ring after leave")
		}
	}
}

func TestExpireStalePeersRemovesPeerPastTTL(t *testing.T) {
	w := newTestWatcher()
	w.peerTTL = time.Millisecond

	peerNode := hashring.Node{ServiceKey: "peer", Hostname: "peerhost", Token: hashring.RandomToken()}
	joinData, _ := json.Marshal(wireEvent{Type: eventJoin, ServiceKey: "peer", Positions: []wireNode{toWire(peerNode)}})
	w.handleMessage(&nats.Msg{Data: joinData})

	time.Sleep(5 * time.Millisecond)
	if !w.expireStalePeers() {
		t.Fatalf("expected a stale peer to be expired")
	}
	w.recompute()

	for _, n := range w.ring.CurrentRing() {
		if n.ServiceKey == "peer" {
			t.Fatalf("expected expired peer removed from the ring")
		}
	}
}

func TestExpireStalePeersNeverExpiresSelf(t *testing.T) {
	w := newTestWatcher()
	w.peerTTL = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	if w.expireStalePeers() {
		t.Fatalf("expected self to never be expired")
	}
}

func TestHandleMessageMalformedPayloadIsIgnored(t *testing.T) {
	w := newTestWatcher()
	before := w.ring.CurrentRing()
	w.handleMessage(&nats.Msg{Data: []byte("not json")})
	after := w.ring.CurrentRing()
	if len(before) != len(after) {
		t.Fatalf("expected malformed payload to be ignored without changing the ring")
	}
}
