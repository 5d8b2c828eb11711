package dispatcher

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/persistence"
	"github.com/techresidents/chatsvc/internal/plugins"
	"github.com/techresidents/chatsvc/internal/replication"
)

type fakeMetadataStore struct{}

func (fakeMetadataStore) Load(_ context.Context, _ string) (*chatmodel.Metadata, error) {
	return &chatmodel.Metadata{MaxDuration: 3600}, nil
}

type noopPeerClient struct{}

func (noopPeerClient) GetMessages(context.Context, hashring.Node, string, int64, string, bool, bool, time.Duration) ([]chatmodel.Message, error) {
	return nil, nil
}

func (noopPeerClient) SendMessage(context.Context, hashring.Node, chatmodel.Message, int, int) (chatmodel.Message, error) {
	return chatmodel.Message{}, nil
}

type fakeArchiveStore struct{ inserted int }

func (f *fakeArchiveStore) Insert(_ context.Context, _ persistence.ArchiveJob) error {
	f.inserted++
	return nil
}

type fakeReplicationClient struct{}

func (fakeReplicationClient) Replicate(context.Context, hashring.Node, replication.ChatSnapshot) error {
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *chatmodel.ChatManager) {
	t.Helper()
	logger := zerolog.Nop()

	ring := hashring.New(logger)
	ring.SetRing([]hashring.Node{{ServiceKey: "self", Hostname: "self", Token: big.NewInt(1)}})

	manager := chatmodel.NewChatManager(fakeMetadataStore{})

	registry := plugins.NewRegistry()
	registry.Register(plugins.StatusHandler{})
	registry.Register(plugins.MarkerHandler{})
	pluginMgr := plugins.NewManager(registry, logger)

	rep := replication.New(replication.Config{
		SelfServiceKey: "self",
		Client:         fakeReplicationClient{},
		Ring:           ring,
		Manager:        manager,
		ConnPool:       replication.NewConnPool(1),
		WorkerCount:    2,
		QueueSize:      10,
		DefaultN:       1,
		DefaultW:       1,
		SendTimeout:    time.Second,
		Logger:         logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rep.Start(ctx)
	t.Cleanup(rep.Stop)

	store := &fakeArchiveStore{}
	persister := persistence.New(store, 2, 10, logger)
	persister.Start(ctx)
	t.Cleanup(persister.Stop)

	d := New(Config{
		SelfServiceKey:     "self",
		Ring:               ring,
		Manager:            manager,
		Plugins:            pluginMgr,
		Replicator:         rep,
		Persister:          persister,
		PeerClient:         noopPeerClient{},
		DefaultN:           1,
		DefaultW:           1,
		ReplicationTimeout: time.Second,
		LongPollWait:       200 * time.Millisecond,
		Logger:             logger,
	})
	persister.Subscribe(d.OnChatPersisted)
	return d, manager
}

func TestSendMessageAssignsServerTimestamp(t *testing.T) {
	d, _ := newTestDispatcher(t)
	msg := chatmodel.Message{
		Header: chatmodel.Header{
			Type:      chatmodel.MarkerCreate,
			ChatToken: "tok-1",
			Timestamp: 12345, // client-supplied, must be overwritten
			Route:     chatmodel.Route{Type: chatmodel.BroadcastRoute},
		},
	}
	out, err := d.SendMessage(context.Background(), msg, -1, -1)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out.Header.ID == "" {
		t.Fatal("expected server-assigned id")
	}
	if out.Header.Timestamp == 12345 {
		t.Fatal("expected server to overwrite client timestamp")
	}
}

func TestSendMessageRejectsOrdinaryMessageBeforeStarted(t *testing.T) {
	d, _ := newTestDispatcher(t)
	msg := chatmodel.Message{
		Header: chatmodel.Header{
			Type:      chatmodel.TagCreate,
			ChatToken: "tok-2",
			Route:     chatmodel.Route{Type: chatmodel.BroadcastRoute},
		},
	}
	if _, err := d.SendMessage(context.Background(), msg, -1, -1); err == nil {
		t.Fatal("expected rejection for non-status message on a pending chat")
	}
}

func TestSendMessageEndingChatTriggersPersist(t *testing.T) {
	d, manager := newTestDispatcher(t)

	start := chatmodel.Message{
		Header:  chatmodel.Header{Type: chatmodel.ChatStatusMessage, ChatToken: "tok-3", Route: chatmodel.Route{Type: chatmodel.BroadcastRoute}},
		Payload: map[string]any{"status": "STARTED"},
	}
	if _, err := d.SendMessage(context.Background(), start, -1, -1); err != nil {
		t.Fatalf("start: %v", err)
	}

	end := chatmodel.Message{
		Header:  chatmodel.Header{Type: chatmodel.ChatStatusMessage, ChatToken: "tok-3", Route: chatmodel.Route{Type: chatmodel.BroadcastRoute}},
		Payload: map[string]any{"status": "ENDED"},
	}
	if _, err := d.SendMessage(context.Background(), end, -1, -1); err != nil {
		t.Fatalf("end: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	chat, _ := manager.Get(context.Background(), "tok-3")
	for time.Now().Before(deadline) && !chat.Persisted() {
		time.Sleep(10 * time.Millisecond)
	}
	if !chat.Persisted() {
		t.Fatal("expected chat to be persisted after ENDED status")
	}
}

// TestSendMessageDefaultsRouteToBroadcast matches spec.md's S1 scenario: a
// SendMessage call with no route set must default to BROADCAST_ROUTE and
// remain visible via GetMessages (chatmodel.filterMessages drops
// Route.Type == NoRoute from every read).
func TestSendMessageDefaultsRouteToBroadcast(t *testing.T) {
	d, _ := newTestDispatcher(t)

	start := chatmodel.Message{
		Header:  chatmodel.Header{Type: chatmodel.ChatStatusMessage, ChatToken: "tok-4", Route: chatmodel.Route{Type: chatmodel.BroadcastRoute}},
		Payload: map[string]any{"status": "STARTED"},
	}
	if _, err := d.SendMessage(context.Background(), start, -1, -1); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := chatmodel.Message{
		Header: chatmodel.Header{
			Type:      chatmodel.TagCreate,
			ChatToken: "tok-4",
			UserID:    "11",
		},
	}
	out, err := d.SendMessage(context.Background(), msg, 1, 1)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out.Header.Route.Type != chatmodel.BroadcastRoute {
		t.Fatalf("expected default route BROADCAST_ROUTE, got %v", out.Header.Route.Type)
	}

	msgs, err := d.GetMessages(context.Background(), "tok-4", 0, "", false, false, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.Header.ID == out.Header.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the default-routed message to be visible via GetMessages, got %+v", msgs)
	}
}

func TestGetMessagesEmptyRingReturnsUnavailable(t *testing.T) {
	logger := zerolog.Nop()
	ring := hashring.New(logger)
	manager := chatmodel.NewChatManager(fakeMetadataStore{})
	registry := plugins.NewRegistry()
	pluginMgr := plugins.NewManager(registry, logger)

	d := New(Config{
		SelfServiceKey: "self",
		Ring:           ring,
		Manager:        manager,
		Plugins:        pluginMgr,
		PeerClient:     noopPeerClient{},
		Logger:         logger,
	})
	_, err := d.GetMessages(context.Background(), "tok", 0, "", false, false, 0)
	if err == nil {
		t.Fatal("expected Unavailable on empty ring")
	}
}
