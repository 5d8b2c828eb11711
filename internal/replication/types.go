// Package replication implements the N/W quorum replicator of spec.md §4.5:
// a worker pool that fans a chat's messages out to peers, a job coordinator
// that resolves once W copies (counting the local one) are confirmed,
// and a hashring-event-driven catch-up path for ownership handoff.
package replication

import (
	"context"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
)

// ChatSnapshot is the wire form sent to a peer's Replicate RPC (spec.md §6):
// {fullSnapshot, state}.
type ChatSnapshot struct {
	FullSnapshot bool
	State        chatmodel.ChatStateSnapshot
}

// BuildSnapshot wraps a chat's state into the wire envelope, computing
// fullSnapshot as (len(provided messages) == len(chat.messages)) per
// spec.md §4.5 "Send".
func BuildSnapshot(chat *chatmodel.Chat, messages []chatmodel.Message) ChatSnapshot {
	state := chat.Snapshot(messages)
	return ChatSnapshot{
		FullSnapshot: len(state.Messages) == state.TotalMessages,
		State:        state,
	}
}

// PeerClient is the outbound transport the replicator calls to deliver a
// snapshot to one peer. The concrete implementation (internal/transport/httprpc)
// is the external wire-framing layer spec.md §1 treats as out of scope; this
// package only needs the narrow contract below.
type PeerClient interface {
	Replicate(ctx context.Context, node hashring.Node, snapshot ChatSnapshot) error
}
