package dispatcher

import (
	"context"
	"time"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
)

// PeerClient is the reused proxy the Dispatcher forwards non-local RPCs
// through (spec.md §4.4 "Owner resolution" step 3). The concrete
// implementation lives in internal/transport/httprpc, the external
// wire-framing layer spec.md §1 puts out of scope.
type PeerClient interface {
	GetMessages(ctx context.Context, node hashring.Node, token string, asOf int64, userID string, haveUser, block bool, timeout time.Duration) ([]chatmodel.Message, error)
	SendMessage(ctx context.Context, node hashring.Node, msg chatmodel.Message, n, w int) (chatmodel.Message, error)
}
