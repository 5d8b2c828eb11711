package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/replication"
)

// Client forwards RPCs to a peer node over HTTP. It implements both
// dispatcher.PeerClient (owner-resolution forwarding) and
// replication.PeerClient (the Replicate send), since both are just
// "call this RPC on that peer" (spec.md §4.4 step 3 / §4.5 "Send").
type Client struct {
	httpClient *http.Client
	bearer     string
}

func NewClient(bearer string, timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}, bearer: bearer}
}

func peerBaseURL(node hashring.Node) string {
	return fmt.Sprintf("http://%s:%d", node.Address, node.Port)
}

func (c *Client) do(ctx context.Context, method, urlStr string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Message != "" {
			return fmt.Errorf("peer rpc failed (%s): %s", errResp.Kind, errResp.Message)
		}
		return fmt.Errorf("peer rpc failed: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetMessages forwards the read RPC to node.
func (c *Client) GetMessages(ctx context.Context, node hashring.Node, token string, asOf int64, userID string, haveUser, block bool, timeout time.Duration) ([]chatmodel.Message, error) {
	q := url.Values{}
	q.Set("chatToken", token)
	q.Set("asOf", strconv.FormatInt(asOf, 10))
	if block {
		q.Set("block", "true")
	}
	if haveUser {
		q.Set("userId", userID)
	}
	q.Set("timeoutMs", strconv.FormatInt(timeout.Milliseconds(), 10))

	var out getMessagesResponse
	urlStr := peerBaseURL(node) + "/rpc/GetMessages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, urlStr, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage forwards the write RPC to node.
func (c *Client) SendMessage(ctx context.Context, node hashring.Node, msg chatmodel.Message, n, w int) (chatmodel.Message, error) {
	var out messageResponse
	urlStr := peerBaseURL(node) + "/rpc/SendMessage"
	req := sendMessageRequest{Message: msg, N: n, W: w}
	if err := c.do(ctx, http.MethodPost, urlStr, req, &out); err != nil {
		return chatmodel.Message{}, err
	}
	return out.Message, nil
}

// Replicate sends a snapshot to node (the replicator's outbound send).
func (c *Client) Replicate(ctx context.Context, node hashring.Node, snapshot replication.ChatSnapshot) error {
	urlStr := peerBaseURL(node) + "/rpc/Replicate"
	return c.do(ctx, http.MethodPost, urlStr, toWireSnapshot(snapshot), nil)
}
