// Package httprpc is the external wire-framing layer spec.md §1 puts out
// of scope, implemented here as a minimal chi-routed JSON-over-HTTP
// service so the Dispatcher has a concrete transport to forward RPCs
// through (SPEC_FULL.md DOMAIN STACK).
package httprpc

import (
	"math/big"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/replication"
)

// wireNode is the hashring-node wire form of spec.md §6.
type wireNode struct {
	ServiceName    string `json:"serviceName"`
	ServiceAddress string `json:"serviceAddress"`
	Port           int    `json:"port"`
	Token          string `json:"token"`
	Hostname       string `json:"hostname"`
	FQDN           string `json:"fqdn"`
}

func toWireNode(n hashring.Node) wireNode {
	return wireNode{
		ServiceName:    n.ServiceKey,
		ServiceAddress: n.Address,
		Port:           n.Port,
		Token:          n.Token.Text(16),
		Hostname:       n.Hostname,
		FQDN:           n.Hostname,
	}
}

func fromWireNode(w wireNode) (hashring.Node, error) {
	token, ok := new(big.Int).SetString(w.Token, 16)
	if !ok {
		return hashring.Node{}, errBadToken
	}
	return hashring.Node{
		ServiceKey: w.ServiceName,
		Hostname:   w.Hostname,
		Address:    w.ServiceAddress,
		Port:       w.Port,
		Token:      token,
	}, nil
}

type wireErr string

func (e wireErr) Error() string { return string(e) }

var errBadToken = wireErr("httprpc: malformed hashring token")

func toWireNodes(nodes []hashring.Node) []wireNode {
	out := make([]wireNode, len(nodes))
	for i, n := range nodes {
		out[i] = toWireNode(n)
	}
	return out
}

// sendMessageRequest/Response frame the SendMessage RPC body.
type sendMessageRequest struct {
	Message chatmodel.Message `json:"message"`
	N       int               `json:"n"`
	W       int               `json:"w"`
}

type messageResponse struct {
	Message chatmodel.Message `json:"message"`
}

type getMessagesResponse struct {
	Messages []chatmodel.Message `json:"messages"`
}

// snapshotWire is the §6 "Snapshot wire form": {fullSnapshot, state}.
type snapshotWire struct {
	FullSnapshot bool                        `json:"fullSnapshot"`
	State        chatmodel.ChatStateSnapshot `json:"state"`
}

func toWireSnapshot(s replication.ChatSnapshot) snapshotWire {
	return snapshotWire{FullSnapshot: s.FullSnapshot, State: s.State}
}

func fromWireSnapshot(w snapshotWire) replication.ChatSnapshot {
	return replication.ChatSnapshot{FullSnapshot: w.FullSnapshot, State: w.State}
}

// errorResponse mirrors the error taxonomy of spec.md §7 onto the wire.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
