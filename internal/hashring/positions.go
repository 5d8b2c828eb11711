package hashring

import (
	"crypto/rand"
	"math/big"
)

var ringModulus = new(big.Int).Lsh(big.NewInt(1), 128)

// RandomToken returns a uniformly random 128-bit ring position, used when
// a peer claims its positions with "[null, null, null]" (spec.md §6): the
// node picks its own random spots rather than being assigned one.
func RandomToken() *big.Int {
	t, err := rand.Int(rand.Reader, ringModulus)
	if err != nil {
		// crypto/rand failing is a fatal host problem; there is no
		// sensible fallback position to hand back.
		panic("hashring: failed to generate random token: " + err.Error())
	}
	return t
}

// NewPositions builds count virtual positions for a physical peer, each at
// an independent random token (spec.md §3 HashringNode: "each peer occupies
// multiple positions").
func NewPositions(serviceKey, hostname, address string, port, count int) []Node {
	positions := make([]Node, count)
	for i := range positions {
		positions[i] = Node{
			ServiceKey: serviceKey,
			Hostname:   hostname,
			Address:    address,
			Port:       port,
			Token:      RandomToken(),
		}
	}
	return positions
}
