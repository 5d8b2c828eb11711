package hashring

import "testing"

func TestNewPositionsCountAndUniqueness(t *testing.T) {
	positions := NewPositions("svc-1", "host1", "127.0.0.1", 8080, 3)
	if len(positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(positions))
	}
	seen := make(map[string]bool)
	for _, p := range positions {
		if p.ServiceKey != "svc-1" {
			t.Fatalf("expected all positions to share ServiceKey svc-1, got %s", p.ServiceKey)
		}
		key := p.Token.String()
		if seen[key] {
			t.Fatalf("expected distinct random tokens, got a duplicate")
		}
		seen[key] = true
	}
}

func TestRandomTokenIsWithinRingModulus(t *testing.T) {
	for i := 0; i < 10; i++ {
		tok := RandomToken()
		if tok.Sign() < 0 {
			t.Fatalf("expected non-negative token, got %s", tok.String())
		}
		if tok.BitLen() > 128 {
			t.Fatalf("expected token to fit in 128 bits, got bit length %d", tok.BitLen())
		}
	}
}
