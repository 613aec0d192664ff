package msgid

import (
	"bytes"
	"encoding/base64"
	"math"
	"math/rand"
	"testing"

	"github.com/roost-im/roost/server/store/types"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newCodec(t *testing.T, secret []byte) *Codec {
	t.Helper()
	c, err := New(secret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewShortSecret(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Error("Expected error for short secret")
	}
	if _, err := New(nil); err == nil {
		t.Error("Expected error for nil secret")
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	c := newCodec(t, testSecret)

	ids := []int64{0, 1, -1, 42, math.MaxInt64, math.MinInt64, 1 << 32}
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		ids = append(ids, rnd.Int63()-rnd.Int63())
	}

	seen := make(map[string]int64)
	for _, id := range ids {
		token := c.Seal(id)
		if c.Seal(id) != token {
			t.Fatalf("Seal(%d) is not deterministic", id)
		}
		if prev, ok := seen[token]; ok && prev != id {
			t.Fatalf("ids %d and %d share token %s", prev, id, token)
		}
		seen[token] = id

		got, err := c.Unseal(token)
		if err != nil {
			t.Fatalf("Unseal(Seal(%d)): %v", id, err)
		}
		if got != id {
			t.Fatalf("Unseal(Seal(%d)) = %d", id, got)
		}
	}
}

func TestUnsealRejectsForgery(t *testing.T) {
	c := newCodec(t, testSecret)
	token := c.Seal(12345)
	raw, _ := base64.RawURLEncoding.DecodeString(token)

	var bad []string
	// Every single bit flip.
	for i := 0; i < len(raw)*8; i++ {
		b := bytes.Clone(raw)
		b[i/8] ^= 1 << (i % 8)
		bad = append(bad, base64.RawURLEncoding.EncodeToString(b))
	}
	bad = append(bad,
		"",
		"x",
		token[:len(token)-1],
		token+"A",
		"!!!!!!!!!!!!!!!!!!!!!!!!!!!!",
		base64.RawURLEncoding.EncodeToString(make([]byte, tokenLen)),
		newCodec(t, []byte("another secret, also long enough!")).Seal(12345),
	)

	for _, tok := range bad {
		if id, err := c.Unseal(tok); err != types.ErrInvalidCursor {
			t.Errorf("Unseal(%q) = %d, %v; expected ErrInvalidCursor", tok, id, err)
		}
	}
}

func TestTokenIsOpaque(t *testing.T) {
	c := newCodec(t, testSecret)
	a, b := c.Seal(1), c.Seal(2)
	if a[:8] == b[:8] {
		t.Errorf("Consecutive ids produce tokens with a common prefix: %s %s", a, b)
	}
}
