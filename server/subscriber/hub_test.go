package subscriber

import (
	"testing"

	"github.com/roost-im/roost/server/store/types"
)

func TestHubRegisterUnregister(t *testing.T) {
	h := newHub(&stats{})
	c1, c2 := newTestConn(), newTestConn()

	k1 := h.Register(alice, c1)
	k2 := h.Register(alice, c2)
	k3 := h.Register(bob, newTestConn())
	if k1 == k2 || k2 == k3 || k1 == 0 {
		t.Errorf("Keys must be unique and non-zero: %d %d %d", k1, k2, k3)
	}
	if h.Count() != 3 {
		t.Errorf("Expected 3 connections, got %d", h.Count())
	}

	h.Unregister(alice, k1)
	// Repeated unregister is silent.
	h.Unregister(alice, k1)
	// Never issued key is ignored.
	h.Unregister(alice, 1000)
	// Key of someone else's connection is ignored.
	h.Unregister(alice, k3)
	if h.Count() != 2 {
		t.Errorf("Expected 2 connections, got %d", h.Count())
	}

	h.Deliver(lunch, []types.Uid{alice}, []byte("x"))
	if got := string(c2.expect(t)); got != "x" {
		t.Errorf("Unexpected payload %q", got)
	}
	c1.expectNothing(t)

	// A new key is never a reused one.
	if k4 := h.Register(alice, c1); k4 <= k3 {
		t.Errorf("Key %d reused", k4)
	}
}

func TestHubDropsFailingConnection(t *testing.T) {
	st := &stats{}
	h := newHub(st)
	good, bad := newTestConn(), newTestConn()
	bad.fail = true
	h.Register(alice, good)
	h.Register(alice, bad)

	h.Deliver(lunch, []types.Uid{alice, bob}, []byte("hello"))
	good.expect(t)

	if h.Count() != 1 {
		t.Errorf("Failing connection must be dropped, got %d connections", h.Count())
	}
	if st.connsLive.Load() != 1 || st.delivered.Load() != 1 {
		t.Errorf("Unexpected stats: live %d, delivered %d", st.connsLive.Load(), st.delivered.Load())
	}

	// The remaining connection keeps receiving.
	h.Deliver(lunch, []types.Uid{alice}, []byte("again"))
	if got := string(good.expect(t)); got != "again" {
		t.Errorf("Unexpected payload %q", got)
	}
}
