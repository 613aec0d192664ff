package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/roost-im/roost/server/store/types"
)

func str(s string) *string { return &s }

func TestPublishMatching(t *testing.T) {
	f := New()
	ctx := context.Background()

	wild, err := f.Open(ctx, types.NewTriple("help", nil, "*"), nil)
	if err != nil {
		t.Fatal(err)
	}
	exact, _ := f.Open(ctx, types.NewTriple("help", str("lunch"), "*"), nil)
	other, _ := f.Open(ctx, types.NewTriple("white-magic", nil, "*"), nil)

	if n := f.Publish(types.NewTriple("help", str("lunch"), "*"), "anyone?"); n != 2 {
		t.Errorf("Expected 2 receivers, got %d", n)
	}
	if n := f.Publish(types.NewTriple("help", str("dinner"), "*"), "later"); n != 1 {
		t.Errorf("Expected 1 receiver, got %d", n)
	}

	for _, want := range []string{"anyone?", "later"} {
		select {
		case got := <-wild.Notices():
			if got.Body != want {
				t.Errorf("Expected %q, got %q", want, got.Body)
			}
			if got.Triple.AllInstances {
				t.Error("Notice must carry the concrete triple")
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for notice")
		}
	}
	select {
	case got := <-other.Notices():
		t.Errorf("Unexpected notice %+v", got)
	default:
	}

	for _, s := range []interface{ Close(context.Context) error }{wild, exact, other} {
		if err := s.Close(ctx); err != nil {
			t.Error(err)
		}
	}
	if f.Count() != 0 {
		t.Errorf("Expected no subscriptions, got %d", f.Count())
	}
	if _, ok := <-wild.Notices(); ok {
		t.Error("Channel must be closed after Close")
	}
}

func TestHooks(t *testing.T) {
	f := New()
	boom := errors.New("boom")
	f.OpenHook = func(tr types.Triple, creds json.RawMessage) error {
		if tr.Class == "bad" {
			return boom
		}
		return nil
	}
	f.CloseHook = func(types.Triple) error { return boom }

	if _, err := f.Open(context.Background(), types.NewTriple("bad", nil, "*"), nil); err != boom {
		t.Errorf("Expected hook error, got %v", err)
	}
	sub, err := f.Open(context.Background(), types.NewTriple("good", nil, "*"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(context.Background()); err != boom {
		t.Errorf("Expected close hook error, got %v", err)
	}
	if f.Count() != 0 {
		t.Error("Failed close must still remove the subscription")
	}
	// Second close is a noop.
	if err := sub.Close(context.Background()); err != nil {
		t.Errorf("Expected nil on repeated close, got %v", err)
	}
}

func TestInit(t *testing.T) {
	f := New()
	if err := f.Init(json.RawMessage(`{"queue_size": 4}`)); err != nil {
		t.Fatal(err)
	}
	if f.queueSize != 4 {
		t.Errorf("Expected queue size 4, got %d", f.queueSize)
	}
	if err := f.Init(json.RawMessage(`[`)); err == nil {
		t.Error("Expected error on malformed config")
	}
}

func TestCloseWithFullQueue(t *testing.T) {
	f := New()
	if err := f.Init(json.RawMessage(`{"queue_size": 1}`)); err != nil {
		t.Fatal(err)
	}
	lunch := types.NewTriple("help", str("lunch"), "*")
	sub, err := f.Open(context.Background(), lunch, nil)
	if err != nil {
		t.Fatal(err)
	}
	other, err := f.Open(context.Background(), types.NewTriple("help", str("dinner"), "*"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close(context.Background())

	if n := f.Publish(lunch, "first"); n != 1 {
		t.Fatalf("Expected 1 receiver, got %d", n)
	}

	// Nobody drains the queue, the second publish blocks.
	published := make(chan int, 1)
	go func() {
		published <- f.Publish(lunch, "second")
	}()

	// Other subscriptions are not held up by the blocked publish.
	done := make(chan struct{})
	go func() {
		f.Publish(types.NewTriple("help", str("dinner"), "*"), "soup")
		f.Count()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish to another subscription blocked")
	}

	closed := make(chan error, 1)
	go func() {
		closed <- sub.Close(context.Background())
	}()
	select {
	case err := <-closed:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a pending publish")
	}
	select {
	case n := <-published:
		if n > 1 {
			t.Errorf("Expected at most 1 receiver, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish did not return after Close")
	}

	if n := f.Publish(lunch, "third"); n != 0 {
		t.Errorf("Expected no receivers after Close, got %d", n)
	}
}
