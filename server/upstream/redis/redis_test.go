package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/roost-im/roost/server/store/types"
)

func str(s string) *string { return &s }

func TestChannelRoundTrip(t *testing.T) {
	f := New(nil, "")
	cases := []types.Triple{
		types.NewTriple("MESSAGE", str("personal"), "U"),
		types.NewTriple("a:b", str("*"), "x?y"),
		types.NewTriple("[weird]", str(""), `back\slash`),
		types.NewTriple("unicode", str("снег"), "%"),
	}
	for _, tr := range cases {
		ch := f.Channel(tr)
		got, ok := parseChannel(defaultPrefix, ch)
		if !ok {
			t.Errorf("%s: failed to parse channel %q", tr, ch)
			continue
		}
		if got != tr {
			t.Errorf("%s: round trip produced %s", tr, got)
		}
	}
}

func TestChannelWildcard(t *testing.T) {
	f := New(nil, "test")
	if got := f.Channel(types.NewTriple("help", nil, "*")); got != "test:help:*:%2A" {
		t.Errorf("Unexpected pattern %q", got)
	}
	if got := f.Channel(types.NewTriple("help", str("*"), "*")); got != "test:help:%2A:%2A" {
		t.Errorf("Literal '*' instance must be escaped, got %q", got)
	}
}

func TestParseChannelInvalid(t *testing.T) {
	for _, ch := range []string{"", "roost", "other:a:b:c", "roost:a:b", "roost:a:b:c:d", "roost:%zz:b:c"} {
		if _, ok := parseChannel(defaultPrefix, ch); ok {
			t.Errorf("Expected %q to be rejected", ch)
		}
	}
}

func TestPubSub(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: defaultAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	f := New(client, "roost-test-"+time.Now().Format("150405.000000"))

	wild, err := f.Open(ctx, types.NewTriple("help", nil, "*"), nil)
	if err != nil {
		t.Fatal(err)
	}
	exact, err := f.Open(ctx, types.NewTriple("help", str("lunch"), "*"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Publish(ctx, types.NewTriple("help", str("dinner"), "*"), "later"); err != nil {
		t.Fatal(err)
	}
	if err := f.Publish(ctx, types.NewTriple("help", str("lunch"), "*"), "now"); err != nil {
		t.Fatal(err)
	}
	if err := f.Publish(ctx, types.NewTriple("help", nil, "*"), "nope"); err != types.ErrInvalidSubscription {
		t.Errorf("Expected publish to a wildcard to fail, got %v", err)
	}

	for _, want := range []string{"later", "now"} {
		select {
		case n := <-wild.Notices():
			if n.Body != want {
				t.Errorf("Expected %q, got %q", want, n.Body)
			}
		case <-ctx.Done():
			t.Fatal("Timed out waiting for wildcard notice")
		}
	}
	select {
	case n := <-exact.Notices():
		if n.Body != "now" || n.Triple.Instance != "lunch" {
			t.Errorf("Unexpected notice %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for notice")
	}

	if err := wild.Close(ctx); err != nil {
		t.Error(err)
	}
	if err := exact.Close(ctx); err != nil {
		t.Error(err)
	}
	for range wild.Notices() {
	}
}
