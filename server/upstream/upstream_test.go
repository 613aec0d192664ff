package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/roost-im/roost/server/store/types"
)

type testProvider struct {
	name   string
	config json.RawMessage
}

func (p *testProvider) Open(context.Context, types.Triple, json.RawMessage) (Subscription, error) {
	return nil, errors.New("not implemented")
}
func (p *testProvider) Name() string { return p.name }
func (p *testProvider) Init(conf json.RawMessage) error {
	p.config = conf
	return nil
}
func (p *testProvider) Close() error { return nil }

func withProviders(t *testing.T, ps ...Provider) {
	saved := providers
	providers = make(map[string]Provider)
	for _, p := range ps {
		Register(p)
	}
	t.Cleanup(func() { providers = saved })
}

func TestUseSingle(t *testing.T) {
	only := &testProvider{name: "only"}
	withProviders(t, only)

	p, err := Use(nil)
	if err != nil {
		t.Fatal(err)
	}
	if p != only {
		t.Errorf("Expected the only provider to be selected, got %v", p)
	}
}

func TestUseByName(t *testing.T) {
	a, b := &testProvider{name: "a"}, &testProvider{name: "b"}
	withProviders(t, a, b)

	if _, err := Use(nil); err == nil {
		t.Error("Expected error when feed is ambiguous")
	}
	if _, err := Use(json.RawMessage(`{"use_feed": "c"}`)); err == nil {
		t.Error("Expected error for unknown feed")
	}
	p, err := Use(json.RawMessage(`{"use_feed": "b", "feeds": {"b": {"x": 1}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p != b || string(b.config) != `{"x": 1}` {
		t.Errorf("Provider 'b' not configured: %v %s", p, b.config)
	}
	if names := Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Unexpected names %v", names)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	withProviders(t, &testProvider{name: "a"})
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	Register(&testProvider{name: "a"})
}
