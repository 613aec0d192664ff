// Package upstream defines the interfaces of external notification sources
// and a registry of available feed implementations.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/roost-im/roost/server/store/types"
)

// Notice is a single message received from upstream.
type Notice struct {
	// Concrete triple the message was sent to. Never a wildcard.
	Triple types.Triple
	Body   string
	// Time when the message was sent, if known.
	Time time.Time
}

// Subscription is a live subscription to a triple.
type Subscription interface {
	// Notices returns the channel of incoming messages. The channel is closed
	// once the subscription is closed or the upstream goes away.
	Notices() <-chan Notice
	// Close cancels the subscription. Must be called exactly once.
	Close(ctx context.Context) error
}

// Feed opens subscriptions.
type Feed interface {
	// Open subscribes to the triple. Credentials are opaque to the core and
	// may be nil, e.g. when subscriptions are restored on startup.
	Open(ctx context.Context, triple types.Triple, creds json.RawMessage) (Subscription, error)
}

// Provider is a Feed which can be selected and configured by name.
type Provider interface {
	Feed
	// Name returns the name the provider is registered under.
	Name() string
	// Init configures the provider.
	Init(jsonconf json.RawMessage) error
	// Close releases resources held by the provider. Open subscriptions are not closed.
	Close() error
}

var providers = make(map[string]Provider)

// Register makes a feed provider available by name.
// If Register is called twice or if the provider is nil, it panics.
func Register(p Provider) {
	if p == nil {
		panic("upstream: Register provider is nil")
	}
	name := p.Name()
	if _, dup := providers[name]; dup {
		panic("upstream: provider '" + name + "' is already registered")
	}
	providers[name] = p
}

// Names returns sorted names of registered providers.
func Names() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type configType struct {
	// Name of the feed to use.
	UseFeed string `json:"use_feed"`
	// Configurations for individual feeds.
	Feeds map[string]json.RawMessage `json:"feeds"`
}

// Use selects and initializes the provider given the config.
func Use(jsonconf json.RawMessage) (Provider, error) {
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return nil, errors.New("upstream: failed to parse config: " + err.Error())
		}
	}

	var p Provider
	if config.UseFeed != "" {
		var ok bool
		if p, ok = providers[config.UseFeed]; !ok {
			return nil, errors.New("upstream: " + config.UseFeed + " feed is not available in this binary")
		}
	} else if len(providers) == 1 {
		for _, v := range providers {
			p = v
		}
	} else {
		return nil, errors.New("upstream: feed is not specified. Please set `upstream_config.use_feed` in `roost.conf`")
	}

	if err := p.Init(config.Feeds[p.Name()]); err != nil {
		return nil, err
	}
	return p, nil
}
