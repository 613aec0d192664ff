// Package redis is an upstream feed backed by Redis pub/sub. Every concrete
// triple maps to one Redis channel, wildcard triples use pattern subscriptions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/upstream"
)

const (
	defaultAddr      = "localhost:6379"
	defaultPrefix    = "roost"
	defaultQueueSize = 128
)

type configType struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Prefix of channel names.
	Prefix string `json:"prefix"`
	// Size of the per-subscription message buffer.
	QueueSize int `json:"queue_size"`
	// Timeout for establishing the connection, seconds.
	DialTimeout int `json:"dial_timeout"`
}

// Feed is the Redis pub/sub feed.
type Feed struct {
	client    redis.UniversalClient
	prefix    string
	queueSize int
}

type subscription struct {
	pubsub *redis.PubSub
	ch     chan upstream.Notice
	done   chan struct{}
	once   sync.Once
}

// New creates a feed over an existing client. Init is not required then.
func New(client redis.UniversalClient, prefix string) *Feed {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Feed{client: client, prefix: prefix, queueSize: defaultQueueSize}
}

// Name returns "redis".
func (*Feed) Name() string {
	return "redis"
}

// Init connects to Redis.
func (f *Feed) Init(jsonconf json.RawMessage) error {
	if f.client != nil {
		return errors.New("upstream redis: already initialized")
	}

	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("upstream redis: failed to parse config: " + err.Error())
		}
	}
	if config.Addr == "" {
		config.Addr = defaultAddr
	}
	opts := &redis.Options{
		Addr:     config.Addr,
		Username: config.Username,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = time.Duration(config.DialTimeout) * time.Second
	}

	f.client = redis.NewClient(opts)
	f.prefix = config.Prefix
	if f.prefix == "" {
		f.prefix = defaultPrefix
	}
	f.queueSize = defaultQueueSize
	if config.QueueSize > 0 {
		f.queueSize = config.QueueSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.client.Ping(ctx).Err(); err != nil {
		f.client.Close()
		f.client = nil
		return errors.New("upstream redis: " + err.Error())
	}
	logs.Info.Println("upstream redis: connected to", config.Addr)
	return nil
}

// Close closes the Redis client.
func (f *Feed) Close() error {
	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}

// Channel returns the Redis channel name of a concrete triple or the channel
// pattern of a wildcard triple.
func (f *Feed) Channel(triple types.Triple) string {
	inst := "*"
	if !triple.AllInstances {
		inst = escape(triple.Instance)
	}
	return f.prefix + ":" + escape(triple.Class) + ":" + inst + ":" + escape(triple.Recipient)
}

// Publish sends a message to the triple. The triple must be concrete.
func (f *Feed) Publish(ctx context.Context, triple types.Triple, body string) error {
	if triple.AllInstances {
		return types.ErrInvalidSubscription
	}
	return f.client.Publish(ctx, f.Channel(triple), body).Err()
}

// Open subscribes to the triple. Credentials are not used.
func (f *Feed) Open(ctx context.Context, triple types.Triple, _ json.RawMessage) (upstream.Subscription, error) {
	if f.client == nil {
		return nil, errors.New("upstream redis: not initialized")
	}

	var pubsub *redis.PubSub
	if triple.AllInstances {
		pubsub = f.client.PSubscribe(ctx, f.Channel(triple))
	} else {
		pubsub = f.client.Subscribe(ctx, f.Channel(triple))
	}
	// Wait for the confirmation so that messages published after Open returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &subscription{
		pubsub: pubsub,
		ch:     make(chan upstream.Notice, f.queueSize),
		done:   make(chan struct{}),
	}
	go sub.run(f.prefix, triple)
	return sub, nil
}

func (s *subscription) run(prefix string, triple types.Triple) {
	defer close(s.ch)

	for msg := range s.pubsub.Channel() {
		concrete, ok := parseChannel(prefix, msg.Channel)
		if !ok || !triple.Matches(concrete) {
			logs.Warn.Println("upstream redis: unexpected channel", msg.Channel)
			continue
		}
		select {
		case s.ch <- upstream.Notice{Triple: concrete, Body: msg.Payload, Time: time.Now().UTC()}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Notices() <-chan upstream.Notice {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// escape makes the component safe to use in a channel name and in a glob
// pattern: ':', '*', '?', '[' and '\' are all percent-encoded.
func escape(s string) string {
	return url.QueryEscape(s)
}

func parseChannel(prefix, channel string) (types.Triple, bool) {
	if !strings.HasPrefix(channel, prefix+":") {
		return types.Triple{}, false
	}
	parts := strings.Split(channel[len(prefix)+1:], ":")
	if len(parts) != 3 {
		return types.Triple{}, false
	}
	var err error
	for i := range parts {
		if parts[i], err = url.QueryUnescape(parts[i]); err != nil {
			return types.Triple{}, false
		}
	}
	return types.Triple{Class: parts[0], Instance: parts[1], Recipient: parts[2]}, true
}

func init() {
	upstream.Register(&Feed{})
}
