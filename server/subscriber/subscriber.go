// Package subscriber multiplexes user subscriptions onto upstream
// subscriptions and fans out arriving messages to open push connections.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/msgid"
	"github.com/roost-im/roost/server/store"
	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/upstream"
)

// Config is the set of collaborators of the Subscriber.
type Config struct {
	Feed     upstream.Feed
	Subs     store.SubsPersistenceInterface
	Messages store.MessagesPersistenceInterface
	Codec    *msgid.Codec
	// Number of upstream subscriptions opened or closed in parallel on Start and Shutdown.
	Workers int
}

// Message is a message as seen by the client: the id is sealed.
type Message struct {
	Id        string    `json:"id"`
	Class     string    `json:"class"`
	Instance  string    `json:"instance"`
	Recipient string    `json:"recipient"`
	Body      string    `json:"body"`
	Time      time.Time `json:"time"`
}

// Frame is a server to client push frame.
type Frame struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}

// MessageQuery selects a page of history.
type MessageQuery struct {
	// Sealed id of the message to start from, empty to start from the beginning
	// or the end if Reverse is set.
	Offset    string
	Inclusive bool
	Reverse   bool
	Limit     int
}

// Subscriber is the delivery coordinator.
type Subscriber struct {
	registry *Registry
	hub      *Hub
	messages store.MessagesPersistenceInterface
	subs     store.SubsPersistenceInterface
	codec    *msgid.Codec
	stats    *stats
}

// New creates a Subscriber. Call Start to restore subscriptions.
func New(cfg Config) (*Subscriber, error) {
	if cfg.Feed == nil || cfg.Subs == nil || cfg.Messages == nil || cfg.Codec == nil {
		return nil, errors.New("subscriber: incomplete config")
	}

	st := &stats{}
	s := &Subscriber{
		hub:      newHub(st),
		messages: cfg.Messages,
		subs:     cfg.Subs,
		codec:    cfg.Codec,
		stats:    st,
	}
	s.registry = newRegistry(cfg.Feed, cfg.Subs, cfg.Messages, s.deliver, cfg.Workers, st)
	return s, nil
}

// Start restores subscriptions persisted by previous runs.
func (s *Subscriber) Start(ctx context.Context) error {
	return s.registry.Start(ctx)
}

// Shutdown closes all upstream subscriptions. Open connections are not closed.
func (s *Subscriber) Shutdown(ctx context.Context) error {
	return s.registry.Shutdown(ctx)
}

// Subscribe subscribes the user to the triple.
func (s *Subscriber) Subscribe(ctx context.Context, uid types.Uid, triple types.Triple, creds json.RawMessage) error {
	if err := triple.Validate(); err != nil {
		return err
	}
	return s.registry.AddUserSubscription(ctx, uid, triple, creds)
}

// Unsubscribe unsubscribes the user from the triple.
func (s *Subscriber) Unsubscribe(ctx context.Context, uid types.Uid, triple types.Triple) error {
	if err := triple.Validate(); err != nil {
		return err
	}
	return s.registry.RemoveUserSubscription(ctx, uid, triple)
}

// Subscriptions returns the triples the user is subscribed to.
func (s *Subscriber) Subscriptions(uid types.Uid) ([]types.Triple, error) {
	triples, err := s.subs.ForUser(uid)
	if err != nil {
		return nil, &types.StorageError{Op: "subs for user", Err: err}
	}
	return triples, nil
}

// Messages returns a page of the user's message history.
func (s *Subscriber) Messages(uid types.Uid, query MessageQuery) ([]Message, error) {
	opts := &types.QueryOpt{
		Inclusive: query.Inclusive,
		Reverse:   query.Reverse,
		Limit:     query.Limit,
	}
	if query.Offset != "" {
		id, err := s.codec.Unseal(query.Offset)
		if err != nil {
			return nil, err
		}
		opts.Offset = &id
	}

	msgs, err := s.messages.GetAll(uid, opts)
	if err != nil {
		return nil, &types.StorageError{Op: "messages get all", Err: err}
	}
	result := make([]Message, len(msgs))
	for i := range msgs {
		result[i] = s.seal(&msgs[i])
	}
	return result, nil
}

// Connect registers an open push connection of the user.
func (s *Subscriber) Connect(uid types.Uid, conn Conn) uint64 {
	return s.hub.Register(uid, conn)
}

// Disconnect unregisters the connection.
func (s *Subscriber) Disconnect(uid types.Uid, key uint64) {
	s.hub.Unregister(uid, key)
}

// Collector returns the Prometheus collector of the subscriber statistics.
func (s *Subscriber) Collector(namespace string) prometheus.Collector {
	return newCollector(namespace, s.stats)
}

func (s *Subscriber) seal(msg *types.Message) Message {
	return Message{
		Id:        s.codec.Seal(msg.Id),
		Class:     msg.Triple.Class,
		Instance:  msg.Triple.Instance,
		Recipient: msg.Triple.Recipient,
		Body:      msg.Body,
		Time:      msg.CreatedAt,
	}
}

func (s *Subscriber) deliver(msg *types.Message, users []types.Uid) {
	sealed := s.seal(msg)
	payload, err := json.Marshal(&Frame{Type: "message", Message: &sealed})
	if err != nil {
		logs.Err.Println("subscriber: failed to serialize message", err)
		return
	}
	s.hub.Deliver(msg.Triple, users, payload)
}
