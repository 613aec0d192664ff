// Package memory is an in-process upstream feed. Messages are injected with
// Publish. Useful for development and testing.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/upstream"
)

const defaultQueueSize = 128

// Feed is the in-process feed.
type Feed struct {
	mu        sync.RWMutex
	subs      map[*subscription]struct{}
	queueSize int

	// OpenHook, if set, is called before a subscription is opened. A non-nil
	// error fails the Open.
	OpenHook func(triple types.Triple, creds json.RawMessage) error
	// CloseHook, if set, is called when a subscription is closed. A non-nil
	// error is returned from Close, the subscription is closed anyway.
	CloseHook func(triple types.Triple) error
}

type subscription struct {
	feed   *Feed
	triple types.Triple
	ch     chan upstream.Notice
	// Closed by Close before ch, unblocks pending Publish calls.
	done chan struct{}
	// Held for reading while sending to ch, for writing to close it.
	sendMu sync.RWMutex
	once   sync.Once
}

// New creates a feed.
func New() *Feed {
	return &Feed{subs: make(map[*subscription]struct{}), queueSize: defaultQueueSize}
}

// Name returns "memory".
func (*Feed) Name() string {
	return "memory"
}

// Init configures the queue size of each subscription.
func (f *Feed) Init(jsonconf json.RawMessage) error {
	type configType struct {
		QueueSize int `json:"queue_size"`
	}
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("upstream memory: failed to parse config: " + err.Error())
		}
	}
	if config.QueueSize > 0 {
		f.queueSize = config.QueueSize
	}
	return nil
}

// Close is a noop.
func (*Feed) Close() error {
	return nil
}

// Open subscribes to the triple.
func (f *Feed) Open(ctx context.Context, triple types.Triple, creds json.RawMessage) (upstream.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OpenHook != nil {
		if err := f.OpenHook(triple, creds); err != nil {
			return nil, err
		}
	}

	sub := &subscription{
		feed:   f,
		triple: triple,
		ch:     make(chan upstream.Notice, f.queueSize),
		done:   make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub, nil
}

// Publish sends a message to every open subscription matching the triple.
// Blocks while a matching subscription's queue is full, unless the
// subscription is closed meanwhile. Returns the number of subscriptions the
// message was sent to.
func (f *Feed) Publish(triple types.Triple, body string) int {
	notice := upstream.Notice{Triple: triple, Body: body, Time: time.Now().UTC()}

	f.mu.RLock()
	var matching []*subscription
	for sub := range f.subs {
		if sub.triple.Matches(triple) {
			matching = append(matching, sub)
		}
	}
	f.mu.RUnlock()

	count := 0
	for _, sub := range matching {
		if sub.send(notice) {
			count++
		}
	}
	return count
}

// Count returns the number of open subscriptions.
func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (s *subscription) Notices() <-chan upstream.Notice {
	return s.ch
}

// send delivers the notice unless the subscription is closed first.
func (s *subscription) send(notice upstream.Notice) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- notice:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()

		close(s.done)
		// Pending senders see done and release the read lock.
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()

		if s.feed.CloseHook != nil {
			err = s.feed.CloseHook(s.triple)
		}
	})
	return err
}

func init() {
	upstream.Register(New())
}
