package subscriber

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/roost-im/roost/server/store/types"
)

const waitTimeout = 2 * time.Second

func str(s string) *string { return &s }

// fakeSubs keeps subscriptions in memory.
type fakeSubs struct {
	mu   sync.Mutex
	subs []types.UserTriple
}

func (f *fakeSubs) Create(uid types.Uid, triple types.Triple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ut := types.UserTriple{User: uid, Triple: triple}
	if !slices.Contains(f.subs, ut) {
		f.subs = append(f.subs, ut)
	}
	return nil
}

func (f *fakeSubs) Delete(uid types.Uid, triple types.Triple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = slices.DeleteFunc(f.subs, func(ut types.UserTriple) bool {
		return ut.User == uid && ut.Triple == triple
	})
	return nil
}

func (f *fakeSubs) ForUser(uid types.Uid) ([]types.Triple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	triples := []types.Triple{}
	for _, ut := range f.subs {
		if ut.User == uid {
			triples = append(triples, ut.Triple)
		}
	}
	return triples, nil
}

func (f *fakeSubs) GetAll() ([]types.UserTriple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.subs), nil
}

// fakeMessages keeps messages in memory. Save fails while failSave is positive.
// When release is set, Save signals saving and waits for release.
type fakeMessages struct {
	mu       sync.Mutex
	msgs     []types.Message
	visible  map[int64][]types.Uid
	lastId   int64
	failSave int

	saving  chan struct{}
	release chan struct{}
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{visible: make(map[int64][]types.Uid)}
}

func (f *fakeMessages) Save(msg *types.Message, users []types.Uid) error {
	if f.release != nil {
		select {
		case f.saving <- struct{}{}:
		default:
		}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave > 0 {
		f.failSave--
		return errors.New("disk full")
	}
	f.lastId++
	msg.Id = f.lastId
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = types.TimeNow()
	}
	f.msgs = append(f.msgs, *msg)
	f.visible[msg.Id] = slices.Clone(users)
	return nil
}

func (f *fakeMessages) GetAll(uid types.Uid, opts *types.QueryOpt) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []types.Message{}
	for _, m := range f.msgs {
		if !slices.Contains(f.visible[m.Id], uid) {
			continue
		}
		if opts.Offset != nil {
			off := *opts.Offset
			if opts.Reverse && (m.Id > off || (m.Id == off && !opts.Inclusive)) {
				continue
			}
			if !opts.Reverse && (m.Id < off || (m.Id == off && !opts.Inclusive)) {
				continue
			}
		}
		result = append(result, m)
	}
	if opts.Reverse {
		slices.Reverse(result)
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// testConn records delivered payloads.
type testConn struct {
	ch   chan []byte
	fail bool
}

func newTestConn() *testConn {
	return &testConn{ch: make(chan []byte, 16)}
}

func (c *testConn) Send(payload []byte) error {
	if c.fail {
		return errors.New("connection closed")
	}
	select {
	case c.ch <- payload:
		return nil
	default:
		return errors.New("queue full")
	}
}

func (c *testConn) expect(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for delivery")
	}
	return nil
}

func (c *testConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case p := <-c.ch:
		t.Errorf("Unexpected delivery %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}
