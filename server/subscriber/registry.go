package subscriber

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roost-im/roost/server/concurrency"
	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/store"
	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/upstream"
)

// StartError lists the triples which could not be restored on Start.
type StartError struct {
	Errors []*types.UpstreamError
}

func (e *StartError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return "failed to restore subscriptions: " + strings.Join(parts, "; ")
}

// Unwrap returns the individual failures.
func (e *StartError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		errs[i] = err
	}
	return errs
}

// deliverFunc receives every persisted message together with the users
// subscribed to the triple at the time of arrival.
type deliverFunc func(msg *types.Message, users []types.Uid)

// tripleState is the live upstream subscription of one triple.
type tripleState struct {
	triple types.Triple
	// Serializes state transitions of the triple.
	lock concurrency.SimpleMutex

	// Fields below are guarded by lock.

	sub upstream.Subscription
	// Closed to stop the pump.
	stop chan struct{}
	// Closed by the pump on exit.
	pumpDone chan struct{}
	// Set when the state is dropped from the registry map.
	removed bool

	// Registered users. Replaced, never modified in place, so the pump can
	// read it without the lock.
	users atomic.Pointer[[]types.Uid]
}

func (ts *tripleState) snapshot() []types.Uid {
	if u := ts.users.Load(); u != nil {
		return *u
	}
	return nil
}

func (ts *tripleState) setUsers(users []types.Uid) {
	ts.users.Store(&users)
}

// Registry maintains one upstream subscription per triple shared by all the
// users subscribed to it.
type Registry struct {
	feed     upstream.Feed
	subs     store.SubsPersistenceInterface
	messages store.MessagesPersistenceInterface
	deliver  deliverFunc
	workers  int
	stats    *stats

	mu       sync.Mutex
	triples  map[types.Triple]*tripleState
	shutdown bool
	// Operations in progress.
	inflight sync.WaitGroup
}

func newRegistry(feed upstream.Feed, subs store.SubsPersistenceInterface,
	messages store.MessagesPersistenceInterface, deliver deliverFunc, workers int, st *stats) *Registry {
	if workers <= 0 {
		workers = 1
	}
	return &Registry{
		feed:     feed,
		subs:     subs,
		messages: messages,
		deliver:  deliver,
		workers:  workers,
		stats:    st,
		triples:  make(map[types.Triple]*tripleState),
	}
}

// begin registers an operation in progress. Fails once shutdown started.
func (r *Registry) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return types.ErrShuttingDown
	}
	r.inflight.Add(1)
	return nil
}

func (r *Registry) end() {
	r.inflight.Done()
}

// lockTriple finds or creates the state of the triple and locks it.
func (r *Registry) lockTriple(ctx context.Context, triple types.Triple) (*tripleState, error) {
	for {
		r.mu.Lock()
		ts := r.triples[triple]
		if ts == nil {
			ts = &tripleState{triple: triple, lock: concurrency.NewSimpleMutex()}
			r.triples[triple] = ts
		}
		r.mu.Unlock()

		if err := ts.lock.LockContext(ctx); err != nil {
			return nil, err
		}
		if !ts.removed {
			return ts, nil
		}
		// Dropped while we were waiting, try again with a fresh state.
		ts.lock.Unlock()
	}
}

// unlockTriple releases the triple. A triple without a live upstream
// subscription is dropped from the map.
func (r *Registry) unlockTriple(ts *tripleState) {
	if ts.sub == nil && !ts.removed {
		r.mu.Lock()
		if r.triples[ts.triple] == ts {
			delete(r.triples, ts.triple)
		}
		r.mu.Unlock()
		ts.removed = true
	}
	ts.lock.Unlock()
}

// AddUserSubscription subscribes the user to the triple. The first user opens
// the upstream subscription with creds. Subscribing an already subscribed user is a noop.
func (r *Registry) AddUserSubscription(ctx context.Context, uid types.Uid, triple types.Triple, creds json.RawMessage) error {
	if err := r.begin(); err != nil {
		return err
	}
	defer r.end()

	ts, err := r.lockTriple(ctx, triple)
	if err != nil {
		return err
	}
	defer r.unlockTriple(ts)

	users := ts.snapshot()
	if slices.Contains(users, uid) {
		return nil
	}

	opened := ts.sub == nil
	if opened {
		sub, err := r.feed.Open(ctx, triple, creds)
		if err != nil {
			r.stats.openFailed.Add(1)
			return &types.UpstreamError{Triple: triple, Err: err}
		}
		ts.sub = sub
	}

	if err := r.subs.Create(uid, triple); err != nil {
		if opened {
			if cerr := ts.sub.Close(ctx); cerr != nil {
				logs.Warn.Println("registry: failed to close upstream", triple, cerr)
			}
			ts.sub = nil
		}
		return &types.StorageError{Op: "subs create", Err: err}
	}

	ts.setUsers(append(slices.Clone(users), uid))
	if opened {
		r.startPump(ts)
	}
	return nil
}

// RemoveUserSubscription unsubscribes the user from the triple. The last user
// closes the upstream subscription.
func (r *Registry) RemoveUserSubscription(ctx context.Context, uid types.Uid, triple types.Triple) error {
	if err := r.begin(); err != nil {
		return err
	}
	defer r.end()

	ts, err := r.lockTriple(ctx, triple)
	if err != nil {
		return err
	}
	defer r.unlockTriple(ts)

	users := ts.snapshot()
	idx := slices.Index(users, uid)
	if idx < 0 {
		return r.removeOrphan(uid, triple)
	}

	if err := r.subs.Delete(uid, triple); err != nil {
		return &types.StorageError{Op: "subs delete", Err: err}
	}

	users = slices.Delete(slices.Clone(users), idx, idx+1)
	ts.setUsers(users)
	if len(users) == 0 {
		r.closeUpstream(ctx, ts)
	}
	return nil
}

// removeOrphan deletes a persisted subscription of a user who is not
// registered, e.g. because the triple failed to open on Start.
// Must be called with the triple locked.
func (r *Registry) removeOrphan(uid types.Uid, triple types.Triple) error {
	persisted, err := r.subs.ForUser(uid)
	if err != nil {
		return &types.StorageError{Op: "subs for user", Err: err}
	}
	if !slices.Contains(persisted, triple) {
		return types.ErrNotSubscribed
	}
	if err := r.subs.Delete(uid, triple); err != nil {
		return &types.StorageError{Op: "subs delete", Err: err}
	}
	logs.Info.Println("registry: removed subscription which was not live", uid, triple)
	return nil
}

// Users returns the users currently subscribed to the triple.
func (r *Registry) Users(triple types.Triple) []types.Uid {
	r.mu.Lock()
	ts := r.triples[triple]
	r.mu.Unlock()
	if ts == nil {
		return nil
	}
	return slices.Clone(ts.snapshot())
}

// Count returns the number of triples with live upstream subscriptions.
func (r *Registry) Count() int {
	return int(r.stats.upstreamLive.Load())
}

// Start restores subscriptions from storage. All triples are attempted, the
// ones which failed to open are reported in *StartError.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	defer r.end()

	all, err := r.subs.GetAll()
	if err != nil {
		return &types.StorageError{Op: "subs get all", Err: err}
	}

	var order []types.Triple
	byTriple := make(map[types.Triple][]types.Uid)
	for _, ut := range all {
		users, ok := byTriple[ut.Triple]
		if !ok {
			order = append(order, ut.Triple)
		}
		if !slices.Contains(users, ut.User) {
			byTriple[ut.Triple] = append(users, ut.User)
		}
	}

	var failedLock sync.Mutex
	var failed []*types.UpstreamError

	pool := concurrency.NewGoRoutinePool(r.workers)
	for _, triple := range order {
		pool.Schedule(func() {
			if err := r.restore(ctx, triple, byTriple[triple]); err != nil {
				logs.Warn.Println("registry: failed to restore", triple, err)
				failedLock.Lock()
				failed = append(failed, &types.UpstreamError{Triple: triple, Err: err})
				failedLock.Unlock()
			}
		})
	}
	<-pool.Done()
	pool.Stop()

	logs.Info.Printf("registry: restored %d of %d triples", len(order)-len(failed), len(order))
	if len(failed) > 0 {
		return &StartError{Errors: failed}
	}
	return nil
}

func (r *Registry) restore(ctx context.Context, triple types.Triple, users []types.Uid) error {
	ts, err := r.lockTriple(ctx, triple)
	if err != nil {
		return err
	}
	defer r.unlockTriple(ts)

	current := ts.snapshot()
	if ts.sub == nil {
		sub, err := r.feed.Open(ctx, triple, nil)
		if err != nil {
			r.stats.openFailed.Add(1)
			return err
		}
		ts.sub = sub
		ts.setUsers(users)
		r.startPump(ts)
		return nil
	}

	// Someone subscribed concurrently with Start.
	merged := slices.Clone(current)
	for _, uid := range users {
		if !slices.Contains(merged, uid) {
			merged = append(merged, uid)
		}
	}
	ts.setUsers(merged)
	return nil
}

// Shutdown stops accepting new operations, waits for the ones in progress
// then closes every upstream subscription. Subscriptions stay in storage.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	live := make([]*tripleState, 0, len(r.triples))
	for _, ts := range r.triples {
		live = append(live, ts)
	}
	r.mu.Unlock()

	var unfinished atomic.Bool
	pool := concurrency.NewGoRoutinePool(r.workers)
	for _, ts := range live {
		pool.Schedule(func() {
			if err := ts.lock.LockContext(ctx); err != nil {
				unfinished.Store(true)
				return
			}
			defer r.unlockTriple(ts)
			if ts.sub != nil && !r.closeUpstream(ctx, ts) {
				unfinished.Store(true)
			}
		})
	}
	defer pool.Stop()

	select {
	case <-pool.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if unfinished.Load() {
		// Some pumps may still deliver.
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.DeadlineExceeded
	}
	logs.Info.Printf("registry: closed %d upstream subscriptions", len(live))
	return nil
}

// startPump must be called with the triple locked and ts.sub set.
func (r *Registry) startPump(ts *tripleState) {
	ts.stop = make(chan struct{})
	ts.pumpDone = make(chan struct{})
	r.stats.upstreamLive.Add(1)
	go r.pump(ts, ts.sub, ts.stop, ts.pumpDone)
}

// closeUpstream stops the pump and closes the upstream subscription. A close
// failure is logged, the triple is considered unsubscribed anyway.
// Returns false if the pump did not exit before ctx was done.
// Must be called with the triple locked.
func (r *Registry) closeUpstream(ctx context.Context, ts *tripleState) bool {
	close(ts.stop)
	if err := ts.sub.Close(ctx); err != nil {
		logs.Warn.Println("registry: failed to close upstream", ts.triple, err)
	}
	exited := true
	select {
	case <-ts.pumpDone:
	case <-ctx.Done():
		logs.Warn.Println("registry: pump did not exit in time", ts.triple)
		exited = false
	}
	ts.sub = nil
	ts.stop = nil
	ts.pumpDone = nil
	r.stats.upstreamLive.Add(-1)
	return exited
}

// pump persists and delivers the messages of one upstream subscription in order of arrival.
func (r *Registry) pump(ts *tripleState, sub upstream.Subscription, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	notices := sub.Notices()
	for {
		var notice upstream.Notice
		var ok bool
		select {
		case notice, ok = <-notices:
		case <-stop:
			return
		}
		if !ok {
			select {
			case <-stop:
			default:
				logs.Warn.Println("registry: upstream went away", ts.triple)
			}
			return
		}

		r.stats.received.Add(1)
		users := ts.snapshot()
		if len(users) == 0 {
			continue
		}

		msg := &types.Message{Triple: notice.Triple, Body: notice.Body}
		if !notice.Time.IsZero() {
			msg.CreatedAt = notice.Time.UTC().Round(time.Millisecond)
		}
		if err := r.messages.Save(msg, users); err != nil {
			r.stats.dropped.Add(1)
			logs.Err.Println("registry: failed to save message", ts.triple, err)
			continue
		}
		r.deliver(msg, users)
	}
}
