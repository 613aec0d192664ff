package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/roost-im/roost/server/msgid"
	"github.com/roost-im/roost/server/store"
	"github.com/roost-im/roost/server/store/mock_store"
	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/upstream"
	"github.com/roost-im/roost/server/upstream/memory"
	"github.com/roost-im/roost/server/upstream/mock_upstream"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = types.Uid(1)
	bob   = types.Uid(2)
	carol = types.Uid(3)

	lunch    = types.NewTriple("help", str("lunch"), "*")
	personal = types.NewTriple("MESSAGE", nil, "U")
)

func newCodec(t *testing.T) *msgid.Codec {
	t.Helper()
	codec, err := msgid.New(bytes.Repeat([]byte("s"), msgid.MinSecretLength))
	if err != nil {
		t.Fatal(err)
	}
	return codec
}

// newTestSubscriber creates a subscriber which is shut down when the test ends.
func newTestSubscriber(t *testing.T, feed upstream.Feed, subs store.SubsPersistenceInterface,
	messages store.MessagesPersistenceInterface) *Subscriber {
	t.Helper()
	s, err := New(Config{Feed: feed, Subs: subs, Messages: messages, Codec: newCodec(t), Workers: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Error("Shutdown:", err)
		}
	})
	return s
}

// mockSub returns a subscription whose notice channel is closed by Close.
func mockSub(ctrl *gomock.Controller, closeErr error) (*mock_upstream.MockSubscription, chan upstream.Notice) {
	ch := make(chan upstream.Notice)
	sub := mock_upstream.NewMockSubscription(ctrl)
	sub.EXPECT().Notices().Return((<-chan upstream.Notice)(ch)).AnyTimes()
	sub.EXPECT().Close(gomock.Any()).DoAndReturn(func(context.Context) error {
		close(ch)
		return closeErr
	}).Times(1)
	return sub, ch
}

func decodeFrame(t *testing.T, payload []byte) *Message {
	t.Helper()
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "message" || frame.Message == nil {
		t.Fatalf("Unexpected frame %s", payload)
	}
	return frame.Message
}

func TestNewIncompleteConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error on empty config")
	}
}

func TestSharedUpstream(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	sub, _ := mockSub(ctrl, nil)
	feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).Return(sub, nil).Times(1)

	s := newTestSubscriber(t, feed, &fakeSubs{}, newFakeMessages())
	ctx := context.Background()

	for _, uid := range []types.Uid{alice, bob, carol} {
		if err := s.Subscribe(ctx, uid, lunch, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.registry.Users(lunch); len(got) != 3 {
		t.Errorf("Expected 3 users, got %v", got)
	}
	if s.registry.Count() != 1 {
		t.Errorf("Expected one upstream subscription, got %d", s.registry.Count())
	}

	for _, uid := range []types.Uid{carol, alice, bob} {
		if err := s.Unsubscribe(ctx, uid, lunch); err != nil {
			t.Fatal(err)
		}
	}
	if s.registry.Count() != 0 {
		t.Errorf("Expected no upstream subscriptions, got %d", s.registry.Count())
	}
	if err := s.Unsubscribe(ctx, alice, lunch); err != types.ErrNotSubscribed {
		t.Errorf("Expected ErrNotSubscribed, got %v", err)
	}
}

func TestResubscribeIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	sub, _ := mockSub(ctrl, nil)
	subs := mock_store.NewMockSubsPersistenceInterface(ctrl)

	feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).Return(sub, nil).Times(1)
	subs.EXPECT().Create(alice, lunch).Return(nil).Times(1)
	subs.EXPECT().Delete(alice, lunch).Return(nil).Times(1)

	s := newTestSubscriber(t, feed, subs, newFakeMessages())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Subscribe(ctx, alice, lunch, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.registry.Users(lunch); !cmp.Equal(got, []types.Uid{alice}) {
		t.Errorf("Expected exactly one registration, got %v", got)
	}
	// A single unsubscribe releases the upstream.
	if err := s.Unsubscribe(ctx, alice, lunch); err != nil {
		t.Fatal(err)
	}
	if s.registry.Count() != 0 {
		t.Error("Upstream must be closed after the only user left")
	}
}

func TestInvalidTriple(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestSubscriber(t, mock_upstream.NewMockFeed(ctrl), &fakeSubs{}, newFakeMessages())

	bad := []types.Triple{
		{Class: "", Instance: "x", Recipient: "*"},
		{Class: "help", Instance: "x", Recipient: ""},
		{Class: "help", Instance: "x", Recipient: "*", AllInstances: true},
	}
	for _, tr := range bad {
		if err := s.Subscribe(context.Background(), alice, tr, nil); err != types.ErrInvalidSubscription {
			t.Errorf("%s: expected ErrInvalidSubscription, got %v", tr, err)
		}
		if err := s.Unsubscribe(context.Background(), alice, tr); err != types.ErrInvalidSubscription {
			t.Errorf("%s: expected ErrInvalidSubscription, got %v", tr, err)
		}
	}
}

func TestOpenFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	subs := mock_store.NewMockSubsPersistenceInterface(ctrl)
	boom := errors.New("zephyr is down")
	feed.EXPECT().Open(gomock.Any(), lunch, json.RawMessage(`"tickets"`)).Return(nil, boom)

	s := newTestSubscriber(t, feed, subs, newFakeMessages())
	err := s.Subscribe(context.Background(), alice, lunch, json.RawMessage(`"tickets"`))

	var uerr *types.UpstreamError
	if !errors.As(err, &uerr) || !errors.Is(err, boom) || uerr.Triple != lunch {
		t.Errorf("Expected UpstreamError wrapping the cause, got %v", err)
	}
	if _, ok := types.IsUserError(err); ok {
		t.Error("Upstream failure must not be a user error")
	}
	if got := s.registry.Users(lunch); len(got) != 0 {
		t.Errorf("Expected no users, got %v", got)
	}
}

func TestStorageFailureClosesUpstream(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	sub, _ := mockSub(ctrl, nil)
	subs := mock_store.NewMockSubsPersistenceInterface(ctrl)
	boom := errors.New("db is down")

	feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).Return(sub, nil)
	subs.EXPECT().Create(alice, lunch).Return(boom)

	s := newTestSubscriber(t, feed, subs, newFakeMessages())
	err := s.Subscribe(context.Background(), alice, lunch, nil)

	var serr *types.StorageError
	if !errors.As(err, &serr) || !errors.Is(err, boom) {
		t.Errorf("Expected StorageError, got %v", err)
	}
	if s.registry.Count() != 0 {
		t.Error("Upstream opened by the failed call must be closed")
	}
}

func TestBestEffortClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	first, _ := mockSub(ctrl, errors.New("already gone"))
	second, _ := mockSub(ctrl, nil)
	gomock.InOrder(
		feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).Return(first, nil),
		feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).Return(second, nil),
	)

	s := newTestSubscriber(t, feed, &fakeSubs{}, newFakeMessages())
	ctx := context.Background()

	if err := s.Subscribe(ctx, alice, lunch, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Unsubscribe(ctx, alice, lunch); err != nil {
		t.Errorf("Close failure must not fail unsubscribe, got %v", err)
	}
	if s.registry.Count() != 0 {
		t.Error("Triple must be absent after the failed close")
	}
	// The next subscriber opens a fresh upstream subscription.
	if err := s.Subscribe(ctx, bob, lunch, nil); err != nil {
		t.Fatal(err)
	}
	if s.registry.Count() != 1 {
		t.Error("Expected a fresh upstream subscription")
	}
}

func TestUnsubscribeStorageFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	sub, _ := mockSub(ctrl, nil)
	subs := mock_store.NewMockSubsPersistenceInterface(ctrl)
	feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).Return(sub, nil)
	subs.EXPECT().Create(alice, lunch).Return(nil)
	subs.EXPECT().Delete(alice, lunch).Return(errors.New("db is down"))

	s := newTestSubscriber(t, feed, subs, newFakeMessages())
	ctx := context.Background()
	if err := s.Subscribe(ctx, alice, lunch, nil); err != nil {
		t.Fatal(err)
	}
	var serr *types.StorageError
	if err := s.Unsubscribe(ctx, alice, lunch); !errors.As(err, &serr) {
		t.Errorf("Expected StorageError, got %v", err)
	}
	if got := s.registry.Users(lunch); !cmp.Equal(got, []types.Uid{alice}) {
		t.Errorf("State must not change on storage failure, got %v", got)
	}
}

func TestFanOut(t *testing.T) {
	feed := memory.New()
	s := newTestSubscriber(t, feed, &fakeSubs{}, newFakeMessages())
	ctx := context.Background()

	if err := s.Subscribe(ctx, alice, types.NewTriple("help", nil, "*"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(ctx, bob, lunch, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(ctx, carol, types.NewTriple("help", str("dinner"), "*"), nil); err != nil {
		t.Fatal(err)
	}

	alice1, alice2, bob1, carol1 := newTestConn(), newTestConn(), newTestConn(), newTestConn()
	s.Connect(alice, alice1)
	s.Connect(alice, alice2)
	s.Connect(bob, bob1)
	s.Connect(carol, carol1)

	if n := feed.Publish(lunch, "anyone?"); n != 2 {
		t.Fatalf("Expected 2 upstream receivers, got %d", n)
	}

	var ids []string
	for _, c := range []*testConn{alice1, alice2, bob1} {
		msg := decodeFrame(t, c.expect(t))
		if msg.Body != "anyone?" || msg.Instance != "lunch" || msg.Class != "help" {
			t.Errorf("Unexpected message %+v", msg)
		}
		ids = append(ids, msg.Id)
	}
	carol1.expectNothing(t)

	// One message per upstream subscription, each persisted once.
	if ids[0] != ids[1] {
		t.Error("Connections of the same user must get the same message")
	}
	if ids[0] == ids[2] {
		t.Error("Different upstream subscriptions produce different messages")
	}
}

func TestMessageHistory(t *testing.T) {
	feed := memory.New()
	s := newTestSubscriber(t, feed, &fakeSubs{}, newFakeMessages())
	ctx := context.Background()

	if err := s.Subscribe(ctx, alice, personal, nil); err != nil {
		t.Fatal(err)
	}
	conn := newTestConn()
	s.Connect(alice, conn)

	feed.Publish(types.NewTriple("MESSAGE", str("personal"), "U"), "hi")
	pushed := decodeFrame(t, conn.expect(t))

	history, err := s.Messages(alice, MessageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected one message, got %d", len(history))
	}
	if diff := cmp.Diff(*pushed, history[0]); diff != "" {
		t.Errorf("History differs from the pushed message (-pushed +history):\n%s", diff)
	}

	// The sealed id works as a cursor.
	page, err := s.Messages(alice, MessageQuery{Offset: pushed.Id, Inclusive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Id != pushed.Id {
		t.Errorf("Expected the message at the cursor, got %+v", page)
	}
	page, err = s.Messages(alice, MessageQuery{Offset: pushed.Id})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 {
		t.Errorf("Expected nothing after the cursor, got %+v", page)
	}

	// Bob was not subscribed.
	if page, _ := s.Messages(bob, MessageQuery{}); len(page) != 0 {
		t.Errorf("Bob must not see the message, got %+v", page)
	}
}

func TestMessagesInvalidCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgs := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	s := newTestSubscriber(t, mock_upstream.NewMockFeed(ctrl), &fakeSubs{}, msgs)

	other, _ := msgid.New(bytes.Repeat([]byte("x"), msgid.MinSecretLength))
	for _, cursor := range []string{"garbage", "1", other.Seal(1)} {
		if _, err := s.Messages(alice, MessageQuery{Offset: cursor}); err != types.ErrInvalidCursor {
			t.Errorf("%q: expected ErrInvalidCursor, got %v", cursor, err)
		}
	}
}

func TestMessagesQueryOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgs := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	s := newTestSubscriber(t, mock_upstream.NewMockFeed(ctrl), &fakeSubs{}, msgs)

	offset := int64(42)
	created := time.Date(2013, 10, 1, 12, 0, 0, 0, time.UTC)
	msgs.EXPECT().GetAll(alice, &types.QueryOpt{Offset: &offset, Inclusive: true, Reverse: true, Limit: 5}).
		Return([]types.Message{{Id: 41, Triple: lunch, Body: "b", CreatedAt: created}}, nil)

	got, err := s.Messages(alice, MessageQuery{Offset: s.codec.Seal(offset), Inclusive: true, Reverse: true, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	want := []Message{{Id: s.codec.Seal(41), Class: "help", Instance: "lunch", Recipient: "*", Body: "b", Time: created}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}

	msgs.EXPECT().GetAll(bob, gomock.Any()).Return(nil, errors.New("db is down"))
	var serr *types.StorageError
	if _, err := s.Messages(bob, MessageQuery{}); !errors.As(err, &serr) {
		t.Errorf("Expected StorageError, got %v", err)
	}
}

func TestSharedTripleLeave(t *testing.T) {
	feed := memory.New()
	s := newTestSubscriber(t, feed, &fakeSubs{}, newFakeMessages())
	ctx := context.Background()

	for _, uid := range []types.Uid{alice, bob} {
		if err := s.Subscribe(ctx, uid, lunch, nil); err != nil {
			t.Fatal(err)
		}
	}
	a, b := newTestConn(), newTestConn()
	s.Connect(alice, a)
	s.Connect(bob, b)

	if err := s.Unsubscribe(ctx, alice, lunch); err != nil {
		t.Fatal(err)
	}
	if feed.Count() != 1 {
		t.Errorf("Upstream must stay open while Bob is subscribed, got %d", feed.Count())
	}

	feed.Publish(lunch, "still here")
	if msg := decodeFrame(t, b.expect(t)); msg.Body != "still here" {
		t.Errorf("Unexpected message %+v", msg)
	}
	a.expectNothing(t)

	if err := s.Unsubscribe(ctx, bob, lunch); err != nil {
		t.Fatal(err)
	}
	if feed.Count() != 0 {
		t.Errorf("Upstream must be closed, got %d", feed.Count())
	}
}

func TestSubscriptions(t *testing.T) {
	s := newTestSubscriber(t, memory.New(), &fakeSubs{}, newFakeMessages())
	ctx := context.Background()
	for _, tr := range []types.Triple{lunch, personal} {
		if err := s.Subscribe(ctx, alice, tr, nil); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Subscriptions(alice)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]types.Triple{lunch, personal}, got); diff != "" {
		t.Errorf("Subscriptions mismatch (-want +got):\n%s", diff)
	}
	if got, _ := s.Subscriptions(bob); len(got) != 0 {
		t.Errorf("Expected no subscriptions for Bob, got %v", got)
	}
}

func TestStorageFailureDropsMessage(t *testing.T) {
	feed := memory.New()
	msgs := newFakeMessages()
	msgs.failSave = 1
	s := newTestSubscriber(t, feed, &fakeSubs{}, msgs)

	if err := s.Subscribe(context.Background(), alice, lunch, nil); err != nil {
		t.Fatal(err)
	}
	conn := newTestConn()
	s.Connect(alice, conn)

	feed.Publish(lunch, "lost")
	feed.Publish(lunch, "kept")
	if msg := decodeFrame(t, conn.expect(t)); msg.Body != "kept" {
		t.Errorf("Expected the second message, got %+v", msg)
	}
	if s.stats.dropped.Load() != 1 {
		t.Errorf("Expected one dropped message, got %d", s.stats.dropped.Load())
	}
}

func TestStartRestores(t *testing.T) {
	feed := memory.New()
	subs := &fakeSubs{}
	subs.Create(alice, lunch)
	subs.Create(bob, lunch)
	subs.Create(bob, personal)

	s := newTestSubscriber(t, feed, subs, newFakeMessages())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if feed.Count() != 2 {
		t.Errorf("Expected 2 upstream subscriptions, got %d", feed.Count())
	}
	if got := s.registry.Users(lunch); !cmp.Equal(got, []types.Uid{alice, bob}) {
		t.Errorf("Unexpected users %v", got)
	}

	conn := newTestConn()
	s.Connect(bob, conn)
	feed.Publish(types.NewTriple("MESSAGE", str("personal"), "U"), "welcome back")
	if msg := decodeFrame(t, conn.expect(t)); msg.Body != "welcome back" {
		t.Errorf("Unexpected message %+v", msg)
	}
}

func TestStartPartialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	subs := mock_store.NewMockSubsPersistenceInterface(ctrl)
	dinner := types.NewTriple("help", str("dinner"), "*")
	boom := errors.New("zephyr is down")

	subs.EXPECT().GetAll().Return([]types.UserTriple{
		{User: alice, Triple: lunch},
		{User: bob, Triple: dinner},
		{User: carol, Triple: personal},
		{User: alice, Triple: personal},
	}, nil)
	sub1, _ := mockSub(ctrl, nil)
	sub2, _ := mockSub(ctrl, nil)
	feed.EXPECT().Open(gomock.Any(), lunch, json.RawMessage(nil)).Return(sub1, nil)
	feed.EXPECT().Open(gomock.Any(), dinner, json.RawMessage(nil)).Return(nil, boom)
	feed.EXPECT().Open(gomock.Any(), personal, json.RawMessage(nil)).Return(sub2, nil)

	s := newTestSubscriber(t, feed, subs, newFakeMessages())
	err := s.Start(context.Background())

	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected StartError, got %v", err)
	}
	if len(serr.Errors) != 1 || serr.Errors[0].Triple != dinner {
		t.Errorf("Expected a single failure for %s, got %v", dinner, serr.Errors)
	}
	if !errors.Is(err, boom) {
		t.Error("StartError must wrap the cause")
	}
	if s.registry.Count() != 2 {
		t.Errorf("Expected 2 restored triples, got %d", s.registry.Count())
	}
	if got := s.registry.Users(personal); len(got) != 2 {
		t.Errorf("Expected 2 users on %s, got %v", personal, got)
	}
}

func TestStartStorageFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	subs := mock_store.NewMockSubsPersistenceInterface(ctrl)
	subs.EXPECT().GetAll().Return(nil, errors.New("db is down"))

	s := newTestSubscriber(t, mock_upstream.NewMockFeed(ctrl), subs, newFakeMessages())
	var serr *types.StorageError
	if err := s.Start(context.Background()); !errors.As(err, &serr) {
		t.Errorf("Expected StorageError, got %v", err)
	}
}

func TestShutdown(t *testing.T) {
	feed := memory.New()
	subs := &fakeSubs{}
	s, err := New(Config{Feed: feed, Subs: subs, Messages: newFakeMessages(), Codec: newCodec(t)})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, tr := range []types.Triple{lunch, personal} {
		if err := s.Subscribe(ctx, alice, tr, nil); err != nil {
			t.Fatal(err)
		}
	}
	conn := newTestConn()
	s.Connect(alice, conn)

	sctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		t.Fatal(err)
	}
	if feed.Count() != 0 {
		t.Errorf("Expected all upstream subscriptions closed, got %d", feed.Count())
	}
	if s.registry.Count() != 0 {
		t.Errorf("Expected no live triples, got %d", s.registry.Count())
	}

	if err := s.Subscribe(ctx, bob, lunch, nil); err != types.ErrShuttingDown {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
	if err := s.Unsubscribe(ctx, alice, lunch); err != types.ErrShuttingDown {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
	if err := s.Start(ctx); err != types.ErrShuttingDown {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}

	// Subscriptions survive for the next start.
	if got, _ := subs.ForUser(alice); len(got) != 2 {
		t.Errorf("Expected persisted subscriptions to remain, got %v", got)
	}
	// Connections are left open.
	if s.hub.Count() != 1 {
		t.Errorf("Expected connection to remain registered, got %d", s.hub.Count())
	}
	// Repeated shutdown is harmless.
	if err := s.Shutdown(sctx); err != nil {
		t.Error(err)
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	sub, _ := mockSub(ctrl, nil)
	opening := make(chan struct{})
	release := make(chan struct{})
	feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).DoAndReturn(
		func(context.Context, types.Triple, json.RawMessage) (upstream.Subscription, error) {
			close(opening)
			<-release
			return sub, nil
		})

	s, err := New(Config{Feed: feed, Subs: &fakeSubs{}, Messages: newFakeMessages(), Codec: newCodec(t)})
	if err != nil {
		t.Fatal(err)
	}
	subscribed := make(chan error, 1)
	go func() {
		subscribed <- s.Subscribe(context.Background(), alice, lunch, nil)
	}()
	<-opening

	shut := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		shut <- s.Shutdown(ctx)
	}()

	select {
	case err := <-shut:
		t.Fatalf("Shutdown returned before the subscribe completed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-subscribed; err != nil {
		t.Errorf("In-flight subscribe must complete, got %v", err)
	}
	if err := <-shut; err != nil {
		t.Error(err)
	}
	if s.registry.Count() != 0 {
		t.Error("Upstream opened by the in-flight subscribe must be closed")
	}
}

func TestShutdownDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	opening := make(chan struct{})
	release := make(chan struct{})
	feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).DoAndReturn(
		func(context.Context, types.Triple, json.RawMessage) (upstream.Subscription, error) {
			close(opening)
			<-release
			return nil, errors.New("too late")
		})

	s, err := New(Config{Feed: feed, Subs: &fakeSubs{}, Messages: newFakeMessages(), Codec: newCodec(t)})
	if err != nil {
		t.Fatal(err)
	}
	subscribed := make(chan error, 1)
	go func() {
		subscribed <- s.Subscribe(context.Background(), alice, lunch, nil)
	}()
	<-opening

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	close(release)
	<-subscribed
}

func TestShutdownReportsStuckPump(t *testing.T) {
	feed := memory.New()
	messages := newFakeMessages()
	messages.saving = make(chan struct{}, 1)
	messages.release = make(chan struct{})

	s, err := New(Config{Feed: feed, Subs: &fakeSubs{}, Messages: messages, Codec: newCodec(t)})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(context.Background(), alice, lunch, nil); err != nil {
		t.Fatal(err)
	}
	conn := newTestConn()
	s.Connect(alice, conn)

	feed.Publish(lunch, "slow")
	select {
	case <-messages.saving:
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for the pump")
	}

	// The pump is stuck in storage, shutdown must not report success.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	close(messages.release)
	// The message in flight is still delivered, then the pump exits.
	conn.expect(t)
}

func TestDeliveryOrder(t *testing.T) {
	feed := memory.New()
	s := newTestSubscriber(t, feed, &fakeSubs{}, newFakeMessages())
	if err := s.Subscribe(context.Background(), alice, types.NewTriple("help", nil, "*"), nil); err != nil {
		t.Fatal(err)
	}
	conn := newTestConn()
	s.Connect(alice, conn)

	var want []string
	for i := 0; i < 10; i++ {
		body := "msg" + strconv.Itoa(i)
		want = append(want, body)
		feed.Publish(types.NewTriple("help", str("inst"+strconv.Itoa(i%3)), "*"), body)
	}

	var got, ids []string
	for range want {
		msg := decodeFrame(t, conn.expect(t))
		got = append(got, msg.Body)
		ids = append(ids, msg.Id)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Delivery order mismatch (-want +got):\n%s", diff)
	}

	// History agrees with the delivery order.
	history, err := s.Messages(alice, MessageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	for i, msg := range history {
		if msg.Id != ids[i] {
			t.Errorf("History[%d]: expected id %s, got %s", i, ids[i], msg.Id)
		}
	}
}

func TestTriplesDoNotBlockEachOther(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	opening := make(chan struct{})
	release := make(chan struct{})
	lunchSub, _ := mockSub(ctrl, nil)
	personalSub, _ := mockSub(ctrl, nil)
	feed.EXPECT().Open(gomock.Any(), lunch, gomock.Any()).DoAndReturn(
		func(context.Context, types.Triple, json.RawMessage) (upstream.Subscription, error) {
			close(opening)
			<-release
			return lunchSub, nil
		}).Times(1)
	feed.EXPECT().Open(gomock.Any(), personal, gomock.Any()).Return(personalSub, nil).Times(1)

	s := newTestSubscriber(t, feed, &fakeSubs{}, newFakeMessages())

	subscribed := make(chan error, 1)
	go func() {
		subscribed <- s.Subscribe(context.Background(), alice, lunch, nil)
	}()
	<-opening

	// A different triple proceeds while lunch is opening.
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Subscribe(ctx, bob, personal, nil); err != nil {
		t.Fatalf("Subscribe to another triple: %v", err)
	}

	// The same triple waits for the open in progress.
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if err := s.Subscribe(short, bob, lunch, nil); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded on the busy triple, got %v", err)
	}

	close(release)
	if err := <-subscribed; err != nil {
		t.Fatal(err)
	}
	if got := s.registry.Users(lunch); !cmp.Equal(got, []types.Uid{alice}) {
		t.Errorf("Expected only alice on %s, got %v", lunch, got)
	}
	if err := s.Subscribe(context.Background(), bob, lunch, nil); err != nil {
		t.Fatal(err)
	}
}

func TestUnsubscribeNotRestored(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mock_upstream.NewMockFeed(ctrl)
	subs := &fakeSubs{}
	subs.Create(alice, lunch)
	feed.EXPECT().Open(gomock.Any(), lunch, json.RawMessage(nil)).Return(nil, errors.New("zephyr is down"))

	s := newTestSubscriber(t, feed, subs, newFakeMessages())
	var serr *StartError
	if err := s.Start(context.Background()); !errors.As(err, &serr) {
		t.Fatalf("Expected StartError, got %v", err)
	}

	// Listed, so it must be possible to unsubscribe.
	if got, _ := s.Subscriptions(alice); !cmp.Equal(got, []types.Triple{lunch}) {
		t.Errorf("Expected %s listed, got %v", lunch, got)
	}
	if err := s.Unsubscribe(context.Background(), alice, lunch); err != nil {
		t.Fatalf("Expected the persisted subscription removed, got %v", err)
	}
	if got, _ := s.Subscriptions(alice); len(got) != 0 {
		t.Errorf("Expected no subscriptions, got %v", got)
	}
	if err := s.Unsubscribe(context.Background(), alice, lunch); err != types.ErrNotSubscribed {
		t.Errorf("Expected ErrNotSubscribed, got %v", err)
	}
}
