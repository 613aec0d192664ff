// Package testsuite contains adapter-independent tests which every database
// adapter must pass. Adapter packages call Run with an open adapter backed by
// a freshly created database.
package testsuite

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/roost-im/roost/server/store/adapter"
	"github.com/roost-im/roost/server/store/types"
)

var (
	alice = types.Uid(12345)
	bob   = types.Uid(54321)
	carol = types.Uid(777)
)

func str(s string) *string { return &s }

var (
	personal = types.NewTriple("MESSAGE", nil, "alice@ATHENA.MIT.EDU")
	help     = types.NewTriple("help", nil, "*")
	lunch    = types.NewTriple("help", str("lunch"), "*")
	blank    = types.NewTriple("help", str(""), "*")
)

// Run executes the suite. The adapter must be open and the database must be empty.
func Run(t *testing.T, adp adapter.Adapter) {
	t.Run("SubsCreate", func(t *testing.T) { testSubsCreate(t, adp) })
	t.Run("SubsForUser", func(t *testing.T) { testSubsForUser(t, adp) })
	t.Run("SubsGetAll", func(t *testing.T) { testSubsGetAll(t, adp) })
	t.Run("SubsDelete", func(t *testing.T) { testSubsDelete(t, adp) })
	t.Run("MessageSave", func(t *testing.T) { testMessageSave(t, adp) })
	t.Run("MessageGetAll", func(t *testing.T) { testMessageGetAll(t, adp) })
}

func sortTriples(a, b types.Triple) bool {
	return a.String() < b.String()
}

func testSubsCreate(t *testing.T, adp adapter.Adapter) {
	subs := []*types.UserTriple{
		{User: alice, Triple: personal},
		{User: alice, Triple: help},
		{User: alice, Triple: lunch},
		{User: alice, Triple: blank},
		{User: bob, Triple: help},
	}
	for _, sub := range subs {
		if err := adp.SubsCreate(sub); err != nil {
			t.Fatal(err)
		}
	}
	// Repeated create is a noop.
	if err := adp.SubsCreate(subs[1]); err != nil {
		t.Error("Duplicate subscription must not fail:", err)
	}
}

func testSubsForUser(t *testing.T, adp adapter.Adapter) {
	got, err := adp.SubsForUser(alice)
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Triple{personal, help, lunch, blank}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(sortTriples)); diff != "" {
		t.Errorf("SubsForUser mismatch (-want +got):\n%s", diff)
	}

	got, err = adp.SubsForUser(carol)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Error("Expected no subscriptions for carol, got", got)
	}
}

func testSubsGetAll(t *testing.T, adp adapter.Adapter) {
	got, err := adp.SubsGetAll()
	if err != nil {
		t.Fatal(err)
	}
	want := []types.UserTriple{
		{User: alice, Triple: personal},
		{User: alice, Triple: help},
		{User: alice, Triple: lunch},
		{User: alice, Triple: blank},
		{User: bob, Triple: help},
	}
	less := func(a, b types.UserTriple) bool {
		if a.User != b.User {
			return a.User < b.User
		}
		return sortTriples(a.Triple, b.Triple)
	}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("SubsGetAll mismatch (-want +got):\n%s", diff)
	}
}

func testSubsDelete(t *testing.T, adp adapter.Adapter) {
	if err := adp.SubsDelete(&types.UserTriple{User: alice, Triple: blank}); err != nil {
		t.Fatal(err)
	}
	// Deleting again is a noop.
	if err := adp.SubsDelete(&types.UserTriple{User: alice, Triple: blank}); err != nil {
		t.Error("Repeated delete must not fail:", err)
	}
	got, err := adp.SubsForUser(alice)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range got {
		if tr == blank {
			t.Error("Deleted subscription is still returned")
		}
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 subscriptions, got %d", len(got))
	}
}

// Ids of messages saved by testMessageSave, in order of saving.
var savedIds []int64

func testMessageSave(t *testing.T, adp adapter.Adapter) {
	when := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		msg := &types.Message{
			CreatedAt: when.Add(time.Duration(i) * time.Second),
			Triple:    lunch,
			Body:      "message " + string(rune('0'+i)),
		}
		users := []types.Uid{alice}
		if i%2 == 0 {
			users = append(users, bob)
		}
		if err := adp.MessageSave(msg, users); err != nil {
			t.Fatal(err)
		}
		if msg.Id <= 0 {
			t.Fatalf("Message id not assigned: %d", msg.Id)
		}
		if len(savedIds) > 0 && msg.Id <= savedIds[len(savedIds)-1] {
			t.Fatalf("Message ids must increase: %d after %d", msg.Id, savedIds[len(savedIds)-1])
		}
		savedIds = append(savedIds, msg.Id)
	}
}

func ids(msgs []types.Message) []int64 {
	out := make([]int64, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Id
	}
	return out
}

func testMessageGetAll(t *testing.T, adp adapter.Adapter) {
	if len(savedIds) != 10 {
		t.Fatal("MessageSave did not run")
	}

	all, err := adp.MessageGetAll(alice, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(savedIds, ids(all)); diff != "" {
		t.Errorf("Alice must see all messages (-want +got):\n%s", diff)
	}
	first := all[0]
	if first.Triple != lunch || first.Body != "message 0" {
		t.Errorf("Message content mismatch: %+v", first)
	}
	if !first.CreatedAt.Equal(time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp mismatch: %v", first.CreatedAt)
	}

	bobs, err := adp.MessageGetAll(bob, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{savedIds[0], savedIds[2], savedIds[4], savedIds[6], savedIds[8]}
	if diff := cmp.Diff(want, ids(bobs)); diff != "" {
		t.Errorf("Bob must see only his messages (-want +got):\n%s", diff)
	}

	none, err := adp.MessageGetAll(carol, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Error("Carol must see nothing, got", ids(none))
	}

	off := savedIds[4]
	cases := []struct {
		name string
		opts types.QueryOpt
		want []int64
	}{
		{"forward", types.QueryOpt{Offset: &off, Limit: 3}, savedIds[5:8]},
		{"forward inclusive", types.QueryOpt{Offset: &off, Inclusive: true, Limit: 3}, savedIds[4:7]},
		{"reverse", types.QueryOpt{Offset: &off, Reverse: true}, reversed(savedIds[:4])},
		{"reverse inclusive", types.QueryOpt{Offset: &off, Reverse: true, Inclusive: true, Limit: 2}, reversed(savedIds[3:5])},
		{"reverse from end", types.QueryOpt{Reverse: true, Limit: 2}, reversed(savedIds[8:])},
		{"limit", types.QueryOpt{Limit: 1}, savedIds[:1]},
	}
	for _, tc := range cases {
		opts := tc.opts
		got, err := adp.MessageGetAll(alice, &opts)
		if err != nil {
			t.Fatal(tc.name, err)
		}
		if diff := cmp.Diff(tc.want, ids(got)); diff != "" {
			t.Errorf("%s: mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func reversed(in []int64) []int64 {
	out := append([]int64(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}
