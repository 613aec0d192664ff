// Package common contains utility methods used by all adapters.
package common

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	t "github.com/roost-im/roost/server/store/types"
)

// DefaultMaxResults is the maximum number of records an adapter returns
// when not configured otherwise.
const DefaultMaxResults = 1024

// TripleKeyLength is the length of the string returned by TripleKey.
const TripleKeyLength = sha256.Size * 2

// TripleKey generates a fixed-length key which uniquely identifies the triple.
// Used to enforce uniqueness of (user, triple) without indexing long text columns.
func TripleKey(tr t.Triple) string {
	hasher := sha256.New()
	field := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		hasher.Write(n[:])
		hasher.Write([]byte(s))
	}
	field(tr.Class)
	if tr.AllInstances {
		hasher.Write([]byte{1})
	} else {
		hasher.Write([]byte{0})
		field(tr.Instance)
	}
	field(tr.Recipient)
	return hex.EncodeToString(hasher.Sum(nil))
}

// SelectLimit returns the number of records to fetch given the query and the adapter limit.
func SelectLimit(opts *t.QueryOpt, maxResults int) int {
	limit := maxResults
	if opts != nil && opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	return limit
}

// MessageRange converts query options into an SQL-style comparison operator
// for the message id and the sort direction. The operator is empty when the
// query has no offset.
func MessageRange(opts *t.QueryOpt) (op string, desc bool) {
	if opts == nil {
		return "", false
	}
	desc = opts.Reverse
	if opts.Offset == nil {
		return "", desc
	}
	switch {
	case desc && opts.Inclusive:
		op = "<="
	case desc:
		op = "<"
	case opts.Inclusive:
		op = ">="
	default:
		op = ">"
	}
	return op, desc
}

// UidsToInt64 converts user ids to a slice of values suitable for storing in
// signed integer columns.
func UidsToInt64(uids []t.Uid) []int64 {
	out := make([]int64, len(uids))
	for i, uid := range uids {
		out[i] = int64(uid)
	}
	return out
}

// DedupUids returns the list of unique non-zero user ids preserving the order.
func DedupUids(uids []t.Uid) []t.Uid {
	seen := make(map[t.Uid]struct{}, len(uids))
	out := make([]t.Uid, 0, len(uids))
	for _, uid := range uids {
		if uid.IsZero() {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}
