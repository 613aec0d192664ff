package subscriber

import (
	"errors"
	"sync"

	"github.com/roost-im/roost/server/keyedset"
	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/store/types"
)

// Conn is an open push connection of a user.
type Conn interface {
	// Send queues the payload for writing. It must not block for long.
	// An error means the connection is unusable; the hub drops it then.
	Send(payload []byte) error
}

type hubConn struct {
	uid  types.Uid
	conn Conn
}

type target struct {
	key  uint64
	uid  types.Uid
	conn Conn
}

// Hub keeps track of open connections and fans out messages to them.
type Hub struct {
	stats *stats

	mu     sync.Mutex
	conns  *keyedset.Set[hubConn]
	byUser map[types.Uid]map[uint64]Conn
}

func newHub(st *stats) *Hub {
	return &Hub{
		stats:  st,
		conns:  keyedset.New[hubConn](),
		byUser: make(map[types.Uid]map[uint64]Conn),
	}
}

// Register adds the connection and returns its key.
func (h *Hub) Register(uid types.Uid, conn Conn) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.conns.Add(hubConn{uid: uid, conn: conn})
	userConns := h.byUser[uid]
	if userConns == nil {
		userConns = make(map[uint64]Conn)
		h.byUser[uid] = userConns
	}
	userConns[key] = conn
	h.stats.connsLive.Add(1)
	return key
}

// Unregister removes the connection. Removing an already removed connection is a noop.
func (h *Hub) Unregister(uid types.Uid, key uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hc, ok := h.conns.Get(key)
	if ok && hc.uid != uid {
		logs.Err.Println("hub: connection", key, "does not belong to", uid)
		return
	}
	if err := h.conns.Remove(key); err != nil {
		if !errors.Is(err, keyedset.ErrKeyRemoved) {
			logs.Err.Println("hub: unregister", key, err)
		}
		return
	}

	userConns := h.byUser[uid]
	delete(userConns, key)
	if len(userConns) == 0 {
		delete(h.byUser, uid)
	}
	h.stats.connsLive.Add(-1)
}

// Deliver sends the payload of a message sent to the triple to every open
// connection of every listed user. A connection which fails to accept the
// payload is unregistered.
func (h *Hub) Deliver(triple types.Triple, users []types.Uid, payload []byte) {
	var targets []target
	h.mu.Lock()
	for _, uid := range users {
		for key, conn := range h.byUser[uid] {
			targets = append(targets, target{key: key, uid: uid, conn: conn})
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		if err := t.conn.Send(payload); err != nil {
			logs.Warn.Println("hub: dropping connection", t.key, "of", t.uid, "on", triple, err)
			h.Unregister(t.uid, t.key)
			continue
		}
		h.stats.delivered.Add(1)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns.Len()
}
