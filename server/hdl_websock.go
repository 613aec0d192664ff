/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket push connections.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/subscriber"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 55 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum number of queued outbound messages.
	sendQueueLimit = 128
)

var (
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("outbound queue limit exceeded")
)

// Serialized frames sent by the server on its own.
var (
	frameReady = mustMarshal(&subscriber.Frame{Type: "ready"})
	framePong  = mustMarshal(&subscriber.Frame{Type: "pong"})
)

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// clientFrame is a frame sent by the client.
type clientFrame struct {
	Type string `json:"type"`
}

// Session is a websocket push connection of one user.
type Session struct {
	// Session id, for logging.
	sid string
	uid types.Uid
	ws  *websocket.Conn
	// Key of the session in the hub.
	key uint64
	// Subscriber the session is connected to.
	subscriber *subscriber.Subscriber
	// Maximum size of an incoming frame.
	maxMessageSize int64

	// Outbound messages, already serialized.
	send chan []byte
	// Closed when the session is terminated.
	stop     chan struct{}
	stopOnce sync.Once
}

func newSession(ws *websocket.Conn, uid types.Uid) *Session {
	return &Session{
		sid:            globals.sidGen.GetStr(),
		uid:            uid,
		ws:             ws,
		subscriber:     globals.subscriber,
		maxMessageSize: globals.maxMessageSize,
		send:           make(chan []byte, sendQueueLimit+1),
		stop:           make(chan struct{}),
	}
}

// Send queues a serialized message for writing. Never blocks.
func (sess *Session) Send(payload []byte) error {
	select {
	case <-sess.stop:
		return errSessionClosed
	default:
	}
	select {
	case sess.send <- payload:
		return nil
	default:
		logs.Err.Println("ws: outbound queue limit exceeded", sess.sid)
		sess.terminate()
		return errQueueFull
	}
}

func (sess *Session) terminate() {
	sess.stopOnce.Do(func() {
		close(sess.stop)
	})
}

func (sess *Session) cleanUp() {
	sess.terminate()
	sess.subscriber.Disconnect(sess.uid, sess.key)
	sess.ws.Close()
	logs.Info.Println("ws: session stopped", sess.sid)
}

func (sess *Session) readLoop() {
	defer sess.cleanUp()

	sess.ws.SetReadLimit(sess.maxMessageSize)
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", sess.sid, err)
			}
			return
		}
		sess.dispatchRaw(raw)
	}
}

// dispatchRaw handles a client frame. Unknown frames are ignored.
func (sess *Session) dispatchRaw(raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logs.Warn.Println("ws: malformed frame", sess.sid, err)
		return
	}
	switch frame.Type {
	case "ping":
		sess.Send(framePong)
	default:
	}
}

func (sess *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		sess.ws.Close()
	}()

	for {
		select {
		case msg := <-sess.send:
			if err := wsWrite(sess.ws, websocket.TextMessage, msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop", sess.sid, err)
				}
				sess.terminate()
				return
			}

		case <-sess.stop:
			return

		case <-ticker.C:
			if err := wsWrite(sess.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", sess.sid, err)
				}
				sess.terminate()
				return
			}
		}
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, msg []byte) error {
	if msg == nil {
		msg = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, msg)
}

// Handles websocket requests from peers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	user, err := authenticate(req)
	if err != nil {
		sendError(wrt, err)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: Not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to Upgrade ", err)
		return
	}

	sess := newSession(ws, user.Uid)
	// The ready frame goes first, before any message can be delivered.
	sess.Send(frameReady)
	sess.key = sess.subscriber.Connect(user.Uid, sess)

	logs.Info.Println("ws: session started", sess.sid, user.Principal, req.RemoteAddr)

	// Do work in goroutines to return from serveWebSocket() to release file pointers.
	// Otherwise "too many open files" will happen.
	go sess.writeLoop()
	go sess.readLoop()
}
