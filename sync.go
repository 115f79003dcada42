package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
)

const (
	syncWriteWait  = 10 * time.Second
	syncPongWait   = 60 * time.Second
	syncPingPeriod = (syncPongWait * 9) / 10
	syncMaxMessage = 1 << 20
	syncSendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// syncRequest is every message a client may send, discriminated by Type.
// Paths are relative to the connection's room, so one socket can never
// write outside the room it was opened for.
type syncRequest struct {
	Type     string          `json:"type"`               // "put", "update", "cas", "delete", "time"
	ID       int64           `json:"id,omitempty"`       // echoed back in the reply
	Path     string          `json:"path,omitempty"`     // room-relative; "" is the room itself
	Value    json.RawMessage `json:"value,omitempty"`    // put, cas proposed value
	Fields   json.RawMessage `json:"fields,omitempty"`   // update patch
	Expect   json.RawMessage `json:"expect,omitempty"`   // cas: the value the client read
	ClientMs int64           `json:"clientMs,omitempty"` // time probe echo
}

// syncReply is every message the server sends. Snapshots carry the full
// room value on every change; cas acks carry the committed value so the
// caller need not wait for the next snapshot.
type syncReply struct {
	Type     string `json:"type"` // "snapshot", "ack", "conflict", "error", "time"
	ID       int64  `json:"id,omitempty"`
	Value    any    `json:"value,omitempty"`
	Exists   bool   `json:"exists,omitempty"`
	Error    string `json:"error,omitempty"`
	ClientMs int64  `json:"clientMs,omitempty"`
	ServerMs int64  `json:"serverMs,omitempty"`
}

type syncConn struct {
	id    string
	code  string
	store Store
	conn  *websocket.Conn
	send  chan syncReply

	done      chan struct{}
	closeOnce sync.Once
}

// serveRoomSync upgrades GET /rooms/:code/ws into a sync session: the
// full room document is pushed on connect and after every change, and the
// five wire operations are applied against the embedded store. The
// server, never the client, resolves server-timestamp markers.
func serveRoomSync(cfg *Config, st Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := normalizeRoomCode(ps.ByName("code"))
		if !validRoomCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)

			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")

			return
		}

		c := &syncConn{
			id:    uuid.NewString(),
			code:  code,
			store: st,
			conn:  conn,
			send:  make(chan syncReply, syncSendBuffer),
			done:  make(chan struct{}),
		}

		log.Debug().
			Str("conn", c.id).
			Str("room", code).
			Str("remote", realIP(r)).
			Msg("sync client connected")

		go c.writePump()
		c.readPump(r.Context())

		log.Debug().Str("conn", c.id).Str("room", code).Msg("sync client disconnected")
	}
}

func (c *syncConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue hands a reply to the write pump. Snapshot fan-out upstream is
// already conflated, so a full buffer here means the client has stopped
// reading entirely; it gets dropped rather than held.
func (c *syncConn) enqueue(reply syncReply) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- reply:
	default:
		log.Warn().Str("conn", c.id).Str("room", c.code).Msg("sync client too slow, dropping")
		c.shutdown()
	}
}

func (c *syncConn) writePump() {
	ticker := time.NewTicker(syncPingPeriod)

	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case reply := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(syncWriteWait))

			if err := c.conn.WriteJSON(reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(syncWriteWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *syncConn) readPump(ctx context.Context) {
	defer c.shutdown()

	sub, err := c.store.Watch(ctx, roomPath(c.code))
	if err != nil {
		c.enqueue(syncReply{Type: "error", Error: err.Error()})

		return
	}
	defer sub.Close()

	go c.forwardSnapshots(sub)

	c.conn.SetReadLimit(syncMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(syncPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(syncPongWait))
	})

	for {
		var req syncRequest

		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}

		c.handle(ctx, req)
	}
}

func (c *syncConn) forwardSnapshots(sub *Subscription) {
	for snap := range sub.C {
		c.enqueue(syncReply{
			Type:   "snapshot",
			Value:  snap.Value,
			Exists: snap.Exists,
		})
	}
}

func (c *syncConn) handle(ctx context.Context, req syncRequest) {
	switch req.Type {
	case "put":
		c.handlePut(ctx, req)
	case "update":
		c.handleUpdate(ctx, req)
	case "cas":
		c.handleCAS(ctx, req)
	case "delete":
		c.handleDelete(ctx, req)
	case "time":
		c.enqueue(syncReply{
			Type:     "time",
			ID:       req.ID,
			ClientMs: req.ClientMs,
			ServerMs: c.store.NowMs(),
		})
	default:
		c.fail(req.ID, "unknown request type: "+req.Type)
	}
}

func (c *syncConn) handlePut(ctx context.Context, req syncRequest) {
	path, err := c.fullPath(req.Path)
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	value, err := decodeRaw(req.Value)
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	if err := c.store.Put(ctx, path, value); err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	c.enqueue(syncReply{Type: "ack", ID: req.ID})
}

func (c *syncConn) handleUpdate(ctx context.Context, req syncRequest) {
	path, err := c.fullPath(req.Path)
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	var fields map[string]any

	if len(req.Fields) > 0 {
		if err := json.Unmarshal(req.Fields, &fields); err != nil {
			c.fail(req.ID, err.Error())

			return
		}
	}

	if err := c.store.Update(ctx, path, fields); err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	c.enqueue(syncReply{Type: "ack", ID: req.ID})
}

// handleCAS implements the wire form of Txn: the client sends the value
// it read (expect) plus its proposed replacement, and the swap rides the
// backend's own transaction so it stays linearizable against in-process
// writers too. On a miss the current value comes back and the client
// re-derives its proposal.
func (c *syncConn) handleCAS(ctx context.Context, req syncRequest) {
	path, err := c.fullPath(req.Path)
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	expect, err := decodeRaw(req.Expect)
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	proposed, err := decodeRaw(req.Value)
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	snap, committed, err := c.store.Txn(ctx, path, func(current any) (any, bool) {
		if !valuesEqual(current, expect) {
			return nil, false
		}

		return proposed, true
	})
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	if !committed {
		c.enqueue(syncReply{
			Type:   "conflict",
			ID:     req.ID,
			Value:  snap.Value,
			Exists: snap.Exists,
		})

		return
	}

	c.enqueue(syncReply{
		Type:   "ack",
		ID:     req.ID,
		Value:  snap.Value,
		Exists: snap.Exists,
	})
}

func (c *syncConn) handleDelete(ctx context.Context, req syncRequest) {
	path, err := c.fullPath(req.Path)
	if err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	if err := c.store.Delete(ctx, path); err != nil {
		c.fail(req.ID, err.Error())

		return
	}

	c.enqueue(syncReply{Type: "ack", ID: req.ID})
}

func (c *syncConn) fail(id int64, msg string) {
	c.enqueue(syncReply{Type: "error", ID: id, Error: msg})
}

// fullPath anchors a room-relative wire path under this connection's
// room, rejecting malformed segments before they reach the store.
func (c *syncConn) fullPath(rel string) (string, error) {
	if _, err := splitPath(rel); err != nil {
		return "", err
	}

	return joinPath(roomPath(c.code), rel), nil
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var v any

	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return v, nil
}
