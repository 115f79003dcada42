package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	remoteProbeBurst    = 3
	remoteProbeInterval = 30 * time.Second
	remoteProbeTimeout  = 5 * time.Second
	remoteTxnRetries    = 32
)

// RemoteStore is the shared state store as a client sees it: one
// websocket to a room's sync endpoint, the room document mirrored locally
// from snapshot fan-out, writes sent as wire operations, and a
// server-clock offset kept fresh by periodic time probes. Reads serve the
// mirror; the compare-and-set cycle round-trips so the server stays the
// arbiter of every race. It implements Store for paths inside its room
// only.
type RemoteStore struct {
	code  string
	conn  *websocket.Conn
	clock clockwork.Clock

	// gorilla allows a single concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	root    any
	exists  bool
	readyOK bool
	offset  int64
	nextID  int64
	pending map[int64]chan syncReply
	subs    map[int64]*memWatcher
	nextSub int64
	closed  bool
	cause   error

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// DialRoom connects to one room's sync endpoint on a server rooted at
// baseURL (http:// or https://). The room need not exist yet: a missing
// room reports Exists false until someone creates it. DialRoom returns
// once the first snapshot and a clock probe have landed, so Get and NowMs
// are immediately meaningful.
func DialRoom(ctx context.Context, baseURL, code string) (*RemoteStore, error) {
	code = normalizeRoomCode(code)
	if !validRoomCode(code) {
		return nil, fmt.Errorf("invalid room code %q", code)
	}

	wsURL, err := syncURL(baseURL, code)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	r := &RemoteStore{
		code:    code,
		conn:    conn,
		clock:   clockwork.NewRealClock(),
		pending: map[int64]chan syncReply{},
		subs:    map[int64]*memWatcher{},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	go r.readLoop()

	if err := r.syncClock(ctx); err != nil {
		_ = r.Close()

		return nil, err
	}

	if err := r.waitReady(ctx); err != nil {
		_ = r.Close()

		return nil, err
	}

	go r.probeLoop()

	log.Debug().
		Str("room", code).
		Int64("offset_ms", r.OffsetMs()).
		Msg("remote store connected")

	return r, nil
}

func syncURL(baseURL, code string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + code + "/ws"

	return u.String(), nil
}

func (r *RemoteStore) readLoop() {
	defer r.teardown(ErrSyncClosed)

	for {
		var reply syncReply

		if err := r.conn.ReadJSON(&reply); err != nil {
			return
		}

		if reply.Type == "snapshot" {
			r.applySnapshot(reply)

			continue
		}

		r.route(reply)
	}
}

func (r *RemoteStore) applySnapshot(reply syncReply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.root = reply.Value
	r.exists = reply.Exists

	if !r.readyOK {
		r.readyOK = true
		close(r.ready)
	}

	for _, w := range r.subs {
		w.send(r.projectLocked(w.path, w.parts))
	}
}

func (r *RemoteStore) route(reply syncReply) {
	r.mu.Lock()
	ch, ok := r.pending[reply.ID]

	if ok {
		delete(r.pending, reply.ID)
	}
	r.mu.Unlock()

	if ok {
		ch <- reply

		return
	}

	if reply.Type == "error" {
		log.Warn().Str("room", r.code).Str("error", reply.Error).Msg("sync server error")
	}
}

// request sends one wire operation and waits for its correlated reply.
// Correlated error replies come back as Go errors; conflicts do not.
func (r *RemoteStore) request(ctx context.Context, req syncRequest) (syncReply, error) {
	r.mu.Lock()

	if r.closed {
		err := r.cause
		r.mu.Unlock()

		if err == nil {
			err = ErrSyncClosed
		}

		return syncReply{}, err
	}

	r.nextID++
	req.ID = r.nextID
	ch := make(chan syncReply, 1)
	r.pending[req.ID] = ch
	r.mu.Unlock()

	r.writeMu.Lock()
	err := r.conn.WriteJSON(req)
	r.writeMu.Unlock()

	if err != nil {
		r.forget(req.ID)

		return syncReply{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == "error" {
			return syncReply{}, fmt.Errorf("sync: %s", reply.Error)
		}

		return reply, nil
	case <-ctx.Done():
		r.forget(req.ID)

		return syncReply{}, ctx.Err()
	case <-r.done:
		return syncReply{}, ErrSyncClosed
	}
}

func (r *RemoteStore) forget(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *RemoteStore) waitReady(ctx context.Context) error {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return ErrSyncClosed
	}

	return nil
}

// syncClock measures the server-clock offset with a short probe burst and
// keeps the estimate from the round trip least distorted by queueing.
func (r *RemoteStore) syncClock(ctx context.Context) error {
	var (
		bestRTT    int64 = math.MaxInt64
		bestOffset int64
		got        bool
	)

	for range remoteProbeBurst {
		send := r.clock.Now().UnixMilli()

		reply, err := r.request(ctx, syncRequest{Type: "time", ClientMs: send})
		if err != nil {
			if got {
				break
			}

			return err
		}

		recv := r.clock.Now().UnixMilli()

		if rtt := recv - send; rtt < bestRTT {
			bestRTT = rtt
			bestOffset = estimateOffset(send, recv, reply.ServerMs)
			got = true
		}
	}

	r.mu.Lock()
	r.offset = bestOffset
	r.mu.Unlock()

	return nil
}

func (r *RemoteStore) probeLoop() {
	ticker := r.clock.NewTicker(remoteProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), remoteProbeTimeout)

			if err := r.syncClock(ctx); err != nil {
				log.Debug().Err(err).Str("room", r.code).Msg("clock probe failed")
			}

			cancel()
		}
	}
}

func (r *RemoteStore) teardown(cause error) {
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.conn.Close()

		r.mu.Lock()
		defer r.mu.Unlock()

		r.closed = true
		r.cause = cause

		if !r.readyOK {
			r.readyOK = true
			close(r.ready)
		}

		for id, ch := range r.pending {
			delete(r.pending, id)
			ch <- syncReply{Type: "error", Error: cause.Error()}
		}

		for id, w := range r.subs {
			delete(r.subs, id)
			close(w.ch)
		}
	})
}

func (r *RemoteStore) Close() error {
	r.teardown(ErrSyncClosed)

	return nil
}

// relParts maps an absolute store path into this connection's room,
// rejecting paths outside it.
func (r *RemoteStore) relParts(path string) ([]string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	if len(parts) < 2 || parts[0] != roomsRoot || normalizeRoomCode(parts[1]) != r.code {
		return nil, fmt.Errorf("%w: %q is outside room %s", ErrBadPath, path, r.code)
	}

	return parts[2:], nil
}

func (r *RemoteStore) projectLocked(path string, rel []string) Snapshot {
	value, ok := projectValue(r.root, r.exists, rel)

	return Snapshot{Path: path, Value: copyValue(value), Exists: ok}
}

// Get serves the mirrored document; it never blocks on the network after
// the dial completes.
func (r *RemoteStore) Get(ctx context.Context, path string) (Snapshot, error) {
	rel, err := r.relParts(path)
	if err != nil {
		return Snapshot{}, err
	}

	if err := r.waitReady(ctx); err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.projectLocked(path, rel), nil
}

func (r *RemoteStore) Put(ctx context.Context, path string, value any) error {
	rel, err := r.relParts(path)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = r.request(ctx, syncRequest{
		Type:  "put",
		Path:  strings.Join(rel, "/"),
		Value: raw,
	})

	return err
}

func (r *RemoteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	rel, err := r.relParts(path)
	if err != nil {
		return err
	}

	if len(fields) == 0 {
		return nil
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	_, err = r.request(ctx, syncRequest{
		Type:   "update",
		Path:   strings.Join(rel, "/"),
		Fields: raw,
	})

	return err
}

func (r *RemoteStore) Delete(ctx context.Context, path string) error {
	rel, err := r.relParts(path)
	if err != nil {
		return err
	}

	_, err = r.request(ctx, syncRequest{
		Type: "delete",
		Path: strings.Join(rel, "/"),
	})

	return err
}

// Txn seeds fn from the mirror and rides the wire compare-and-set: the
// proposed value travels with the value it was derived from, the server
// swaps them atomically inside its own transaction, and on a conflict the
// authoritative current value comes back for another pass. The server
// resolves every race; this loop only re-derives the proposal.
func (r *RemoteStore) Txn(ctx context.Context, path string, fn TxnFunc) (Snapshot, bool, error) {
	rel, err := r.relParts(path)
	if err != nil {
		return Snapshot{}, false, err
	}

	if err := r.waitReady(ctx); err != nil {
		return Snapshot{}, false, err
	}

	relPath := strings.Join(rel, "/")

	r.mu.Lock()
	current := r.projectLocked(path, rel).Value
	r.mu.Unlock()

	for range remoteTxnRetries {
		next, commit := fn(copyValue(current))
		if !commit {
			return Snapshot{Path: path, Value: current, Exists: current != nil}, false, nil
		}

		expect, err := json.Marshal(current)
		if err != nil {
			return Snapshot{}, false, err
		}

		proposed, err := json.Marshal(next)
		if err != nil {
			return Snapshot{}, false, err
		}

		reply, err := r.request(ctx, syncRequest{
			Type:   "cas",
			Path:   relPath,
			Expect: expect,
			Value:  proposed,
		})
		if err != nil {
			return Snapshot{}, false, err
		}

		switch reply.Type {
		case "ack":
			return Snapshot{Path: path, Value: reply.Value, Exists: reply.Exists}, true, nil
		case "conflict":
			current = reply.Value
		default:
			return Snapshot{}, false, fmt.Errorf("sync: unexpected %q reply to cas", reply.Type)
		}
	}

	return Snapshot{}, false, ErrConflict
}

func (r *RemoteStore) Watch(ctx context.Context, path string) (*Subscription, error) {
	rel, err := r.relParts(path)
	if err != nil {
		return nil, err
	}

	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil, ErrStoreClosed
	}

	r.nextSub++
	id := r.nextSub

	w := &memWatcher{
		path:  path,
		parts: rel,
		ch:    make(chan Snapshot, 1),
	}

	r.subs[id] = w
	w.ch <- r.projectLocked(path, rel)
	r.mu.Unlock()

	sub := &Subscription{C: w.ch}

	var stop func() bool

	sub.cancel = func() {
		if stop != nil {
			stop()
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.subs[id]; !ok {
			return
		}

		delete(r.subs, id)
		close(w.ch)
	}

	stop = context.AfterFunc(ctx, sub.Close)

	return sub, nil
}

func (r *RemoteStore) OffsetMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.offset
}

func (r *RemoteStore) NowMs() int64 {
	return r.clock.Now().UnixMilli() + r.OffsetMs()
}

// CreateRoomRemote provisions a room on a remote server over plain HTTP,
// then attaches a host seat through the sync socket. The bank is uploaded
// as JSON and validated server-side before anything is written; closing
// the returned session hangs up the connection too.
func CreateRoomRemote(ctx context.Context, baseURL string, bank *Bank, opts RoomOptions) (*HostSession, error) {
	if bank == nil {
		return nil, fmt.Errorf("%w: no bank given", ErrInvalidBank)
	}

	if err := bank.Validate(); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	body, err := json.Marshal(createRoomRequest{
		Bank:        bank,
		DurationSec: opts.DurationSec,
		TeamOneName: opts.TeamOneName,
		TeamTwoName: opts.TeamTwoName,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/rooms", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, fmt.Errorf("create room: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var created createRoomResponse

	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, err
	}

	rs, err := DialRoom(ctx, baseURL, created.Code)
	if err != nil {
		return nil, err
	}

	host, err := AttachHost(ctx, rs, created.Code, bank)
	if err != nil {
		_ = rs.Close()

		return nil, err
	}

	host.ownStore = true

	return host, nil
}

// AttachHostRemote reattaches a host seat to an existing room over the
// wire.
func AttachHostRemote(ctx context.Context, baseURL, code string, bank *Bank) (*HostSession, error) {
	rs, err := DialRoom(ctx, baseURL, code)
	if err != nil {
		return nil, err
	}

	host, err := AttachHost(ctx, rs, code, bank)
	if err != nil {
		_ = rs.Close()

		return nil, err
	}

	host.ownStore = true

	return host, nil
}

// JoinRoomRemote dials a room's sync endpoint and takes a player seat in
// one step. Closing the session hangs up the connection.
func JoinRoomRemote(ctx context.Context, baseURL, code, deviceID, name, teamID string) (*PlayerSession, error) {
	rs, err := DialRoom(ctx, baseURL, code)
	if err != nil {
		return nil, err
	}

	player, err := JoinRoom(ctx, rs, code, deviceID, name, teamID)
	if err != nil {
		_ = rs.Close()

		return nil, err
	}

	player.ownStore = true

	return player, nil
}
