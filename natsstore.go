package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	natsTxnRetries    = 32
	natsReconnectWait = 2 * time.Second
	natsProbeBurst    = 3
	natsProbeInterval = 30 * time.Second
)

// NatsStore keeps each room as one JSON document in a JetStream
// key-value bucket. Every write is revision-checked, so a concurrent
// writer forces a re-read instead of a lost update, and watchers ride
// the bucket's own change feed.
//
// The bucket has no TIME command, so the server clock is read by
// writing a throwaway probe key and taking the server-assigned
// timestamp off the resulting entry.
type NatsStore struct {
	nc       *nats.Conn
	kv       jetstream.KeyValue
	clock    clockwork.Clock
	probeKey string
	done     chan struct{}

	mu     sync.Mutex
	subs   map[int64]*memWatcher
	nextID int64
	offset int64
	closed bool
}

func NewNatsStore(ctx context.Context, url, bucket string) (*NatsStore, error) {
	return NewNatsStoreWithClock(ctx, url, bucket, clockwork.NewRealClock())
}

func NewNatsStoreWithClock(ctx context.Context, url, bucket string, clock clockwork.Clock) (*NatsStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("opening jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "bookclub room documents",
		})
	}

	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("opening bucket %q: %w", bucket, err)
	}

	s := &NatsStore{
		nc:       nc,
		kv:       kv,
		clock:    clock,
		probeKey: "clock/" + uuid.NewString(),
		done:     make(chan struct{}),
		subs:     map[int64]*memWatcher{},
	}

	if err := s.syncClock(ctx); err != nil {
		nc.Close()

		return nil, err
	}

	go s.clockLoop()

	log.Info().Str("url", url).Str("bucket", bucket).Msg("Connected to NATS")

	return s, nil
}

// NowMs is the JetStream server's clock, tracked via probe writes.
func (s *NatsStore) NowMs() int64 {
	return s.clock.Now().UnixMilli() + s.OffsetMs()
}

func (s *NatsStore) OffsetMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offset
}

func (s *NatsStore) Get(ctx context.Context, path string) (Snapshot, error) {
	docKey, rel, err := splitDocPath(path)
	if err != nil {
		return Snapshot{}, err
	}

	_, doc, exists, err := s.readDoc(ctx, docKey)
	if err != nil {
		return Snapshot{}, err
	}

	value, ok := projectValue(doc, exists, rel)

	return Snapshot{Path: path, Value: value, Exists: ok}, nil
}

func (s *NatsStore) Put(ctx context.Context, path string, value any) error {
	docKey, rel, err := splitDocPath(path)
	if err != nil {
		return err
	}

	prepared, err := prepareValue(value, s.NowMs())
	if err != nil {
		return err
	}

	_, _, _, err = s.modifyDoc(ctx, docKey, func(doc any, exists bool) (any, bool, error) {
		if prepared == nil && !exists {
			return nil, false, nil
		}

		next, err := mutateAt(doc, rel, func(any) (any, error) {
			return copyValue(prepared), nil
		})
		if err != nil {
			return nil, false, err
		}

		return next, true, nil
	})

	return err
}

func (s *NatsStore) Update(ctx context.Context, path string, fields map[string]any) error {
	docKey, rel, err := splitDocPath(path)
	if err != nil {
		return err
	}

	if len(fields) == 0 {
		return nil
	}

	_, _, _, err = s.modifyDoc(ctx, docKey, func(doc any, _ bool) (any, bool, error) {
		next, err := mutateAt(doc, rel, func(node any) (any, error) {
			return applyFields(node, fields, s.NowMs())
		})
		if err != nil {
			return nil, false, err
		}

		return next, true, nil
	})

	return err
}

func (s *NatsStore) Txn(ctx context.Context, path string, fn TxnFunc) (Snapshot, bool, error) {
	docKey, rel, err := splitDocPath(path)
	if err != nil {
		return Snapshot{}, false, err
	}

	doc, exists, committed, err := s.modifyDoc(ctx, docKey, func(doc any, exists bool) (any, bool, error) {
		current, _ := projectValue(doc, exists, rel)

		next, commit := fn(copyValue(current))
		if !commit {
			return nil, false, nil
		}

		prepared, err := prepareValue(next, s.NowMs())
		if err != nil {
			return nil, false, err
		}

		merged, err := mutateAt(doc, rel, func(any) (any, error) {
			return prepared, nil
		})
		if err != nil {
			return nil, false, err
		}

		return merged, true, nil
	})
	if err != nil {
		return Snapshot{}, false, err
	}

	value, ok := projectValue(doc, exists, rel)

	return Snapshot{Path: path, Value: value, Exists: ok}, committed, nil
}

func (s *NatsStore) Delete(ctx context.Context, path string) error {
	return s.Put(ctx, path, nil)
}

func (s *NatsStore) Watch(ctx context.Context, path string) (*Subscription, error) {
	docKey, rel, err := splitDocPath(path)
	if err != nil {
		return nil, err
	}

	watcher, err := s.kv.Watch(ctx, docKey)
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", docKey, err)
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		watcher.Stop()

		return nil, ErrStoreClosed
	}

	s.nextID++
	id := s.nextID

	w := &memWatcher{
		path:  path,
		parts: rel,
		ch:    make(chan Snapshot, 1),
	}

	s.subs[id] = w
	s.mu.Unlock()

	go s.runWatch(watcher, id, w)

	sub := &Subscription{C: w.ch}

	var stop func() bool

	sub.cancel = func() {
		if stop != nil {
			stop()
		}

		watcher.Stop()

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, registered := s.subs[id]; !registered {
			return
		}

		delete(s.subs, id)
		close(w.ch)
	}

	stop = context.AfterFunc(ctx, sub.Close)

	return sub, nil
}

func (s *NatsStore) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	close(s.done)

	for id, watcher := range s.subs {
		delete(s.subs, id)
		close(watcher.ch)
	}

	s.mu.Unlock()

	if err := s.kv.Purge(context.Background(), s.probeKey); err != nil {
		log.Debug().Err(err).Msg("Purging clock probe key failed")
	}

	s.nc.Close()

	return nil
}

// modifyDoc runs read-modify-write rounds against a document until one
// commits cleanly at the revision it read. Create covers the first
// write, Update and Delete pin the expected revision, and a revision
// mismatch from any of them restarts the round.
func (s *NatsStore) modifyDoc(ctx context.Context, docKey string, mutate func(doc any, exists bool) (any, bool, error)) (any, bool, bool, error) {
	for range natsTxnRetries {
		entry, doc, exists, err := s.readDoc(ctx, docKey)
		if err != nil {
			return nil, false, false, err
		}

		next, commit, err := mutate(doc, exists)
		if err != nil {
			return nil, false, false, err
		}

		if !commit {
			return doc, exists, false, nil
		}

		switch {
		case next == nil && !exists:
			return nil, false, true, nil
		case next == nil:
			err = s.kv.Delete(ctx, docKey, jetstream.LastRevision(entry.Revision()))
		default:
			var payload []byte

			payload, err = json.Marshal(next)
			if err != nil {
				return nil, false, false, err
			}

			if exists {
				_, err = s.kv.Update(ctx, docKey, payload, entry.Revision())
			} else {
				_, err = s.kv.Create(ctx, docKey, payload)
			}
		}

		switch {
		case err == nil:
			return next, next != nil, true, nil
		case casConflict(err):
			continue
		default:
			return nil, false, false, err
		}
	}

	return nil, false, false, fmt.Errorf("%w: %s contended past %d attempts", ErrConflict, docKey, natsTxnRetries)
}

func (s *NatsStore) readDoc(ctx context.Context, docKey string) (jetstream.KeyValueEntry, any, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, false, err
	}

	entry, err := s.kv.Get(ctx, docKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil, false, nil
	}

	if err != nil {
		return nil, nil, false, err
	}

	var doc any

	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, nil, false, fmt.Errorf("decoding document: %w", err)
	}

	return entry, doc, true, nil
}

// casConflict reports whether a write failed only because another
// writer got in first.
func casConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}

	var apiErr *jetstream.APIError

	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// runWatch drains one bucket watcher. The feed replays the current
// entry first and marks the boundary with a nil entry, so the snapshot
// before that marker seeds the subscription and everything after it is
// a live update.
func (s *NatsStore) runWatch(watcher jetstream.KeyWatcher, id int64, w *memWatcher) {
	var (
		doc    any
		exists bool
		live   bool
	)

	for entry := range watcher.Updates() {
		if entry == nil {
			live = true
			s.deliver(id, w, doc, exists)

			continue
		}

		switch entry.Operation() {
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			doc, exists = nil, false
		default:
			var value any

			if err := json.Unmarshal(entry.Value(), &value); err != nil {
				log.Warn().Err(err).Str("key", entry.Key()).Msg("Dropping undecodable entry")

				continue
			}

			doc, exists = value, value != nil
		}

		if live {
			s.deliver(id, w, doc, exists)
		}
	}
}

func (s *NatsStore) deliver(id int64, w *memWatcher, doc any, exists bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, registered := s.subs[id]; !registered {
		return
	}

	value, ok := projectValue(doc, exists, w.parts)
	w.send(Snapshot{Path: w.path, Value: copyValue(value), Exists: ok})
}

func (s *NatsStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return nil
}

func (s *NatsStore) syncClock(ctx context.Context) error {
	var (
		best    int64
		bestRTT = int64(-1)
	)

	for range natsProbeBurst {
		send := s.clock.Now().UnixMilli()

		rev, err := s.kv.Put(ctx, s.probeKey, nil)
		if err != nil {
			return fmt.Errorf("probing nats clock: %w", err)
		}

		recv := s.clock.Now().UnixMilli()

		entry, err := s.kv.GetRevision(ctx, s.probeKey, rev)
		if err != nil {
			return fmt.Errorf("probing nats clock: %w", err)
		}

		if rtt := recv - send; bestRTT < 0 || rtt < bestRTT {
			bestRTT = rtt
			best = estimateOffset(send, recv, entry.Created().UnixMilli())
		}
	}

	s.mu.Lock()
	s.offset = best
	s.mu.Unlock()

	return nil
}

func (s *NatsStore) clockLoop() {
	ticker := s.clock.NewTicker(natsProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			if err := s.syncClock(context.Background()); err != nil {
				log.Debug().Err(err).Msg("NATS clock probe failed")
			}
		}
	}
}
