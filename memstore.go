package main

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
)

// MemStore keeps the whole document tree in process memory. It is the
// backend the server embeds by default, and the one tests lean on: one
// mutex serializes every write, which makes Txn trivially linearizable,
// and each watcher owns a one-slot buffer so fan-out conflates instead of
// blocking on a slow receiver.
type MemStore struct {
	clock clockwork.Clock

	mu     sync.Mutex
	root   map[string]any
	subs   map[int64]*memWatcher
	nextID int64
	closed bool
}

type memWatcher struct {
	path  string
	parts []string
	ch    chan Snapshot
}

func NewMemStore() *MemStore {
	return NewMemStoreWithClock(clockwork.NewRealClock())
}

// NewMemStoreWithClock pins the store to a caller-supplied clock, letting
// tests drive server timestamps deterministically.
func NewMemStoreWithClock(clock clockwork.Clock) *MemStore {
	return &MemStore{
		clock: clock,
		root:  map[string]any{},
		subs:  map[int64]*memWatcher{},
	}
}

func (s *MemStore) NowMs() int64 {
	return s.clock.Now().UnixMilli()
}

// OffsetMs is zero: the store's clock is the local clock.
func (s *MemStore) OffsetMs() int64 {
	return 0
}

func (s *MemStore) Get(_ context.Context, path string) (Snapshot, error) {
	parts, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, ErrStoreClosed
	}

	return s.snapshotLocked(path, parts), nil
}

func (s *MemStore) Put(_ context.Context, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	prepared, err := prepareValue(value, s.NowMs())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.writeLocked(parts, prepared)
	s.notifyLocked(parts)

	return nil
}

func (s *MemStore) Update(_ context.Context, path string, fields map[string]any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	if len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	current, _ := getAtPath(s.root, parts)

	merged, err := applyFields(current, fields, s.NowMs())
	if err != nil {
		return err
	}

	s.writeLocked(parts, merged)
	s.notifyLocked(parts)

	return nil
}

func (s *MemStore) Txn(_ context.Context, path string, fn TxnFunc) (Snapshot, bool, error) {
	parts, err := splitPath(path)
	if err != nil {
		return Snapshot{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, false, ErrStoreClosed
	}

	current, _ := getAtPath(s.root, parts)

	next, commit := fn(copyValue(current))
	if !commit {
		return s.snapshotLocked(path, parts), false, nil
	}

	prepared, err := prepareValue(next, s.NowMs())
	if err != nil {
		return Snapshot{}, false, err
	}

	s.writeLocked(parts, prepared)
	s.notifyLocked(parts)

	return s.snapshotLocked(path, parts), true, nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	return s.Put(ctx, path, nil)
}

func (s *MemStore) Watch(ctx context.Context, path string) (*Subscription, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	s.nextID++
	id := s.nextID

	watcher := &memWatcher{
		path:  path,
		parts: parts,
		ch:    make(chan Snapshot, 1),
	}

	s.subs[id] = watcher
	watcher.ch <- s.snapshotLocked(path, parts)

	sub := &Subscription{C: watcher.ch}

	var stop func() bool

	sub.cancel = func() {
		if stop != nil {
			stop()
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.subs[id]; !ok {
			return
		}

		delete(s.subs, id)
		close(watcher.ch)
	}

	stop = context.AfterFunc(ctx, sub.Close)

	return sub, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	for id, watcher := range s.subs {
		delete(s.subs, id)
		close(watcher.ch)
	}

	return nil
}

func (s *MemStore) snapshotLocked(path string, parts []string) Snapshot {
	value, ok := getAtPath(s.root, parts)

	return Snapshot{
		Path:   path,
		Value:  copyValue(value),
		Exists: ok,
	}
}

// writeLocked installs a prepared value. Nil deletes, and a write to the
// empty path swaps the whole tree.
func (s *MemStore) writeLocked(parts []string, prepared any) {
	if len(parts) == 0 {
		root, ok := prepared.(map[string]any)
		if !ok {
			root = map[string]any{}
		}

		s.root = root

		return
	}

	if prepared == nil {
		deleteAtPath(s.root, parts)

		return
	}

	setAtPath(s.root, parts, prepared)
}

func (s *MemStore) notifyLocked(parts []string) {
	for _, watcher := range s.subs {
		if pathsOverlap(parts, watcher.parts) {
			watcher.send(s.snapshotLocked(watcher.path, watcher.parts))
		}
	}
}

// send retains only the newest snapshot for a receiver that lags. Sends
// and channel closes both happen under the store mutex, so a send can
// never race a close.
func (w *memWatcher) send(snap Snapshot) {
	select {
	case w.ch <- snap:
		return
	default:
	}

	select {
	case <-w.ch:
	default:
	}

	select {
	case w.ch <- snap:
	default:
	}
}
