package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisKeyPrefix     = "bookclub:doc:"
	redisChannelPrefix = "bookclub:ch:"
	redisTxnRetries    = 100
	redisProbeBurst    = 3
	redisProbeInterval = 30 * time.Second
)

// RedisStore keeps each room as one JSON document under a single Redis
// key. Writes run as optimistic WATCH/MULTI rounds so a concurrent
// writer forces a retry instead of a lost update, and every committed
// write publishes the new document on a per-room channel, which is what
// feeds watchers here and in every other server process sharing the
// same Redis.
type RedisStore struct {
	client *redis.Client
	clock  clockwork.Clock
	done   chan struct{}

	mu     sync.Mutex
	feeds  map[string]*redisFeed
	offset int64
	closed bool
}

// redisFeed is one pub/sub subscription shared by every watcher on the
// same document. It remembers the newest payload it has seen so a new
// watcher can be seeded without racing the feed.
type redisFeed struct {
	docKey string
	pubsub *redis.PubSub

	watchers  map[int64]*memWatcher
	nextID    int64
	hasLatest bool
	latest    any
	exists    bool
}

func NewRedisStore(ctx context.Context, opts *redis.Options) (*RedisStore, error) {
	return NewRedisStoreWithClock(ctx, opts, clockwork.NewRealClock())
}

// NewRedisStoreWithClock connects, verifies the server answers, and
// takes a first clock reading before returning.
func NewRedisStoreWithClock(ctx context.Context, opts *redis.Options, clock clockwork.Clock) (*RedisStore, error) {
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()

		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	s := &RedisStore{
		client: client,
		clock:  clock,
		done:   make(chan struct{}),
		feeds:  map[string]*redisFeed{},
	}

	if err := s.syncClock(ctx); err != nil {
		client.Close()

		return nil, err
	}

	go s.clockLoop()

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

	return s, nil
}

// NowMs is the Redis server's clock, tracked via TIME probes.
func (s *RedisStore) NowMs() int64 {
	return s.clock.Now().UnixMilli() + s.OffsetMs()
}

func (s *RedisStore) OffsetMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offset
}

func (s *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	docKey, rel, err := splitDocPath(path)
	if err != nil {
		return Snapshot{}, err
	}

	doc, exists, err := s.readDoc(ctx, docKey)
	if err != nil {
		return Snapshot{}, err
	}

	value, ok := projectValue(doc, exists, rel)

	return Snapshot{Path: path, Value: value, Exists: ok}, nil
}

func (s *RedisStore) Put(ctx context.Context, path string, value any) error {
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

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
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

func (s *RedisStore) Txn(ctx context.Context, path string, fn TxnFunc) (Snapshot, bool, error) {
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

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	return s.Put(ctx, path, nil)
}

func (s *RedisStore) Watch(ctx context.Context, path string) (*Subscription, error) {
	docKey, rel, err := splitDocPath(path)
	if err != nil {
		return nil, err
	}

	feed, err := s.feedFor(ctx, docKey)
	if err != nil {
		return nil, err
	}

	// Read after the subscription is live. Anything newer than this
	// read arrives through the feed, so nothing can be missed; the
	// feed's own cache below covers the reverse race, where a publish
	// lands between this read and the watcher registering.
	value, exists, err := s.readDoc(ctx, docKey)
	if err != nil {
		s.reapIfIdle(docKey, feed)

		return nil, err
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, ErrStoreClosed
	}

	if feed.hasLatest {
		value, exists = feed.latest, feed.exists
	}

	feed.nextID++
	id := feed.nextID

	watcher := &memWatcher{
		path:  path,
		parts: rel,
		ch:    make(chan Snapshot, 1),
	}

	feed.watchers[id] = watcher

	projected, ok := projectValue(value, exists, rel)
	watcher.ch <- Snapshot{Path: path, Value: copyValue(projected), Exists: ok}

	s.mu.Unlock()

	sub := &Subscription{C: watcher.ch}

	var stop func() bool

	sub.cancel = func() {
		if stop != nil {
			stop()
		}

		s.mu.Lock()

		if _, exists := feed.watchers[id]; !exists {
			s.mu.Unlock()

			return
		}

		delete(feed.watchers, id)
		close(watcher.ch)

		var reap *redis.PubSub

		if len(feed.watchers) == 0 && s.feeds[docKey] == feed {
			delete(s.feeds, docKey)
			reap = feed.pubsub
		}

		s.mu.Unlock()

		if reap != nil {
			reap.Close()
		}
	}

	stop = context.AfterFunc(ctx, sub.Close)

	return sub, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	close(s.done)

	feeds := make([]*redisFeed, 0, len(s.feeds))

	for docKey, feed := range s.feeds {
		delete(s.feeds, docKey)
		feeds = append(feeds, feed)

		for id, watcher := range feed.watchers {
			delete(feed.watchers, id)
			close(watcher.ch)
		}
	}

	s.mu.Unlock()

	for _, feed := range feeds {
		feed.pubsub.Close()
	}

	return s.client.Close()
}

// modifyDoc runs one read-modify-write round against a document,
// retrying while concurrent writers invalidate the WATCH. The write and
// its publish share a MULTI block, so subscribers never see a payload
// that did not commit.
func (s *RedisStore) modifyDoc(ctx context.Context, docKey string, mutate func(doc any, exists bool) (any, bool, error)) (any, bool, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, false, err
	}

	key := redisKeyPrefix + docKey
	channel := redisChannelPrefix + docKey

	var (
		outDoc    any
		outExists bool
		committed bool
	)

	txf := func(tx *redis.Tx) error {
		doc, exists, err := decodeDoc(tx.Get(ctx, key))
		if err != nil {
			return err
		}

		next, commit, err := mutate(doc, exists)
		if err != nil {
			return err
		}

		if !commit {
			outDoc, outExists, committed = doc, exists, false

			return nil
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, payload, 0)
			}

			pipe.Publish(ctx, channel, payload)

			return nil
		})
		if err != nil {
			return err
		}

		outDoc, outExists, committed = next, next != nil, true

		return nil
	}

	for range redisTxnRetries {
		err := s.client.Watch(ctx, txf, key)

		switch {
		case err == nil:
			return outDoc, outExists, committed, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, false, false, err
		}
	}

	return nil, false, false, fmt.Errorf("%w: %s contended past %d attempts", ErrConflict, docKey, redisTxnRetries)
}

func (s *RedisStore) readDoc(ctx context.Context, docKey string) (any, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	return decodeDoc(s.client.Get(ctx, redisKeyPrefix+docKey))
}

func decodeDoc(cmd *redis.StringCmd) (any, bool, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	var doc any

	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("decoding document: %w", err)
	}

	return doc, true, nil
}

// feedFor returns the live feed for a document, dialing the pub/sub
// subscription if this is the document's first watcher. The SUBSCRIBE
// handshake completes before this returns, so the feed covers every
// write from that point on.
func (s *RedisStore) feedFor(ctx context.Context, docKey string) (*redisFeed, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, ErrStoreClosed
	}

	if feed, exists := s.feeds[docKey]; exists {
		s.mu.Unlock()

		return feed, nil
	}

	s.mu.Unlock()

	pubsub := s.client.Subscribe(ctx, redisChannelPrefix+docKey)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()

		return nil, fmt.Errorf("subscribing to %s: %w", docKey, err)
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		pubsub.Close()

		return nil, ErrStoreClosed
	}

	if feed, exists := s.feeds[docKey]; exists {
		s.mu.Unlock()
		pubsub.Close()

		return feed, nil
	}

	feed := &redisFeed{
		docKey:   docKey,
		pubsub:   pubsub,
		watchers: map[int64]*memWatcher{},
	}

	s.feeds[docKey] = feed
	s.mu.Unlock()

	go s.runFeed(feed)

	return feed, nil
}

// reapIfIdle drops a feed that never gained a watcher.
func (s *RedisStore) reapIfIdle(docKey string, feed *redisFeed) {
	s.mu.Lock()

	if s.feeds[docKey] != feed || len(feed.watchers) > 0 {
		s.mu.Unlock()

		return
	}

	delete(s.feeds, docKey)
	s.mu.Unlock()

	feed.pubsub.Close()
}

// runFeed drains one subscription until its channel closes, fanning
// each payload out to the feed's watchers. A published null is the
// delete tombstone.
func (s *RedisStore) runFeed(feed *redisFeed) {
	for msg := range feed.pubsub.Channel() {
		var value any

		if err := json.Unmarshal([]byte(msg.Payload), &value); err != nil {
			log.Warn().Err(err).Str("doc", feed.docKey).Msg("Dropping undecodable feed payload")

			continue
		}

		s.mu.Lock()

		feed.hasLatest = true
		feed.latest = value
		feed.exists = value != nil

		for _, watcher := range feed.watchers {
			projected, ok := projectValue(value, feed.exists, watcher.parts)
			watcher.send(Snapshot{Path: watcher.path, Value: copyValue(projected), Exists: ok})
		}

		s.mu.Unlock()
	}
}

func (s *RedisStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return nil
}

func (s *RedisStore) syncClock(ctx context.Context) error {
	var (
		best    int64
		bestRTT = int64(-1)
	)

	for range redisProbeBurst {
		send := s.clock.Now().UnixMilli()

		serverTime, err := s.client.Time(ctx).Result()
		if err != nil {
			return fmt.Errorf("probing redis clock: %w", err)
		}

		recv := s.clock.Now().UnixMilli()

		if rtt := recv - send; bestRTT < 0 || rtt < bestRTT {
			bestRTT = rtt
			best = estimateOffset(send, recv, serverTime.UnixMilli())
		}
	}

	s.mu.Lock()
	s.offset = best
	s.mu.Unlock()

	return nil
}

func (s *RedisStore) clockLoop() {
	ticker := s.clock.NewTicker(redisProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			if err := s.syncClock(context.Background()); err != nil {
				log.Debug().Err(err).Msg("Redis clock probe failed")
			}
		}
	}
}
