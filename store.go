package fetchkit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Store retains the latest notification per key and pushes notifications to
// subscribers. Deliveries run on a single dispatcher goroutine in publish
// order, so a subscriber never sees notifications for a key out of order.
// Callbacks must not block for long; they delay every other delivery.
type Store struct {
	mu      sync.Mutex
	subs    map[RequestKey]map[uuid.UUID]*Subscription
	latest  map[RequestKey]notification
	floor   uint64
	queue   []delivery
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	count   int
	metrics *MetricsCollector
	logger  Logger
	debug   *DebugConfig
}

type notification struct {
	value any
	err   error
	seq   uint64
}

type delivery struct {
	sub *Subscription
	n   notification
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uuid.UUID
	key     RequestKey
	token   context.Context
	onValue func(any)
	onError func(error)
	active  atomic.Bool
	stop    func() bool // guarded by store.mu
	store   *Store
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Key returns the subscribed key.
func (s *Subscription) Key() RequestKey { return s.key }

// Active reports whether notifications may still be delivered.
func (s *Subscription) Active() bool {
	return s.active.Load() && s.token.Err() == nil
}

// Unsubscribe is shorthand for Store.Unsubscribe.
func (s *Subscription) Unsubscribe() {
	s.store.Unsubscribe(s)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreMetrics records subscriber and publish metrics.
func WithStoreMetrics(collector *MetricsCollector) StoreOption {
	return func(s *Store) {
		s.metrics = collector
	}
}

// WithStoreLogger sets the logger and enables store debug output.
func WithStoreLogger(logger Logger, debug *DebugConfig) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
		s.debug = debug
	}
}

// NewStore creates a store and starts its dispatcher. Call Close to stop it.
func NewStore(options ...StoreOption) *Store {
	s := &Store{
		subs:   make(map[RequestKey]map[uuid.UUID]*Subscription),
		latest: make(map[RequestKey]notification),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: NopLogger(),
	}
	for _, option := range options {
		option(s)
	}
	go s.dispatch()
	return s
}

// Subscribe registers callbacks for key until token is done or the
// subscription is removed. If a notification is retained for key, it is
// delivered first. Either callback may be nil.
func (s *Store) Subscribe(key RequestKey, token context.Context, onValue func(any), onError func(error)) (*Subscription, error) {
	if token == nil {
		token = context.Background()
	}
	sub := &Subscription{
		id:      uuid.New(),
		key:     key,
		token:   token,
		onValue: onValue,
		onError: onError,
		store:   s,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if token.Err() != nil {
		s.mu.Unlock()
		return sub, nil
	}
	sub.active.Store(true)
	byID, ok := s.subs[key]
	if !ok {
		byID = make(map[uuid.UUID]*Subscription)
		s.subs[key] = byID
	}
	byID[sub.id] = sub
	s.count++
	if n, ok := s.latest[key]; ok {
		s.enqueueLocked(delivery{sub: sub, n: n})
	}
	// The callback runs on its own goroutine and waits for s.mu.
	sub.stop = context.AfterFunc(token, func() {
		s.Unsubscribe(sub)
	})
	count := s.count
	s.mu.Unlock()

	s.metrics.RecordSubscribers(count)
	if s.logs() {
		s.logger.Debug("Subscribed", "key", key.String(), "subscription", sub.id.String())
	}
	return sub, nil
}

// Unsubscribe removes sub. Once it returns, nothing more is delivered to sub
// apart from a callback that was already under way. It is safe to call more
// than once and from inside a callback.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.Swap(false) {
		return
	}

	s.mu.Lock()
	stop := sub.stop
	if byID, ok := s.subs[sub.key]; ok {
		if _, ok := byID[sub.id]; ok {
			delete(byID, sub.id)
			s.count--
		}
		if len(byID) == 0 {
			delete(s.subs, sub.key)
		}
	}
	count := s.count
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.metrics.RecordSubscribers(count)
	if s.logs() {
		s.logger.Debug("Unsubscribed", "key", sub.key.String(), "subscription", sub.id.String())
	}
}

// Latest returns the retained notification for key.
func (s *Store) Latest(key RequestKey) (value any, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.latest[key]
	return n.value, n.err, ok
}

// Subscribers returns the number of live subscriptions for key.
func (s *Store) Subscribers(key RequestKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

// Close detaches every subscription and stops the dispatcher. Notifications
// still queued are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var all []*Subscription
	for _, byID := range s.subs {
		for _, sub := range byID {
			all = append(all, sub)
		}
	}
	s.queue = nil
	s.mu.Unlock()

	for _, sub := range all {
		s.Unsubscribe(sub)
	}
	close(s.done)
}

// publish retains n for key and queues it for every live subscriber. A
// notification older than the retained one, or older than the last reset,
// is dropped.
func (s *Store) publish(key RequestKey, value any, err error, seq uint64) bool {
	s.mu.Lock()
	if s.closed || seq < s.floor {
		s.mu.Unlock()
		return false
	}
	if prev, ok := s.latest[key]; ok && prev.seq > seq {
		s.mu.Unlock()
		return false
	}
	n := notification{value: value, err: err, seq: seq}
	s.latest[key] = n
	for _, sub := range s.subs[key] {
		s.enqueueLocked(delivery{sub: sub, n: n})
	}
	receivers := len(s.subs[key])
	s.mu.Unlock()

	kind := "value"
	if err != nil {
		kind = "error"
	}
	s.metrics.RecordPublish(kind)
	if s.logs() {
		s.logger.Debug("Published", "key", key.String(), "kind", kind, "subscribers", receivers)
	}
	return true
}

// reset drops every retained notification and rejects publications with a
// sequence below seq. Subscriptions are kept.
func (s *Store) reset(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = make(map[RequestKey]notification)
	if seq > s.floor {
		s.floor = seq
	}
}

func (s *Store) enqueueLocked(d delivery) {
	s.queue = append(s.queue, d)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, d := range batch {
			s.deliver(d)
		}
	}
}

func (s *Store) deliver(d delivery) {
	sub := d.sub
	// Liveness is checked at delivery time, not at publish time.
	if !sub.Active() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber callback panicked", "key", sub.key.String(), "subscription", sub.id.String(), "panic", fmt.Sprint(r))
		}
	}()
	if d.n.err != nil {
		if sub.onError != nil {
			sub.onError(d.n.err)
		}
		return
	}
	if sub.onValue != nil {
		sub.onValue(d.n.value)
	}
}

func (s *Store) logs() bool {
	return s.debug != nil && s.debug.Enabled && s.debug.LogStore
}

// SubscribeAs is Subscribe with a typed value callback. A retained or
// published value of another type is reported to onError as a DecodeError.
func SubscribeAs[T any](s *Store, key RequestKey, token context.Context, onValue func(T), onError func(error)) (*Subscription, error) {
	return s.Subscribe(key, token, func(v any) {
		typed, ok := v.(T)
		if !ok {
			if onError != nil {
				onError(&DecodeError{Kind: DecodeUnsupportedType, Cause: fmt.Errorf("value for %s is %T", key, v)})
			}
			return
		}
		if onValue != nil {
			onValue(typed)
		}
	}, onError)
}

// Lifecycle is a liveness token owned by a consumer. Ending it detaches every
// subscription bound to it.
type Lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLifecycle starts a lifecycle that also ends when parent is done.
func NewLifecycle(parent context.Context) *Lifecycle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Lifecycle{ctx: ctx, cancel: cancel}
}

// Context returns the token to pass to Subscribe and Fetch.
func (l *Lifecycle) Context() context.Context { return l.ctx }

// Alive reports whether End has not been called.
func (l *Lifecycle) Alive() bool { return l.ctx.Err() == nil }

// End tears the lifecycle down.
func (l *Lifecycle) End() { l.cancel() }
