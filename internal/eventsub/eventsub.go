// Package eventsub implements the Event Subscriber (ES): it translates
// Shared-Store change notifications into in-process events for
// registered listeners. The correctness of the write coordinator's
// wait step depends on the delivery guarantees documented here, which
// is why ES is part of the core rather than a peer-side detail.
//
// The default Shared Store driver (modernc.org/sqlite, see
// internal/ackstore) exposes no native row-level change-notification
// API, so the change stream is a polling reader over the change_log
// outbox table AS populates in the same transaction as every ack insert,
// ack update and invalidation insert (ack deletes are not logged). The
// reader calls *ackstore.Store.PollChanges directly; there is no separate
// change-source interface for plugging in another stream.
package eventsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/hopswrite/writecoord/internal/ackstore"
	"github.com/hopswrite/writecoord/internal/coordwire"
	"github.com/hopswrite/writecoord/internal/telemetry"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
)

// EventKind mirrors the Shared Store's row-change kinds.
type EventKind string

const (
	KindInsert EventKind = "INSERT"
	KindUpdate EventKind = "UPDATE"
	KindDelete EventKind = "DELETE"
)

// ChangeEvent is one delivery: an event kind, the canonical event name
// the listener registered under, and a column-addressable post-value
// view (with an optional pre-value view for updates/deletes).
type ChangeEvent struct {
	Kind      EventKind
	EventName string
	post      map[string]any
	pre       map[string]any
}

// Int64 reads a post-value column.
func (e ChangeEvent) Int64(column string) (int64, bool) {
	v, ok := e.post[column]
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// Bool reads a post-value column.
func (e ChangeEvent) Bool(column string) (bool, bool) {
	v, ok := e.post[column]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// HasPre reports whether a pre-value view is present.
func (e ChangeEvent) HasPre() bool { return e.pre != nil }

// NewChangeEvent builds a ChangeEvent for delivery to listeners. Exported
// so code outside this package can construct events and hand them to a
// Listener without reaching into unexported fields.
func NewChangeEvent(kind EventKind, eventName string, post, pre map[string]any) ChangeEvent {
	return ChangeEvent{Kind: kind, EventName: eventName, post: post, pre: pre}
}

// Listener is a per-write callback. Function values are used instead of
// an interface hierarchy because listener lifetime is exactly the
// lifetime of one write.
type Listener func(ctx context.Context, event ChangeEvent) error

const (
	defaultPollInterval = 25 * time.Millisecond
	defaultBatchSize    = 256
	defaultWorkerLimit  = 8
)

// Subscriber is the Event Subscriber.
type Subscriber struct {
	store   *ackstore.Store
	log     logr.Logger
	metrics *telemetry.Metrics

	pollInterval time.Duration
	retryBackoff time.Duration
	retryMax     int

	subs *xsync.Map[string, *subscription]
}

// Option configures a Subscriber at construction time.
type Option func(*Subscriber)

// WithPollInterval overrides the default polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Subscriber) { s.pollInterval = d }
}

// WithRetryPolicy overrides the (re)establishment backoff and attempt cap.
func WithRetryPolicy(backoffBase time.Duration, maxAttempts int) Option {
	return func(s *Subscriber) {
		s.retryBackoff = backoffBase
		s.retryMax = maxAttempts
	}
}

// New builds a Subscriber over store.
func New(store *ackstore.Store, log logr.Logger, metrics *telemetry.Metrics, opts ...Option) *Subscriber {
	s := &Subscriber{
		store:        store,
		log:          log.WithName("eventsub"),
		metrics:      metrics,
		pollInterval: defaultPollInterval,
		retryBackoff: 50 * time.Millisecond,
		retryMax:     5,
		subs:         xsync.NewMap[string, *subscription](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type subscription struct {
	eventName  string
	tableName  string
	deployment int
	columns    []string

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
	opRefs    int
	cancel    context.CancelFunc
	done      chan struct{}
	lastSeq   int64
}

// RegisterEvent idempotently creates a named subscription descriptor for
// tableName in the given deployment. If recreateIfExisting is true, an
// existing descriptor (and its running operation, if any) is dropped and
// recreated; otherwise an existing descriptor is reused and created
// reports false.
func (s *Subscriber) RegisterEvent(eventName, tableName string, deployment int, columns []string, recreateIfExisting bool) (created bool, err error) {
	if existing, ok := s.subs.Load(eventName); ok {
		if !recreateIfExisting {
			return false, nil
		}
		s.stopSubscription(existing)
		s.subs.Delete(eventName)
	}
	sub := &subscription{
		eventName:  eventName,
		tableName:  tableName,
		deployment: deployment,
		columns:    columns,
		listeners:  make(map[uint64]Listener),
	}
	s.subs.Store(eventName, sub)
	return true, nil
}

// UnregisterEvent removes a subscription descriptor, stopping its
// operation first if one is running.
func (s *Subscriber) UnregisterEvent(eventName string) bool {
	sub, ok := s.subs.LoadAndDelete(eventName)
	if !ok {
		return false
	}
	s.stopSubscription(sub)
	return true
}

func (s *Subscriber) stopSubscription(sub *subscription) {
	sub.mu.Lock()
	cancel := sub.cancel
	done := sub.done
	sub.cancel = nil
	sub.opRefs = 0
	sub.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// CreateEventOperation starts (or, if already running, joins) the
// change-stream reader for eventName. Multiple callers may call this
// concurrently — the operation is refcounted and only the first caller
// actually starts the underlying goroutine.
func (s *Subscriber) CreateEventOperation(ctx context.Context, eventName string) error {
	sub, ok := s.subs.Load(eventName)
	if !ok {
		return coordwire.New(coordwire.KindSubscription, "eventsub.CreateEventOperation",
			fmt.Errorf("no such subscription %q", eventName))
	}

	sub.mu.Lock()
	sub.opRefs++
	alreadyRunning := sub.cancel != nil
	sub.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	if err := s.establishWithRetry(ctx, sub); err != nil {
		sub.mu.Lock()
		sub.opRefs--
		sub.mu.Unlock()
		return err
	}

	opCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub.mu.Lock()
	if sub.cancel != nil {
		// Another caller started the reader while this one was probing.
		sub.mu.Unlock()
		cancel()
		return nil
	}
	sub.cancel = cancel
	sub.done = done
	sub.mu.Unlock()

	go s.pollLoop(opCtx, sub, done)
	return nil
}

// DropEventOperation releases one reference on eventName's operation;
// the underlying reader stops once the last reference is dropped.
func (s *Subscriber) DropEventOperation(eventName string) error {
	sub, ok := s.subs.Load(eventName)
	if !ok {
		return coordwire.New(coordwire.KindSubscription, "eventsub.DropEventOperation",
			fmt.Errorf("no such subscription %q", eventName))
	}
	sub.mu.Lock()
	if sub.opRefs > 0 {
		sub.opRefs--
	}
	stop := sub.opRefs == 0 && sub.cancel != nil
	var cancel context.CancelFunc
	var done chan struct{}
	if stop {
		cancel = sub.cancel
		done = sub.done
		sub.cancel = nil
	}
	sub.mu.Unlock()
	if stop {
		cancel()
		<-done
	}
	return nil
}

// establishWithRetry probes the change source once, retrying with
// exponential backoff up to retryMax attempts before ES fails with a
// subscription error.
func (s *Subscriber) establishWithRetry(ctx context.Context, sub *subscription) error {
	attempt := 0
	probe := func() (struct{}, error) {
		attempt++
		if s.metrics != nil {
			s.metrics.SubscriptionRetry.Inc()
		}
		_, err := s.store.PollChanges(ctx, sub.deployment, sub.readLastSeq(), 1)
		if err != nil {
			if attempt >= s.retryMax {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBackoff
	maxElapsed := s.retryBackoff * time.Duration(1<<uint(s.retryMax))
	_, err := backoff.Retry(ctx, probe, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(maxElapsed))
	if err != nil {
		return coordwire.New(coordwire.KindSubscription, "eventsub.establishWithRetry", err)
	}
	return nil
}

func (sub *subscription) readLastSeq() int64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.lastSeq
}

// pollLoop is the long-lived task that owns one subscription's change
// stream. Rows are read and dispatched in strict commit order, one row
// at a time, so that two changes to the same key are always delivered
// in commit order; fan-out to that row's listeners runs concurrently on a
// bounded worker pool, so one slow listener does not delay the other
// listeners of the same row. The reader waits for every listener of a
// row to return before it dispatches the next row, so a slow listener
// does hold up later rows.
func (s *Subscriber) pollLoop(ctx context.Context, sub *subscription, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, sub)
		}
	}
}

func (s *Subscriber) pollOnce(ctx context.Context, sub *subscription) {
	lastSeq := sub.readLastSeq()
	rows, err := s.store.PollChanges(ctx, sub.deployment, lastSeq, defaultBatchSize)
	if err != nil {
		// Store-read errors are logged and retried at this layer; they
		// cannot cause ABORT by themselves.
		s.log.Error(err, "poll failed, will retry next tick", "event", sub.eventName)
		return
	}
	for _, row := range rows {
		if row.TableName != sub.tableName {
			sub.mu.Lock()
			sub.lastSeq = row.Seq
			sub.mu.Unlock()
			continue
		}
		event := ChangeEvent{
			Kind:      EventKind(row.Kind),
			EventName: sub.eventName,
			post: map[string]any{
				"namenode_id":  row.NodeID,
				"op_id":        int64(row.OpID),
				"acknowledged": row.Acknowledged,
			},
		}
		s.dispatch(ctx, sub, event)
		sub.mu.Lock()
		sub.lastSeq = row.Seq
		sub.mu.Unlock()
	}
}

func (s *Subscriber) dispatch(ctx context.Context, sub *subscription, event ChangeEvent) {
	sub.mu.Lock()
	listeners := make([]Listener, 0, len(sub.listeners))
	for _, l := range sub.listeners {
		listeners = append(listeners, l)
	}
	sub.mu.Unlock()

	if s.metrics != nil {
		s.metrics.EventsDispatched.WithLabelValues(sub.eventName, string(event.Kind)).Add(float64(len(listeners)))
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(defaultWorkerLimit)
	for _, listener := range listeners {
		listener := listener
		group.Go(func() error {
			s.invokeListener(gctx, listener, event, sub.eventName)
			return nil
		})
	}
	_ = group.Wait()
}

// invokeListener isolates a listener's error or panic so it neither
// breaks dispatch to other listeners nor halts the subscriber.
func (s *Subscriber) invokeListener(ctx context.Context, listener Listener, event ChangeEvent, eventName string) {
	defer func() {
		if r := recover(); r != nil {
			if s.metrics != nil {
				s.metrics.ListenerFailures.Inc()
			}
			s.log.Error(fmt.Errorf("listener panic: %v", r), "listener panicked", "event", eventName)
		}
	}()
	if err := listener(ctx, event); err != nil {
		if s.metrics != nil {
			s.metrics.ListenerFailures.Inc()
		}
		s.log.Error(err, "listener returned error", "event", eventName)
	}
}

// AddListener registers listener under eventName, returning an id used
// to remove it later.
func (s *Subscriber) AddListener(eventName string, listener Listener) (uint64, error) {
	sub, ok := s.subs.Load(eventName)
	if !ok {
		return 0, coordwire.New(coordwire.KindSubscription, "eventsub.AddListener",
			fmt.Errorf("no such subscription %q", eventName))
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.nextID++
	id := sub.nextID
	sub.listeners[id] = listener
	return id, nil
}

// RemoveListener deregisters a listener previously returned by AddListener.
func (s *Subscriber) RemoveListener(eventName string, id uint64) {
	sub, ok := s.subs.Load(eventName)
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.listeners, id)
	sub.mu.Unlock()
}
