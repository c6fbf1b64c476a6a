package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/zetapush/zetapush-log-server/internal/model"
)

// DefaultSubscriberBuffer is the number of undelivered snapshots a
// subscriber may hold before the oldest is dropped.
const DefaultSubscriberBuffer = 16

// ErrSubscriptionClosed is returned by Next once the subscription is closed.
var ErrSubscriptionClosed = errors.New("engine: subscription closed")

// Aggregator owns the process trace log and broadcasts every new snapshot
// to its subscribers. Appends and publishes are serialized by one lock, so
// every subscriber sees snapshots in log order.
//
// A subscriber that falls behind loses its oldest undelivered snapshots, not
// events: each snapshot contains all the events of the ones before it.
type Aggregator struct {
	mu     sync.Mutex
	log    *TraceLog
	latest Snapshot
	subs   map[string]*Subscription
	order  []*Subscription
	buffer int
	stats  *Stats
	logger *slog.Logger
}

// NewAggregator creates an Aggregator over an empty trace log. stats may be nil.
func NewAggregator(buffer int, stats *Stats, logger *slog.Logger) *Aggregator {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := NewTraceLog()
	return &Aggregator{
		log:    log,
		latest: log.Snapshot(),
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		stats:  stats,
		logger: logger,
	}
}

// Append adds an event to the log and publishes the resulting snapshot.
func (a *Aggregator) Append(ev model.TraceEvent) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.log.Append(ev)
	a.publishLocked(snap)
	if a.stats != nil {
		a.stats.Record(ev)
	}
	return snap
}

// Publish makes snap the latest value and hands it to every subscriber, in
// subscription order, before returning. A snapshot older than the current
// latest is ignored: subscribers must never see events disappear.
func (a *Aggregator) Publish(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if snap.Len() < a.latest.Len() {
		a.logger.Warn("ignoring stale snapshot",
			"snapshot_len", snap.Len(),
			"latest_len", a.latest.Len(),
		)
		return
	}
	a.publishLocked(snap)
}

func (a *Aggregator) publishLocked(snap Snapshot) {
	a.latest = snap
	for _, sub := range a.order {
		sub.deliver(snap)
	}
}

// Latest returns the most recently published snapshot.
func (a *Aggregator) Latest() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// Subscribe registers a subscriber. The current latest snapshot is queued
// immediately, then every later one until Close.
func (a *Aggregator) Subscribe() *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		agg:      a,
		capacity: a.buffer,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs[sub.id] = sub
	a.order = append(a.order, sub)
	sub.deliver(a.latest)
	return sub
}

// Subscribers returns the number of open subscriptions.
func (a *Aggregator) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func (a *Aggregator) unsubscribe(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.subs[id]; !ok {
		return
	}
	delete(a.subs, id)
	for i, sub := range a.order {
		if sub.id == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Subscription receives snapshots from an Aggregator.
type Subscription struct {
	id  string
	agg *Aggregator

	mu       sync.Mutex
	queue    []Snapshot
	capacity int
	dropped  uint64
	closed   bool

	// notify (capacity 1) wakes Next when the queue becomes non-empty.
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// deliver queues snap, dropping the oldest queued snapshot when full.
func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		s.queue[0] = Snapshot{}
		s.queue = s.queue[1:]
		s.dropped++
		if s.agg.stats != nil {
			s.agg.stats.RecordDropped()
		}
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot is available, the subscription is closed, or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Snapshot{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			snap := s.queue[0]
			s.queue[0] = Snapshot{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return snap, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// Dropped returns how many snapshots were discarded because the subscriber
// did not keep up.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.agg.unsubscribe(s.id)
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}
