// Package window keeps the bounded, time-ordered buffer of the most recent
// classification events. A Session merges a one-shot snapshot load with a
// live insert stream and pushes every change to its registered consumers.
//
// All buffer mutations for a session run on a single event-loop goroutine,
// so consumers are called sequentially and never observe a half-applied
// change.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/user/classwatch/internal/types"
)

// DefaultCapacity is the number of events retained when no capacity is set.
const DefaultCapacity = 100

const opsBuffer = 256

// Consumer is called on the session's event loop for every change. It must
// not block for long and must not call Stop on the same session.
type Consumer func(Snapshot)

// Option configures a Session at Start.
type Option func(*Session)

// WithCapacity sets the maximum number of retained events.
func WithCapacity(n int) Option {
	return func(s *Session) { s.capacity = n }
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

type consumerEntry struct {
	id uint64
	fn Consumer
	// delivered is one past the last version handed to fn. Only the event
	// loop touches it.
	delivered *uint64
}

// deliver calls fn unless it has already seen this version.
func (e consumerEntry) deliver(snap Snapshot) {
	if *e.delivered > snap.Version {
		return
	}
	*e.delivered = snap.Version + 1
	e.fn(snap)
}

// Session is one lifecycle of the window: created by Start, discarded by
// Stop. Sessions share nothing, so several can run against the same source.
type Session struct {
	id       types.WindowID
	capacity int
	log      *slog.Logger

	mu           sync.RWMutex
	events       []types.Event
	status       Status
	version      uint64
	consumers    []consumerEntry
	nextConsumer uint64

	subMu     sync.Mutex
	sub       types.Subscription
	subClosed bool

	ops      chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start begins a session: it issues the snapshot fetch once and opens the
// live subscription, both without blocking the caller.
func Start(ctx context.Context, fetcher types.SnapshotFetcher, live types.LiveSubscriber, opts ...Option) *Session {
	s := &Session{
		id:       types.NewWindowID(),
		capacity: DefaultCapacity,
		log:      slog.Default(),
		status:   Status{Snapshot: SnapshotPending, Stream: StreamConnecting},
		ops:      make(chan func(), opsBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.capacity <= 0 {
		s.capacity = DefaultCapacity
	}
	s.log = s.log.With("window_id", string(s.id))
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.loop()
	go s.fetchSnapshot(fetcher)
	go s.openStream(live)

	s.log.Info("window started", "capacity", s.capacity)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() types.WindowID { return s.id }

// Capacity returns the maximum number of retained events.
func (s *Session) Capacity() int { return s.capacity }

// Stop closes the live subscription and shuts the event loop down. When Stop
// returns no consumer will be called again and the buffer is frozen.
// Calling Stop more than once is a no-op.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done

		s.mu.Lock()
		s.status.Stream = StreamClosed
		size := len(s.events)
		s.mu.Unlock()

		s.log.Info("window stopped", "size", size)
	})
}

// Done is closed once the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Events returns a copy of the buffer, oldest first.
func (s *Session) Events() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// Status returns the current snapshot and stream state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Current returns the full state with a private copy of the events.
func (s *Session) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		WindowID: s.id,
		Version:  s.version,
		Events:   slices.Clone(s.events),
		Status:   s.status,
	}
}

// Subscribe registers a consumer. The consumer first receives the current
// state, then one call per change, each with a higher Version than the
// last. The returned function unregisters it; a call already in flight may
// still complete.
func (s *Session) Subscribe(c Consumer) (unsubscribe func()) {
	s.mu.Lock()
	s.nextConsumer++
	id := s.nextConsumer
	entry := consumerEntry{id: id, fn: c, delivered: new(uint64)}
	s.consumers = append(s.consumers, entry)
	s.mu.Unlock()

	s.post(func() {
		s.mu.RLock()
		registered := slices.ContainsFunc(s.consumers, func(e consumerEntry) bool { return e.id == id })
		snap := s.snapshotLocked()
		s.mu.RUnlock()
		if registered {
			entry.deliver(snap)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.consumers = slices.DeleteFunc(s.consumers, func(e consumerEntry) bool { return e.id == id })
			s.mu.Unlock()
		})
	}
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.closeStream()
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			if s.ctx.Err() != nil {
				s.log.Debug("discarding update after teardown")
				return
			}
			op()
		}
	}
}

// post queues op on the event loop. It reports false, without running op,
// once the session has been torn down.
func (s *Session) post(op func()) bool {
	if s.ctx.Err() != nil {
		s.log.Debug("discarding update after teardown")
		return false
	}
	select {
	case s.ops <- op:
		return true
	case <-s.ctx.Done():
		s.log.Debug("discarding update after teardown")
		return false
	}
}

func (s *Session) fetchSnapshot(fetcher types.SnapshotFetcher) {
	fetched, err := fetcher.FetchRecent(s.ctx, s.capacity)
	if err != nil {
		s.post(func() { s.failSnapshot(err) })
		return
	}
	s.post(func() { s.installSnapshot(fetched) })
}

func (s *Session) openStream(live types.LiveSubscriber) {
	sub, err := live.Subscribe(s.ctx, s.onInsert, s.onStreamError)
	if err != nil {
		s.onStreamError(err)
		return
	}

	s.subMu.Lock()
	if s.subClosed {
		s.subMu.Unlock()
		if err := sub.Close(); err != nil {
			s.log.Warn("close late subscription", "error", err)
		}
		return
	}
	s.sub = sub
	s.subMu.Unlock()

	s.post(func() {
		if s.status.Stream != StreamConnecting {
			return
		}
		s.publish(s.events, func(st *Status) { st.Stream = StreamLive })
		s.log.Info("live stream connected")
	})
}

func (s *Session) closeStream() {
	s.subMu.Lock()
	s.subClosed = true
	sub := s.sub
	s.sub = nil
	s.subMu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		s.log.Warn("close live subscription", "error", err)
	}
}

func (s *Session) onInsert(ev types.Event) {
	s.post(func() { s.appendEvent(ev) })
}

func (s *Session) onStreamError(err error) {
	s.post(func() {
		if s.status.Stream == StreamDisconnected {
			return
		}
		wrapped := fmt.Errorf("%w: %w", ErrSubscriptionDisconnected, err)
		s.publish(s.events, func(st *Status) {
			st.Stream = StreamDisconnected
			st.StreamErr = wrapped
		})
		s.log.Warn("live stream disconnected", "error", err)
	})
}

// installSnapshot replaces the buffer with the fetched events, which arrive
// newest first. Anything appended by the live stream before this point is
// overwritten.
func (s *Session) installSnapshot(fetched []types.Event) {
	n := min(len(fetched), s.capacity)
	buf := make([]types.Event, n)
	for i := range n {
		buf[i] = fetched[n-1-i]
	}
	s.publish(buf, func(st *Status) {
		st.Snapshot = SnapshotLoaded
		st.SnapshotErr = nil
	})
	s.log.Info("snapshot installed", "size", n)
}

func (s *Session) failSnapshot(err error) {
	wrapped := fmt.Errorf("%w: %w", ErrSnapshotFetch, err)
	s.publish(s.events, func(st *Status) {
		st.Snapshot = SnapshotFailed
		st.SnapshotErr = wrapped
	})
	s.log.Error("snapshot fetch failed", "error", err)
}

// appendEvent keeps the newest capacity-1 events and adds ev at the tail.
func (s *Session) appendEvent(ev types.Event) {
	keep := s.events
	if len(keep) >= s.capacity {
		keep = keep[len(keep)-(s.capacity-1):]
	}
	buf := make([]types.Event, 0, len(keep)+1)
	buf = append(buf, keep...)
	buf = append(buf, ev)
	s.publish(buf, nil)
}

// publish swaps in a new buffer and status and notifies every consumer.
// Only the event loop calls it.
func (s *Session) publish(events []types.Event, update func(*Status)) {
	s.mu.Lock()
	s.events = events
	if update != nil {
		update(&s.status)
	}
	s.version++
	snap := s.snapshotLocked()
	consumers := slices.Clone(s.consumers)
	s.mu.Unlock()

	for _, c := range consumers {
		c.deliver(snap)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		WindowID: s.id,
		Version:  s.version,
		Events:   s.events,
		Status:   s.status,
	}
}
