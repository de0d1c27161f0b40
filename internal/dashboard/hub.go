// Package dashboard owns the window session that the daemon serves. It
// keeps consumers attached across restarts, implements the reset action and
// restarts the window with backoff when its inputs fail.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/classwatch/internal/retry"
	"github.com/user/classwatch/internal/types"
	"github.com/user/classwatch/internal/window"
)

// Source is the upstream store as seen by the hub.
type Source interface {
	types.SnapshotFetcher
	types.LiveSubscriber
	types.BulkDeleter
}

// Option configures a Hub.
type Option func(*Hub)

// WithCapacity sets the window capacity used for every session.
func WithCapacity(n int) Option { return func(h *Hub) { h.capacity = n } }

// WithReconnectPolicy sets the backoff used to restart a degraded window.
func WithReconnectPolicy(p *retry.Policy) Option { return func(h *Hub) { h.reconnect = p } }

// WithDeletePolicy sets the retry policy for the bulk delete issued by Reset.
func WithDeletePolicy(p *retry.Policy) Option { return func(h *Hub) { h.delete = p } }

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.log = l } }

type failure struct {
	window types.WindowID
	err    error
}

// Hub holds the current window session and the consumers that follow it.
type Hub struct {
	source    Source
	capacity  int
	reconnect *retry.Policy
	delete    *retry.Policy
	log       *slog.Logger

	restartMu sync.Mutex // serialises Restart

	mu        sync.Mutex
	session   *window.Session
	consumers []hubConsumer
	nextID    uint64

	attempts  atomic.Int64
	pendingMu sync.Mutex
	pending   *failure
	notify    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type hubConsumer struct {
	id     uint64
	fn     window.Consumer
	detach func()
}

// New creates a Hub reading from source. Call Start before use.
func New(source Source, opts ...Option) *Hub {
	h := &Hub{
		source:    source,
		capacity:  window.DefaultCapacity,
		reconnect: &retry.Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		delete:    retry.Default(),
		log:       slog.Default(),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start opens the first window session and the reconnect supervisor.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.supervise()
	h.Restart()
}

// Stop tears down the current session and the supervisor.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.restartMu.Lock()
	defer h.restartMu.Unlock()
	h.mu.Lock()
	sess := h.session
	h.session = nil
	h.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// Current returns the state of the active session. Before the first
// session starts, and briefly during a restart, it is an empty snapshot.
func (h *Hub) Current() window.Snapshot {
	h.mu.Lock()
	sess := h.session
	h.mu.Unlock()
	if sess == nil {
		return window.Snapshot{Status: window.Status{Snapshot: window.SnapshotPending, Stream: window.StreamConnecting}}
	}
	return sess.Current()
}

// Subscribe attaches c to the current session and to every session started
// after it. Snapshots carry their WindowID, so a consumer can tell a restart
// from an ordinary change.
func (h *Hub) Subscribe(c window.Consumer) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	entry := hubConsumer{id: h.nextID, fn: c}
	if h.session != nil {
		entry.detach = h.session.Subscribe(c)
	}
	h.consumers = append(h.consumers, entry)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			i := slices.IndexFunc(h.consumers, func(e hubConsumer) bool { return e.id == entry.id })
			var detach func()
			if i >= 0 {
				detach = h.consumers[i].detach
				h.consumers = slices.Delete(h.consumers, i, i+1)
			}
			h.mu.Unlock()
			if detach != nil {
				detach()
			}
		})
	}
}

// Restart stops the current session and starts a fresh one, which fetches
// a new snapshot and opens a new live subscription.
func (h *Hub) Restart() {
	h.restartMu.Lock()
	defer h.restartMu.Unlock()
	if h.ctx == nil || h.ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	old := h.session
	h.session = nil
	h.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	sess := window.Start(h.ctx, h.source, h.source,
		window.WithCapacity(h.capacity),
		window.WithLogger(h.log),
	)
	sess.Subscribe(h.watch)

	h.mu.Lock()
	h.session = sess
	for i := range h.consumers {
		h.consumers[i].detach = sess.Subscribe(h.consumers[i].fn)
	}
	h.mu.Unlock()
}

// Reset deletes every stored event and restarts the window so it reloads
// from the now empty store.
func (h *Hub) Reset(ctx context.Context) (int64, error) {
	var deleted int64
	err := h.delete.Execute(ctx, func() error {
		n, err := h.source.DeleteAll(ctx)
		deleted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reset: %w", err)
	}
	h.log.Info("window reset", "deleted", deleted)
	h.Restart()
	return deleted, nil
}

// watch runs on the session's event loop, so it only signals the supervisor.
func (h *Hub) watch(s window.Snapshot) {
	st := s.Status
	if st.Snapshot == window.SnapshotLoaded && st.Stream == window.StreamLive {
		h.attempts.Store(0)
		return
	}
	if !st.Degraded() {
		return
	}
	err := st.StreamErr
	if st.Snapshot == window.SnapshotFailed {
		err = st.SnapshotErr
	}
	h.pendingMu.Lock()
	h.pending = &failure{window: s.WindowID, err: err}
	h.pendingMu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Hub) takeFailure() (failure, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if h.pending == nil {
		return failure{}, false
	}
	f := *h.pending
	h.pending = nil
	return f, true
}

func (h *Hub) supervise() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.notify:
			f, ok := h.takeFailure()
			if !ok || h.currentID() != f.window {
				continue
			}
			attempt := int(h.attempts.Add(1))
			if !h.reconnect.ShouldRetry(f.err, attempt) {
				h.log.Error("window degraded, not restarting", "window_id", f.window, "attempt", attempt, "error", f.err)
				continue
			}
			delay := h.reconnect.NextDelay(attempt)
			h.log.Warn("window degraded, restarting", "window_id", f.window, "attempt", attempt, "delay", delay, "error", f.err)
			select {
			case <-time.After(delay):
			case <-h.ctx.Done():
				return
			}
			if h.currentID() == f.window {
				h.Restart()
			}
		}
	}
}

func (h *Hub) currentID() types.WindowID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return ""
	}
	return h.session.ID()
}
