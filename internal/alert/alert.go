// Package alert watches the window for students whose latest behavior moves
// into an alert category and delivers a notification for each transition.
package alert

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/classwatch/internal/derive"
	"github.com/user/classwatch/internal/types"
	"github.com/user/classwatch/internal/window"
)

const (
	defaultInFlight = 4
	historySize     = 20
	sendTimeout     = 15 * time.Second
)

// Deliverer sends a message to a set of destinations.
type Deliverer interface {
	Broadcast(ctx context.Context, keys []types.DeliveryKey, message string) error
}

// Alert is a single transition into an alert category.
type Alert struct {
	Subject    string
	Category   string
	Confidence float64
	EventID    types.EventID
	At         time.Time
}

// Message renders the alert as a chat line.
func (a Alert) Message() string {
	return fmt.Sprintf("Alert: %s is %s (confidence %.2f) at %s",
		a.Subject, a.Category, a.Confidence, a.At.Local().Format("15:04:05"))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxInFlight bounds concurrent deliveries. Alerts raised while the
// bound is reached are dropped.
func WithMaxInFlight(n int64) Option { return func(d *Dispatcher) { d.inFlight = n } }

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// Dispatcher is a window consumer. Its Consume method runs on the window's
// event loop and never blocks on delivery.
type Dispatcher struct {
	categories []string
	keys       []types.DeliveryKey
	out        Deliverer
	log        *slog.Logger
	inFlight   int64
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// touched only from Consume
	windowID types.WindowID
	primed   bool
	latest   map[string]types.Event

	mu      sync.Mutex
	history []Alert
	closed  bool
}

// NewDispatcher creates a dispatcher that alerts on categories and delivers
// to keys through out.
func NewDispatcher(categories []string, keys []types.DeliveryKey, out Deliverer, opts ...Option) *Dispatcher {
	if len(categories) == 0 {
		categories = derive.DefaultAlertCategories
	}
	d := &Dispatcher{
		categories: slices.Clone(categories),
		keys:       slices.Clone(keys),
		out:        out,
		log:        slog.Default(),
		inFlight:   defaultInFlight,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sem = semaphore.NewWeighted(d.inFlight)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Consume compares the latest state per subject with the previous change.
// The first loaded snapshot of each window only sets the baseline, so a
// restart does not repeat alerts for history.
func (d *Dispatcher) Consume(s window.Snapshot) {
	if s.WindowID != d.windowID {
		d.windowID = s.WindowID
		d.primed = false
		d.latest = nil
	}
	if !d.primed {
		if s.Status.Snapshot == window.SnapshotLoaded {
			d.latest = derive.LatestBySubject(s.Events)
			d.primed = true
		}
		return
	}

	current := derive.LatestBySubject(s.Events)
	var raised []Alert
	for name, ev := range current {
		if !slices.Contains(d.categories, ev.Category) {
			continue
		}
		prev, seen := d.latest[name]
		if seen && prev.ID == ev.ID {
			continue
		}
		if seen && slices.Contains(d.categories, prev.Category) && prev.Category == ev.Category {
			continue
		}
		raised = append(raised, Alert{
			Subject:    name,
			Category:   ev.Category,
			Confidence: ev.Confidence,
			EventID:    ev.ID,
			At:         ev.OccurredAt,
		})
	}
	d.latest = current

	slices.SortFunc(raised, func(a, b Alert) int { return cmp.Compare(a.EventID, b.EventID) })
	for _, a := range raised {
		d.raise(a)
	}
}

func (d *Dispatcher) raise(a Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, a)
	if len(d.history) > historySize {
		d.history = slices.Delete(d.history, 0, len(d.history)-historySize)
	}

	if len(d.keys) == 0 {
		return
	}
	if d.closed {
		d.log.Warn("alert not delivered, dispatcher closed", "subject", a.Subject, "behavior", a.Category)
		return
	}
	if !d.sem.TryAcquire(1) {
		d.log.Warn("alert dropped, deliveries saturated", "subject", a.Subject, "behavior", a.Category)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		ctx, cancel := context.WithTimeout(d.ctx, sendTimeout)
		defer cancel()
		if err := d.out.Broadcast(ctx, d.keys, a.Message()); err != nil {
			d.log.Error("alert delivery failed", "subject", a.Subject, "error", err)
			return
		}
		d.log.Info("alert delivered", "subject", a.Subject, "behavior", a.Category, "event_id", a.EventID)
	}()
}

// Recent returns up to n alerts, newest first.
func (d *Dispatcher) Recent(n int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	n = min(max(n, 0), len(d.history))
	out := make([]Alert, 0, n)
	for i := len(d.history) - 1; i >= len(d.history)-n; i-- {
		out = append(out, d.history[i])
	}
	return out
}

// Close cancels outstanding deliveries and waits for them to return.
// Alerts raised afterwards are kept in history but not delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
