package store

import (
	"context"
	"errors"
	"sync"

	"github.com/user/classwatch/internal/types"
)

const defaultFeedBuffer = 1024

var (
	// ErrClosed is reported to subscribers when the store shuts down.
	ErrClosed = errors.New("store closed")
	// ErrSlowSubscriber is reported when a subscriber's backlog overflows.
	// The subscriber is disconnected rather than silently skipping inserts.
	ErrSlowSubscriber = errors.New("subscriber fell behind the insert feed")
)

type feed struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	buffer int
}

func newFeed(buffer int) *feed {
	return &feed{subs: make(map[uint64]*subscriber), buffer: buffer}
}

type subscriber struct {
	id       uint64
	feed     *feed
	ch       chan types.Event
	onInsert func(types.Event)
	onError  func(error)

	quit chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func (f *feed) subscribe(ctx context.Context, onInsert func(types.Event), onError func(error)) (*subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	buffer := f.buffer
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	f.nextID++
	sub := &subscriber{
		id:       f.nextID,
		feed:     f,
		ch:       make(chan types.Event, buffer),
		onInsert: onInsert,
		onError:  onError,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	f.subs[sub.id] = sub
	go sub.run(ctx)
	return sub, nil
}

func (f *feed) publish(ev types.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(f.subs, id)
			sub.stop(ErrSlowSubscriber)
		}
	}
}

func (f *feed) remove(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

func (f *feed) closeAll(err error) {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*subscriber)
	f.closed = true
	f.mu.Unlock()

	for _, sub := range subs {
		sub.stop(err)
	}
	for _, sub := range subs {
		<-sub.done
	}
}

func (s *subscriber) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.quit)
	})
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer s.feed.remove(s.id)
	for {
		select {
		case <-s.quit:
			if s.err != nil {
				s.onError(s.err)
			}
			return
		case <-ctx.Done():
			return
		case ev := <-s.ch:
			s.onInsert(ev)
		}
	}
}

// Close ends the subscription and waits for an in-flight delivery to
// finish. It must not be called from inside onInsert.
func (s *subscriber) Close() error {
	s.stop(nil)
	<-s.done
	return nil
}
