// internal/types/interfaces.go
package types

import (
	"context"
)

// SnapshotFetcher returns up to limit of the most recent events, newest first.
type SnapshotFetcher interface {
	FetchRecent(ctx context.Context, limit int) ([]Event, error)
}

// LiveSubscriber delivers every newly inserted event to onInsert, in insert
// order, until the returned Subscription is closed. Transport failures are
// reported once through onError, after which no more events arrive.
type LiveSubscriber interface {
	Subscribe(ctx context.Context, onInsert func(Event), onError func(error)) (Subscription, error)
}

type Subscription interface {
	Close() error
}

type BulkDeleter interface {
	DeleteAll(ctx context.Context) (int64, error)
}

type EventSink interface {
	Insert(ctx context.Context, event NewEvent) (Event, error)
}
