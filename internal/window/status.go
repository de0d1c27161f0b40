package window

import (
	"errors"

	"github.com/user/classwatch/internal/types"
)

var (
	// ErrSnapshotFetch marks a failed initial load. The core never retries it.
	ErrSnapshotFetch = errors.New("snapshot fetch failed")
	// ErrSubscriptionDisconnected marks a live stream that has stopped
	// delivering. The core never reconnects on its own.
	ErrSubscriptionDisconnected = errors.New("live subscription disconnected")
)

type SnapshotState string

const (
	SnapshotPending SnapshotState = "pending"
	SnapshotLoaded  SnapshotState = "loaded"
	SnapshotFailed  SnapshotState = "failed"
)

type StreamState string

const (
	StreamConnecting   StreamState = "connecting"
	StreamLive         StreamState = "live"
	StreamDisconnected StreamState = "disconnected"
	StreamClosed       StreamState = "closed"
)

// Status is reported next to the buffer contents so consumers can render an
// error or degraded state without the window ever failing outright.
type Status struct {
	Snapshot    SnapshotState
	Stream      StreamState
	SnapshotErr error
	StreamErr   error
}

// Degraded reports whether either input of the window has failed.
func (s Status) Degraded() bool {
	return s.Snapshot == SnapshotFailed || s.Stream == StreamDisconnected
}

// Snapshot is what consumers see on every change. Events is shared between
// consumers and must be treated as read-only; the window never modifies a
// slice after publishing it.
type Snapshot struct {
	WindowID types.WindowID
	Version  uint64
	Events   []types.Event
	Status   Status
}
