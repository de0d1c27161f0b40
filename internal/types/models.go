// internal/types/models.go
package types

import (
	"math"
	"time"
)

// Event is one classification result produced by the detector and stored
// upstream. Values are immutable once the store has assigned ID and
// OccurredAt.
type Event struct {
	ID          EventID   `json:"id"`
	OccurredAt  time.Time `json:"created_at"`
	SubjectName string    `json:"name"`
	Category    string    `json:"behavior"`
	Confidence  float64   `json:"confidence"`
	TrackerID   int64     `json:"tracker_id,omitempty"`
}

// NewEvent is the detector-side payload; the store assigns ID and time.
type NewEvent struct {
	TrackerID   int64   `json:"tracker_id"`
	SubjectName string  `json:"name"`
	Category    string  `json:"behavior"`
	Confidence  float64 `json:"confidence"`
}

// Validate checks the fields a detector must always send.
func (e NewEvent) Validate() error {
	if e.SubjectName == "" {
		return ErrMissingSubject
	}
	if e.Category == "" {
		return ErrMissingCategory
	}
	if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1 {
		return ErrConfidenceRange
	}
	return nil
}
