// Package derive computes read-only views over a window snapshot. Every
// function is pure: it reads an ascending slice of events and returns newly
// allocated output, so it is safe to call on every change notification.
package derive

import (
	"slices"
	"strings"
	"time"

	"github.com/user/classwatch/internal/types"
)

// DefaultAlertCategories are the behaviors the dashboard counts as alerts.
var DefaultAlertCategories = []string{"head down", "turning around"}

// Distribution counts events per category. Categories with no events are
// absent from the result.
func Distribution(events []types.Event) map[string]int {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Category]++
	}
	return counts
}

// LatestBySubject maps each subject to its most recent event. Events are
// read oldest first, so a later event always replaces an earlier one.
func LatestBySubject(events []types.Event) map[string]types.Event {
	latest := make(map[string]types.Event)
	for _, e := range events {
		latest[e.SubjectName] = e
	}
	return latest
}

// Roster returns the latest event per subject, sorted by subject name. When
// category is non-empty only subjects whose latest event has that category
// are kept; the filter runs after the reduction so an older matching event
// never stands in for a subject.
func Roster(events []types.Event, category string) []types.Event {
	latest := LatestBySubject(events)
	out := make([]types.Event, 0, len(latest))
	for _, e := range latest {
		if category != "" && e.Category != category {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b types.Event) int {
		return strings.Compare(a.SubjectName, b.SubjectName)
	})
	return out
}

// Bucket is the number of events whose time falls in [Start, Start+width).
type Bucket struct {
	Start      time.Time      `json:"start"`
	Count      int            `json:"count"`
	ByCategory map[string]int `json:"by_category"`
}

// Buckets groups events into fixed-width time buckets, ascending by start.
// Empty buckets are not emitted. A non-positive width means one hour.
func Buckets(events []types.Event, width time.Duration) []Bucket {
	if width <= 0 {
		width = time.Hour
	}
	var out []Bucket
	index := make(map[time.Time]int)
	for _, e := range events {
		start := e.OccurredAt.Truncate(width)
		i, ok := index[start]
		if !ok {
			i = len(out)
			index[start] = i
			out = append(out, Bucket{Start: start, ByCategory: make(map[string]int)})
		}
		out[i].Count++
		out[i].ByCategory[e.Category]++
	}
	slices.SortStableFunc(out, func(a, b Bucket) int { return a.Start.Compare(b.Start) })
	return out
}

// Recent returns the k newest events, newest first.
func Recent(events []types.Event, k int) []types.Event {
	k = max(0, min(k, len(events)))
	out := make([]types.Event, k)
	for i := range k {
		out[i] = events[len(events)-1-i]
	}
	return out
}

// Summary holds the headline counters of the dashboard.
type Summary struct {
	Total          int `json:"total"`
	ActiveSubjects int `json:"active_subjects"`
	Alerts         int `json:"alerts"`
}

// Summarize counts events, distinct subjects and events whose category is
// one of alertCategories.
func Summarize(events []types.Event, alertCategories []string) Summary {
	subjects := make(map[string]struct{})
	var alerts int
	for _, e := range events {
		subjects[e.SubjectName] = struct{}{}
		if slices.Contains(alertCategories, e.Category) {
			alerts++
		}
	}
	return Summary{
		Total:          len(events),
		ActiveSubjects: len(subjects),
		Alerts:         alerts,
	}
}

// Point is one sample of the per-event trend series.
type Point struct {
	At     time.Time      `json:"at"`
	Counts map[string]int `json:"counts"`
}

// Series emits one point per event with a 1 for the event's category and 0
// for every other tracked category, ready for a stacked chart.
func Series(events []types.Event, categories []string) []Point {
	out := make([]Point, 0, len(events))
	for _, e := range events {
		counts := make(map[string]int, len(categories))
		for _, c := range categories {
			counts[c] = 0
		}
		if _, tracked := counts[e.Category]; tracked {
			counts[e.Category] = 1
		}
		out = append(out, Point{At: e.OccurredAt, Counts: counts})
	}
	return out
}
