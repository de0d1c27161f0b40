package derive

import (
	"testing"
	"time"

	"github.com/user/classwatch/internal/types"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func ev(id int64, offset time.Duration, name, behavior string) types.Event {
	return types.Event{
		ID:          types.EventID(id),
		OccurredAt:  t0.Add(offset),
		SubjectName: name,
		Category:    behavior,
		Confidence:  0.8,
	}
}

func sample() []types.Event {
	return []types.Event{
		ev(1, 0, "Al", "head down"),
		ev(2, 10*time.Minute, "Bo", "writing"),
		ev(3, 50*time.Minute, "Al", "writing"),
		ev(4, 70*time.Minute, "Cy", "turning around"),
		ev(5, 80*time.Minute, "Bo", "head down"),
	}
}

func TestDistribution(t *testing.T) {
	got := Distribution(sample())
	want := map[string]int{"head down": 2, "writing": 2, "turning around": 1}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("expected %s=%d, got %d", k, v, got[k])
		}
	}
	if _, ok := got["upright"]; ok {
		t.Error("absent category should not appear in distribution")
	}
}

func TestLatestBySubject(t *testing.T) {
	got := LatestBySubject(sample())
	if len(got) != 3 {
		t.Fatalf("expected 3 subjects, got %d", len(got))
	}
	if got["Al"].ID != 3 || got["Bo"].ID != 5 || got["Cy"].ID != 4 {
		t.Errorf("unexpected latest map: %+v", got)
	}
}

func TestLatestBySubjectDuplicateFinalEvent(t *testing.T) {
	events := sample()
	once := LatestBySubject(events)
	twice := LatestBySubject(append(events, events[len(events)-1]))
	if once["Bo"] != twice["Bo"] {
		t.Errorf("expected same entry, got %+v and %+v", once["Bo"], twice["Bo"])
	}
}

func TestRosterFiltersAfterReduction(t *testing.T) {
	// Al wrote after having their head down: Al must not be listed under
	// "head down" even though an older event matches.
	got := Roster(sample(), "head down")
	if len(got) != 1 || got[0].SubjectName != "Bo" {
		t.Fatalf("expected only Bo, got %+v", got)
	}

	all := Roster(sample(), "")
	names := []string{}
	for _, e := range all {
		names = append(names, e.SubjectName)
	}
	if len(names) != 3 || names[0] != "Al" || names[1] != "Bo" || names[2] != "Cy" {
		t.Errorf("expected sorted roster [Al Bo Cy], got %v", names)
	}

	if none := Roster(sample(), "upright"); len(none) != 0 {
		t.Errorf("expected empty roster, got %+v", none)
	}
}

func TestBuckets(t *testing.T) {
	got := Buckets(sample(), time.Hour)
	if len(got) != 2 {
		t.Fatalf("expected 2 buckets, got %d: %+v", len(got), got)
	}
	if !got[0].Start.Equal(t0) || got[0].Count != 3 {
		t.Errorf("unexpected first bucket %+v", got[0])
	}
	if !got[1].Start.Equal(t0.Add(time.Hour)) || got[1].Count != 2 {
		t.Errorf("unexpected second bucket %+v", got[1])
	}
	if got[1].ByCategory["head down"] != 1 || got[1].ByCategory["turning around"] != 1 {
		t.Errorf("unexpected category split %v", got[1].ByCategory)
	}
}

func TestBucketsOmitsGapsAndDefaultsWidth(t *testing.T) {
	events := []types.Event{
		ev(1, 0, "Al", "writing"),
		ev(2, 5*time.Hour, "Al", "writing"),
	}
	got := Buckets(events, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 buckets without gap filling, got %d", len(got))
	}
	if got[1].Start.Sub(got[0].Start) != 5*time.Hour {
		t.Errorf("unexpected bucket starts %v and %v", got[0].Start, got[1].Start)
	}
}

func TestRecent(t *testing.T) {
	events := sample()
	tests := []struct {
		k    int
		want []types.EventID
	}{
		{0, nil},
		{2, []types.EventID{5, 4}},
		{10, []types.EventID{5, 4, 3, 2, 1}},
		{-1, nil},
	}
	for _, tt := range tests {
		got := Recent(events, tt.k)
		if len(got) != len(tt.want) {
			t.Fatalf("k=%d: expected %d events, got %d", tt.k, len(tt.want), len(got))
		}
		for i := range got {
			if got[i].ID != tt.want[i] {
				t.Errorf("k=%d: expected %v at %d, got %d", tt.k, tt.want[i], i, got[i].ID)
			}
		}
	}
	if events[0].ID != 1 || events[4].ID != 5 {
		t.Error("Recent must not reorder its input")
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize(sample(), DefaultAlertCategories)
	want := Summary{Total: 5, ActiveSubjects: 3, Alerts: 3}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSeries(t *testing.T) {
	got := Series(sample(), []string{"head down", "writing", "upright"})
	if len(got) != 5 {
		t.Fatalf("expected 5 points, got %d", len(got))
	}
	first := got[0].Counts
	if first["head down"] != 1 || first["writing"] != 0 || first["upright"] != 0 {
		t.Errorf("unexpected first point %v", first)
	}
	if _, ok := got[3].Counts["turning around"]; ok {
		t.Errorf("untracked category should not appear, got %v", got[3].Counts)
	}
}
