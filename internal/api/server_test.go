package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/classwatch/internal/derive"
	"github.com/user/classwatch/internal/types"
	"github.com/user/classwatch/internal/window"
)

type fakeDashboard struct {
	mu        sync.Mutex
	snap      window.Snapshot
	consumers map[int]window.Consumer
	next      int
	resetN    int64
	resetErr  error
}

func (d *fakeDashboard) Current() window.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

func (d *fakeDashboard) Subscribe(c window.Consumer) func() {
	d.mu.Lock()
	if d.consumers == nil {
		d.consumers = make(map[int]window.Consumer)
	}
	d.next++
	id := d.next
	d.consumers[id] = c
	snap := d.snap
	d.mu.Unlock()
	c(snap)
	return func() {
		d.mu.Lock()
		delete(d.consumers, id)
		d.mu.Unlock()
	}
}

func (d *fakeDashboard) Reset(context.Context) (int64, error) {
	return d.resetN, d.resetErr
}

func (d *fakeDashboard) push(snap window.Snapshot) {
	d.mu.Lock()
	d.snap = snap
	consumers := make([]window.Consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		consumers = append(consumers, c)
	}
	d.mu.Unlock()
	for _, c := range consumers {
		c(snap)
	}
}

func (d *fakeDashboard) subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.consumers)
}

type fakeSink struct {
	got []types.NewEvent
	err error
}

func (s *fakeSink) Insert(_ context.Context, in types.NewEvent) (types.Event, error) {
	if err := in.Validate(); err != nil {
		return types.Event{}, err
	}
	if s.err != nil {
		return types.Event{}, s.err
	}
	s.got = append(s.got, in)
	return types.Event{ID: types.EventID(len(s.got)), SubjectName: in.SubjectName, Category: in.Category, Confidence: in.Confidence}, nil
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func sampleSnapshot() window.Snapshot {
	return window.Snapshot{
		WindowID: "w1",
		Version:  3,
		Status:   window.Status{Snapshot: window.SnapshotLoaded, Stream: window.StreamLive},
		Events: []types.Event{
			{ID: 1, OccurredAt: base, SubjectName: "Al", Category: "writing", Confidence: 0.9},
			{ID: 2, OccurredAt: base.Add(30 * time.Minute), SubjectName: "Bo", Category: "head down", Confidence: 0.8},
			{ID: 3, OccurredAt: base.Add(90 * time.Minute), SubjectName: "Al", Category: "head down", Confidence: 0.7},
		},
	}
}

func setupServer(t *testing.T) (*Server, *fakeDashboard, *fakeSink) {
	t.Helper()
	dash := &fakeDashboard{snap: sampleSnapshot()}
	sink := &fakeSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(dash, sink, nil, log), dash, sink
}

func get(t *testing.T, srv http.Handler, target string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return w.Code
}

func TestHealthEndpoint(t *testing.T) {
	srv, dash, _ := setupServer(t)

	var resp struct {
		Status string         `json:"status"`
		Window statusResponse `json:"window"`
	}
	if code := get(t, srv, "/health", &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp.Status != "ok" || resp.Window.Stream != window.StreamLive {
		t.Errorf("health = %+v", resp)
	}

	snap := sampleSnapshot()
	snap.Status.Stream = window.StreamDisconnected
	snap.Status.StreamErr = errors.New("gone")
	dash.push(snap)
	get(t, srv, "/health", &resp)
	if resp.Status != "degraded" || resp.Window.StreamError != "gone" {
		t.Errorf("degraded health = %+v", resp)
	}
}

func TestWindowEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	var resp windowResponse
	if code := get(t, srv, "/api/window", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.WindowID != "w1" || resp.Version != 3 || len(resp.Events) != 3 {
		t.Errorf("window = %+v", resp)
	}
	if resp.Events[0].ID != 1 || resp.Events[2].ID != 3 {
		t.Errorf("events not ascending: %+v", resp.Events)
	}
}

func TestWindowEndpointEmptyEventsIsArray(t *testing.T) {
	srv, dash, _ := setupServer(t)
	dash.push(window.Snapshot{WindowID: "w2"})

	req := httptest.NewRequest(http.MethodGet, "/api/window", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `"events":[]`) {
		t.Errorf("body = %s, want empty events array", w.Body.String())
	}
}

func TestDistributionEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	var dist map[string]int
	get(t, srv, "/api/distribution", &dist)
	if len(dist) != 2 || dist["head down"] != 2 || dist["writing"] != 1 {
		t.Errorf("distribution = %v", dist)
	}
}

func TestStudentsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"Al", "Bo"}},
		{"?behavior=All", []string{"Al", "Bo"}},
		{"?behavior=head+down", []string{"Al", "Bo"}},
		// Al's latest is head down, so the older writing event must not count
		{"?behavior=writing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var roster []types.Event
			get(t, srv, "/api/students"+tt.query, &roster)
			if len(roster) != len(tt.want) {
				t.Fatalf("roster = %+v, want %v", roster, tt.want)
			}
			for i, name := range tt.want {
				if roster[i].SubjectName != name {
					t.Errorf("roster[%d] = %s, want %s", i, roster[i].SubjectName, name)
				}
			}
		})
	}
}

func TestTrendEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	var hourly []derive.Bucket
	get(t, srv, "/api/trend", &hourly)
	if len(hourly) != 2 || hourly[0].Count != 2 || hourly[1].Count != 1 {
		t.Errorf("hourly = %+v", hourly)
	}

	var half []derive.Bucket
	get(t, srv, "/api/trend?bucket=30m", &half)
	if len(half) != 3 {
		t.Errorf("30m buckets = %d, want 3", len(half))
	}

	if code := get(t, srv, "/api/trend?bucket=soon", nil); code != http.StatusBadRequest {
		t.Errorf("bad bucket code = %d, want 400", code)
	}
}

func TestSeriesEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	var points []derive.Point
	get(t, srv, "/api/series", &points)
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	if points[0].Counts["writing"] != 1 || points[0].Counts["head down"] != 0 {
		t.Errorf("first point = %+v", points[0])
	}

	get(t, srv, "/api/series?category=writing", &points)
	if _, ok := points[1].Counts["head down"]; ok {
		t.Errorf("untracked category present: %+v", points[1])
	}
}

func TestRecentEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	var recent []types.Event
	get(t, srv, "/api/recent?limit=2", &recent)
	if len(recent) != 2 || recent[0].ID != 3 || recent[1].ID != 2 {
		t.Errorf("recent = %+v", recent)
	}
	get(t, srv, "/api/recent?limit=abc", &recent)
	if len(recent) != 3 {
		t.Errorf("default recent = %d, want 3", len(recent))
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	var sum derive.Summary
	get(t, srv, "/api/stats", &sum)
	if sum.Total != 3 || sum.ActiveSubjects != 2 || sum.Alerts != 2 {
		t.Errorf("stats = %+v", sum)
	}
}

func TestInsertEndpoint(t *testing.T) {
	srv, _, sink := setupServer(t)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w
	}

	w := post(`{"tracker_id":4,"name":"Cy","behavior":"upright","confidence":0.6}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(sink.got) != 1 || sink.got[0].TrackerID != 4 || sink.got[0].SubjectName != "Cy" {
		t.Errorf("sink got %+v", sink.got)
	}

	if w := post(`{"name":"Cy","confidence":0.6}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing behavior code = %d, want 400", w.Code)
	}
	if w := post(`not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json code = %d, want 400", w.Code)
	}

	sink.err = errors.New("disk I/O error")
	if w := post(`{"name":"Cy","behavior":"upright","confidence":0.6}`); w.Code != http.StatusInternalServerError {
		t.Errorf("store failure code = %d, want 500", w.Code)
	}
}

func TestInsertWithoutSink(t *testing.T) {
	srv := NewServer(&fakeDashboard{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestResetEndpoint(t *testing.T) {
	srv, dash, _ := setupServer(t)
	dash.resetN = 7

	req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]int64
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["deleted"] != 7 {
		t.Errorf("deleted = %d, want 7", resp["deleted"])
	}

	dash.resetErr = errors.New("database is locked")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reset", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("failed reset code = %d, want 500", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/reset", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestStreamPushesChanges(t *testing.T) {
	srv, dash, _ := setupServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg streamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if msg.Version != 3 || msg.Summary.Total != 3 || msg.Distribution["head down"] != 2 {
		t.Errorf("initial message = %+v", msg)
	}

	next := sampleSnapshot()
	next.Version = 4
	next.Events = append(next.Events, types.Event{ID: 4, OccurredAt: base.Add(2 * time.Hour), SubjectName: "Cy", Category: "upright"})
	dash.push(next)

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if msg.Version != 4 || len(msg.Events) != 4 || msg.Summary.ActiveSubjects != 3 {
		t.Errorf("update message = %+v", msg)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for dash.subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := dash.subscribers(); n != 0 {
		t.Errorf("subscribers after close = %d, want 0", n)
	}
}
