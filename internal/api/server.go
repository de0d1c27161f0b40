// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/classwatch/internal/derive"
	"github.com/user/classwatch/internal/types"
	"github.com/user/classwatch/internal/window"
)

const (
	defaultRecent = 20
	maxBodyBytes  = 64 << 10
)

// Dashboard is the window state the API serves.
type Dashboard interface {
	Current() window.Snapshot
	Subscribe(c window.Consumer) (unsubscribe func())
	Reset(ctx context.Context) (int64, error)
}

// Server is the HTTP handler for the dashboard API.
type Server struct {
	dash       Dashboard
	sink       types.EventSink
	categories []string
	log        *slog.Logger
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
}

// NewServer creates a Server. sink may be nil, in which case POST
// /api/events is not available. categories are the alert behaviors counted
// by /api/stats.
func NewServer(dash Dashboard, sink types.EventSink, categories []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if len(categories) == 0 {
		categories = derive.DefaultAlertCategories
	}
	s := &Server{
		dash:       dash,
		sink:       sink,
		categories: categories,
		log:        log.With("component", "api"),
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/window", s.handleWindow)
	s.mux.HandleFunc("GET /api/distribution", s.handleDistribution)
	s.mux.HandleFunc("GET /api/students", s.handleStudents)
	s.mux.HandleFunc("GET /api/trend", s.handleTrend)
	s.mux.HandleFunc("GET /api/series", s.handleSeries)
	s.mux.HandleFunc("GET /api/recent", s.handleRecent)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/events", s.handleInsert)
	s.mux.HandleFunc("POST /api/reset", s.handleReset)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type statusResponse struct {
	Snapshot      window.SnapshotState `json:"snapshot"`
	Stream        window.StreamState   `json:"stream"`
	SnapshotError string               `json:"snapshot_error,omitempty"`
	StreamError   string               `json:"stream_error,omitempty"`
}

type windowResponse struct {
	WindowID types.WindowID `json:"window_id"`
	Version  uint64         `json:"version"`
	Status   statusResponse `json:"status"`
	Events   []types.Event  `json:"events"`
}

func toStatus(st window.Status) statusResponse {
	out := statusResponse{Snapshot: st.Snapshot, Stream: st.Stream}
	if st.SnapshotErr != nil {
		out.SnapshotError = st.SnapshotErr.Error()
	}
	if st.StreamErr != nil {
		out.StreamError = st.StreamErr.Error()
	}
	return out
}

func toWindow(snap window.Snapshot) windowResponse {
	events := snap.Events
	if events == nil {
		events = []types.Event{}
	}
	return windowResponse{
		WindowID: snap.WindowID,
		Version:  snap.Version,
		Status:   toStatus(snap.Status),
		Events:   events,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.dash.Current().Status
	status := "ok"
	if st.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "window": toStatus(st)})
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toWindow(s.dash.Current()))
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, derive.Distribution(s.dash.Current().Events))
}

// handleStudents serves the latest state per student. ?behavior= filters
// after the reduction; "All" or an empty value disables the filter.
func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	behavior := strings.TrimSpace(r.URL.Query().Get("behavior"))
	if strings.EqualFold(behavior, "all") {
		behavior = ""
	}
	writeJSON(w, http.StatusOK, derive.Roster(s.dash.Current().Events, behavior))
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	width := time.Hour
	if q := r.URL.Query().Get("bucket"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "bucket must be a positive duration")
			return
		}
		width = d
	}
	buckets := derive.Buckets(s.dash.Current().Events, width)
	if buckets == nil {
		buckets = []derive.Bucket{}
	}
	writeJSON(w, http.StatusOK, buckets)
}

// handleSeries serves the per-event trend. ?category= may repeat; without
// it every behavior present in the window is tracked.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	events := s.dash.Current().Events
	categories := r.URL.Query()["category"]
	if len(categories) == 0 {
		for c := range derive.Distribution(events) {
			categories = append(categories, c)
		}
		slices.Sort(categories)
	}
	writeJSON(w, http.StatusOK, derive.Series(events, categories))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecent
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, derive.Recent(s.dash.Current().Events, limit))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, derive.Summarize(s.dash.Current().Events, s.categories))
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "event insert not configured")
		return
	}
	var in types.NewEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ev, err := s.sink.Insert(r.Context(), in)
	if err != nil {
		if errors.Is(err, types.ErrMissingSubject) || errors.Is(err, types.ErrMissingCategory) || errors.Is(err, types.ErrConfidenceRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("insert event failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.dash.Reset(r.Context())
	if err != nil {
		s.log.Error("reset failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
