package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/classwatch/internal/derive"
	"github.com/user/classwatch/internal/window"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// streamMessage is pushed on every window change.
type streamMessage struct {
	windowResponse
	Summary      derive.Summary `json:"summary"`
	Distribution map[string]int `json:"distribution"`
}

// handleStream upgrades to a WebSocket and pushes the window on every
// change. A slow client only ever sees the newest state: pending updates are
// replaced, never queued.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	latest := make(chan window.Snapshot, 1)
	unsubscribe := s.dash.Subscribe(func(snap window.Snapshot) {
		// the window calls consumers one at a time, so this is the only sender
		select {
		case <-latest:
		default:
		}
		latest <- snap
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	log := s.log.With("remote", r.RemoteAddr)
	log.Debug("stream client connected")
	for {
		select {
		case <-closed:
			log.Debug("stream client disconnected")
			return
		case <-r.Context().Done():
			return
		case snap := <-latest:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(s.streamMessage(snap)); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamMessage(snap window.Snapshot) streamMessage {
	return streamMessage{
		windowResponse: toWindow(snap),
		Summary:        derive.Summarize(snap.Events, s.categories),
		Distribution:   derive.Distribution(snap.Events),
	}
}
