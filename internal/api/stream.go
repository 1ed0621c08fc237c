package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/voicetask/internal/events"
)

const (
	streamBuffer = 128
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	pongWait     = pingPeriod * 2
)

// handleEvents upgrades to a WebSocket and streams every event as a
// JSON text frame. ?kinds=completed,failed narrows the stream.
// Inbound frames other than pongs and close are discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var filter map[events.Kind]bool
	if k := r.URL.Query().Get("kinds"); k != "" {
		filter = make(map[events.Kind]bool)
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter[events.Kind(part)] = true
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.sdk.Subscribe(streamBuffer)
	defer s.sdk.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	defer s.logger.Debug("event stream closed", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.stopping():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if filter != nil && !filter[e.Kind] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
