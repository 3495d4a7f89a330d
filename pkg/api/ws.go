package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write to a slow client
	writeWait = 10 * time.Second
	// pingInterval keeps idle connections alive through proxies
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback by default; origin checks are left to a
	// fronting proxy when exposed further
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket streams bus events to the client as JSON frames. The
// subscription is lossy: a client that cannot keep up misses events
// rather than stalling publishers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.orch.Subscribe()
	defer s.orch.Unsubscribe(sub)

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	// Reader goroutine: surfaces client disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
			return
		}
	}
}
