package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// events streams scan state changes over a websocket. ?scan_id= restricts the
// stream to one scan. Slow clients miss events rather than stall scans.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger().WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	only := r.URL.Query().Get("scan_id")
	l := s.logger().WithFields(log.Fields{
		"remote": r.RemoteAddr,
		"caller": r.Header.Get(CallerHeader),
		"scan":   only,
	})
	l.Debug("Event stream opened")

	events, stop := s.Orchestrator.Subscribe(eventBuffer)
	defer stop()

	// The read loop only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-closed:
			l.Debug("Event stream closed by client")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if only != "" && ev.ScanID != only {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				l.WithError(err).Debug("Event stream write failed")
				return
			}
		}
	}
}
