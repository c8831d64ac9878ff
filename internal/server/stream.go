package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"pushdeploy/internal/broadcast"
	"pushdeploy/internal/domain"
)

const (
	socketWriteWait = 10 * time.Second
	socketReadLimit = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HandleLogStream streams a deployment's log as server-sent events: every
// line so far, then live lines, then one status event.
func (s *Server) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.Orchestrator.Subscribe(r.Context(), id)
	if err != nil {
		s.respondLookupError(w, id, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.Logger.Debug("Could not clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	defer s.Metrics.StreamOpened("sse")()

	send := func(event domain.StreamEvent, id string) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if id != "" {
			if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case entry, ok := <-sub.C():
			if !ok {
				_ = send(s.finalEvent(r.Context(), id, sub), "")
				return
			}
			if err := send(domain.LogEvent(entry), strconv.FormatInt(entry.Seq, 10)); err != nil {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// HandleLogSocket serves the same feed as HandleLogStream over a WebSocket,
// one JSON message per event.
func (s *Server) HandleLogSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.Orchestrator.Subscribe(r.Context(), id)
	if err != nil {
		s.respondLookupError(w, id, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.Logger.Warn("WebSocket upgrade failed", "deployment_id", id, "error", err)
		return
	}
	defer conn.Close()

	defer s.Metrics.StreamOpened("websocket")()

	// The read loop only watches for the peer going away
	gone := make(chan struct{})
	conn.SetReadLimit(socketReadLimit)
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(event domain.StreamEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		return conn.WriteJSON(event)
	}

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case entry, ok := <-sub.C():
			if !ok {
				if err := send(s.finalEvent(r.Context(), id, sub)); err != nil {
					return
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(socketWriteWait))
				return
			}
			if err := send(domain.LogEvent(entry)); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				return
			}

		case <-gone:
			return
		}
	}
}

// finalEvent is the event that ends a feed once the subscription closes
func (s *Server) finalEvent(ctx context.Context, id string, sub *broadcast.Subscription) domain.StreamEvent {
	if sub.Dropped() {
		s.Logger.Warn("Log subscriber fell behind and was dropped", "deployment_id", id)
		return domain.StreamEvent{Type: domain.EventError, Error: "subscriber fell behind"}
	}

	d, err := s.Orchestrator.Get(ctx, id)
	if err != nil {
		s.Logger.Error("Failed to load deployment for status event", "deployment_id", id, "error", err)
		return domain.StreamEvent{Type: domain.EventError, Error: "failed to load deployment status"}
	}
	return domain.StatusEvent(d)
}
