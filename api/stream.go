package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/course-builder-go/observe"
	eventstore "github.com/PipeOpsHQ/course-builder-go/observe/store"
)

const (
	backlogLimit = 200
	pingInterval = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// handleSSE replays the session's interaction log, then forwards live
// events until the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.cfg.Sessions.Get(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	live := s.subscribe()
	defer live.close()
	w.WriteHeader(http.StatusOK)

	if s.cfg.Log != nil {
		backlog, err := s.cfg.Log.ListEventsBySession(r.Context(), sessionID, eventstore.ListQuery{Limit: backlogLimit})
		if err != nil {
			log.Printf("[api] session=%s backlog failed: %v", sessionID, err)
		}
		for _, event := range backlog {
			if err := writeSSE(w, event); err != nil {
				return
			}
		}
	}
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-live.events:
			if !ok {
				return
			}
			if event.SessionID != sessionID {
				continue
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event observe.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if name := event.EventType(); name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (s *Server) upgrader() *websocket.Upgrader {
	origins := map[string]bool{}
	allowAll := false
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowAll || origins[origin]
		},
	}
}

// handleWebsocket forwards live events for one session. Messages from
// the client are read only to notice disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.cfg.Sessions.Get(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	live := s.subscribe()
	defer live.close()
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] session=%s websocket upgrade failed: %v", sessionID, err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
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
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case event, ok := <-live.events:
			if !ok {
				return
			}
			if event.SessionID != sessionID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

type subscription struct {
	events <-chan observe.Event
	close  func()
}

// subscribe attaches to the hub. Without a hub the channel never yields.
func (s *Server) subscribe() subscription {
	if s.cfg.Hub == nil {
		return subscription{events: make(chan observe.Event), close: func() {}}
	}
	id, ch := s.cfg.Hub.Subscribe(128)
	return subscription{events: ch, close: func() { s.cfg.Hub.Unsubscribe(id) }}
}
