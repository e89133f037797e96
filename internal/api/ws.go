package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"poolroute/internal/logging"
	"poolroute/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage frames every message in both directions.
//
// Client -> server: connection_init, ping, cancel.
// Server -> client: connection_ack, pong, next (payload is an SSEEvent), error, complete.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobEventsWSHandler streams one job's events over a websocket until the job finishes.
func (s *Server) JobEventsWSHandler(w http.ResponseWriter, r *http.Request, org, jobID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	log := logging.For(r.Context(), s.Log).With(zap.String("job_id", jobID))

	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	next := func(evt SSEEvent) error {
		payload, _ := json.Marshal(evt)
		return write(wsMessage{Type: "next", ID: jobID, Payload: payload})
	}

	ch := s.Broker.Subscribe(jobID)
	defer s.Broker.Unsubscribe(jobID, ch)

	st, err := s.Jobs.Status(org, jobID)
	if err != nil {
		_ = write(wsMessage{Type: "error", ID: jobID, Payload: []byte(`{"message":"unknown job"}`)})
		return
	}
	if err := next(jobStateEvent(st)); err != nil {
		return
	}
	if terminal(st.State) {
		_ = write(wsMessage{Type: "complete", ID: jobID})
		return
	}

	// Read loop
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			switch msg.Type {
			case "connection_init":
				_ = write(wsMessage{Type: "connection_ack"})
			case "ping":
				_ = write(wsMessage{Type: "pong"})
			case "cancel":
				if _, err := s.Jobs.Cancel(org, jobID); err != nil {
					log.Warn("ws cancel", zap.Error(err))
				}
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := next(evt); err != nil {
				return
			}
			if terminalEvent(evt.Type) {
				_ = write(wsMessage{Type: "complete", ID: jobID})
				return
			}
		case <-ticker.C:
			wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// jobStateEvent is the first frame sent to new subscribers.
func jobStateEvent(st model.JobStatus) SSEEvent {
	return SSEEvent{Type: "job." + string(st.State), Data: map[string]any{"jobId": st.ID, "state": st.State}}
}
