package http

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	eventBufferLen = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is meant for local tools; any origin may listen.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventMessage is one job event pushed over /events.
type eventMessage struct {
	Type     string      `json:"type"`
	Previous string      `json:"previous,omitempty"`
	Job      jobResponse `json:"job"`
}

// handleEvents streams job events over a WebSocket. An optional ?job=<id>
// restricts the stream to one job. Slow clients miss events rather than
// stall the store; GET /jobs/{id} always has the latest snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("job")

	// Subscribe before the handshake completes so no event after it is missed.
	events, unsubscribe := s.svc.Subscribe(eventBufferLen)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if filter != "" && ev.Job.ID != filter {
				continue
			}
			msg := eventMessage{Type: "job", Job: jobToResponse(ev.Job)}
			if ev.Previous != "" && ev.Previous != ev.Job.Status {
				msg.Type = "status"
				msg.Previous = string(ev.Previous)
			} else if ev.Previous == "" {
				msg.Type = "created"
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("websocket write error: %v", err)
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

// readPump discards client messages and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			return
		}
	}
}
