package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agentdeck/internal/msgstore"
	"agentdeck/internal/orchestrator"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // localhost tooling
	},
}

// streamMessage is the wire envelope for the WebSocket event stream.
type streamMessage struct {
	Type      string          `json:"type"` // history, event, status, closed, error
	SessionID string          `json:"session_id"`
	Event     *msgstore.Event `json:"event,omitempty"`
	Status    string          `json:"status,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// handleStream upgrades to WebSocket, replays the session's bounded
// history, then forwards live events until the client disconnects or the
// session closes.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")

	history, err := s.orch.History(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}

	// The channel holds the entire history plus a live-event buffer, and
	// the history is queued before the subscription is registered, so the
	// client always sees every history frame before any live event.
	send := make(chan streamMessage, len(history)+sendBuffer)
	done := make(chan struct{})

	for i := range history {
		evt := history[i]
		send <- streamMessage{Type: "history", SessionID: id, Event: &evt}
	}

	unsub := s.orch.Subscribe(func(n orchestrator.Notice) {
		if n.SessionID != id {
			return
		}
		msg := streamMessage{SessionID: id}
		switch n.Type {
		case orchestrator.NoticeEvent:
			msg.Type = "event"
			msg.Event = n.Event
		case orchestrator.NoticeStatus:
			msg.Type = "status"
			msg.Status = string(n.Status)
		case orchestrator.NoticeClosed:
			msg.Type = "closed"
			msg.Status = string(n.Status)
			if n.Close != nil {
				msg.ExitCode = n.Close.ExitCode
				msg.Error = n.Close.ErrorMessage
			}
		case orchestrator.NoticeError:
			msg.Type = "error"
			msg.Error = n.Err
		}
		select {
		case send <- msg:
		default:
			// Slow client, drop rather than stall the fan-out.
		}
	})
	defer unsub()

	go s.readPump(conn, id, done)
	s.writePump(conn, id, send, done)
}

// readPump discards client frames but keeps the pong handler alive and
// detects disconnects.
func (s *Server) readPump(conn *websocket.Conn, id string, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read ended", "session", id, "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, id string, send chan streamMessage, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if msg.Type == "closed" {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
