package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// LogMessage is one renderer output line sent over the log socket
type LogMessage struct {
	TaskID   string    `json:"task_id"`
	WorkerID int       `json:"worker_id,omitempty"`
	Time     time.Time `json:"time"`
	Line     string    `json:"line"`
}

// logsHandler streams renderer output lines. ?task=ID restricts the
// stream to one task.
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotImplemented, "log streaming not available")
		return
	}
	taskID := r.URL.Query().Get("task")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	lines, unsub := s.bus.Channel(512, events.RendererOutput)
	defer unsub()

	// The read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("log socket closed", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-lines:
			if !ok {
				return
			}
			if taskID != "" && e.TaskID != taskID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := LogMessage{TaskID: e.TaskID, WorkerID: e.WorkerID, Time: e.Time, Line: e.Line}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("writing log line", zap.Error(err))
				return
			}
		}
	}
}
