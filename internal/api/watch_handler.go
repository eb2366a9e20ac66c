package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pagekeep/taskengine/internal/api/shared"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/notify"
)

const (
	// writeWait bounds how long a single websocket write may block.
	writeWait = 10 * time.Second

	// pingPeriod keeps idle watch connections alive through proxies.
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WatchEvent is the wire shape of one lifecycle event pushed to a watcher.
type WatchEvent struct {
	Kind          string     `json:"kind"`
	TaskID        string     `json:"task_id"`
	TaskType      string     `json:"task_type"`
	Payload       any        `json:"payload,omitempty"`
	Error         string     `json:"error,omitempty"`
	DeadLetter    bool       `json:"dead_letter,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	EmittedAt     time.Time  `json:"emitted_at"`
}

// WatchHandler streams a task's lifecycle events over a websocket.
type WatchHandler struct {
	hub    *notify.Hub
	logger *slog.Logger
}

// NewWatchHandler creates a new WatchHandler.
func NewWatchHandler(hub *notify.Hub, logger *slog.Logger) *WatchHandler {
	return &WatchHandler{
		hub:    hub,
		logger: logger.With("component", "watch_handler"),
	}
}

// WatchTask handles GET /api/tasks/{id}/watch requests. The connection
// closes after the task's terminal event has been delivered or when the
// client goes away; a watcher of an already-finished task receives one
// synthetic terminal event.
func (h *WatchHandler) WatchTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromRequest(w, r)
	if !ok {
		return
	}

	ch, cancel, err := h.hub.Subscribe(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to watch task"),
			err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Reader goroutine: a watch stream is write-only, but the close
	// handshake and client disconnects arrive on the read side.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, open := <-ch:
			if !open {
				h.writeClose(conn, "stream closed")
				return
			}
			if err := h.writeEvent(conn, e); err != nil {
				h.logger.Debug("watcher write failed", "task_id", id, "error", err)
				return
			}
			if e.Terminal() {
				h.writeClose(conn, "task finished")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *WatchHandler) writeEvent(conn *websocket.Conn, e *events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(watchEventFrom(e))
}

func (h *WatchHandler) writeClose(conn *websocket.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

// watchEventFrom converts an internal event to its wire shape.
func watchEventFrom(e *events.Event) WatchEvent {
	we := WatchEvent{
		Kind:          string(e.Kind),
		TaskID:        e.TaskID.String(),
		TaskType:      e.TaskType,
		Error:         e.Error,
		DeadLetter:    e.DeadLetter,
		RetryCount:    e.RetryCount,
		NextAttemptAt: e.NextAttemptAt,
		EmittedAt:     e.EmittedAt,
	}
	if len(e.Payload) > 0 {
		we.Payload = e.Payload
	}
	return we
}
