package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/leadscout/internal/progress"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// NewStreamHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/stream.
// The socket receives a ready event with the current snapshot, then one event
// per change, and is closed by the server after the terminal event.
func NewStreamHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		// Subscribe before upgrading so that unknown jobs get a plain 404.
		sub, err := svc.Subscribe(r.Context(), acct, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer sub.Close()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}
		defer conn.Close()

		logger := slog.With("component", "stream", "job_id", jobID)
		gone := readPump(conn)
		writePump(conn, sub, gone, logger)
	}
}

// readPump drains client frames so control messages are processed, and
// closes the returned channel once the client goes away.
func readPump(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

func writePump(conn *websocket.Conn, sub *progress.Subscription, gone <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed without a terminal event: the actor expired
				// or the server is shutting down.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
			if ev.Terminal() {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
