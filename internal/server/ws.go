package server

import (
	"net/http"
	"time"

	"github.com/alloyhq/alloy/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamLogs upgrades GET /jobs/{id}/logs to a WebSocket and relays the
// job's live stream. A missing stream (unknown or already completed
// job) yields a single error frame, then the connection closes.
func (h *APIHandler) streamLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}

	sub, ok := h.logs.Subscribe(jobID)
	if !ok {
		frame, _ := protocol.EncodeFrame(protocol.ErrorFrame{Error: "Job not found or already completed"})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		conn.Close()
		return
	}

	h.log.Debug("log watcher connected", "job_id", jobID)
	go h.logReadPump(conn, sub, jobID)
	go h.logWritePump(conn, sub, jobID)
}

// logWritePump relays frames from the subscriber channel to the socket
// until the stream ends (channel closed) or the write fails.
func (h *APIHandler) logWritePump(conn *websocket.Conn, sub *Subscriber, jobID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.logs.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Stream removed (job finished) or subscriber evicted.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// logReadPump exists for close and pong detection. A watcher
// disconnecting never affects the job or other subscribers.
func (h *APIHandler) logReadPump(conn *websocket.Conn, sub *Subscriber, jobID string) {
	defer func() {
		h.logs.Unsubscribe(sub)
		conn.Close()
		h.log.Debug("log watcher disconnected", "job_id", jobID)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
