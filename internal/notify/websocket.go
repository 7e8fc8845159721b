package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/throw-if-null/prime/internal/api"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Snapshot returns the tasks a new subscriber is sent on connect.
type Snapshot func(ctx context.Context) []api.Task

// Handler upgrades to a websocket, sends one event per task in the snapshot
// and then streams hub events until either side goes away.
func Handler(h *Hub, snapshot Snapshot, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The daemon binds to loopback by default; any local page may watch.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade", zap.Error(err))
			return
		}
		defer conn.Close()

		// Subscribe before the snapshot so nothing falls between them.
		sub := h.Subscribe()
		defer sub.Close()

		if snapshot != nil {
			for _, t := range snapshot(r.Context()) {
				if err := writeEvent(conn, TaskEvent(t)); err != nil {
					return
				}
			}
		}

		gone := make(chan struct{})
		go readPump(conn, gone)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(writeWait))
					return
				}
				if err := writeEvent(conn, ev); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

func writeEvent(conn *websocket.Conn, ev api.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

// readPump discards client messages; it exists to process control frames
// and notice disconnects.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
