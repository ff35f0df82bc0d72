package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lucamoreira/bluebird/internal/bus"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The listener is a local unix socket; no cross-origin concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// envelope is the wire form of one bus event on the stream.
type envelope struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	At      int64  `json:"at"`
	Payload any    `json:"payload,omitempty"`
}

// streamEvents upgrades to a websocket and forwards bus events matching the
// optional kind prefix ("?prefix=message." etc). Slow consumers are
// disconnected rather than allowed to stall the bus.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsub := s.bus.Subscribe(bus.Kind(c.Query("prefix")), 256)
	defer unsub()

	// Reader goroutine only surfaces close; clients never send data frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt := <-events:
			env := envelope{
				ID:      uuid.NewString(),
				Kind:    string(evt.Kind),
				At:      evt.At.UnixMilli(),
				Payload: evt.Payload,
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
