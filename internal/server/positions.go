package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var positionsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type positionMessage struct {
	PositionSeconds float64 `json:"position_seconds"`
}

// handlePositions streams playhead samples of the active playback until it
// stops or the client goes away.
func (s *Server) handlePositions(c *gin.Context) {
	conn, err := positionsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client only ever sends close frames; a read error means it left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for pos := range s.service.Positions(ctx) {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(positionMessage{PositionSeconds: pos}); err != nil {
			s.logger.Debug("Position stream closed", "error", err)
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "playback stopped"),
		time.Now().Add(time.Second))
}
