package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/crazydw4rf/smart-aquarium/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboards are served from arbitrary origins
	},
}

// --- WebSocket handler ---

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Failed to upgrade WebSocket", "error", err)
		return nil
	}

	session := broadcast.NewSession(conn)

	if err := s.bridge.OnConnect(session); err != nil {
		slog.Warn("Rejecting session", "session_id", session.ID.String(), "error", err)
		_ = conn.Close()
		return nil
	}

	slog.Info("Session connected", "session_id", session.ID.String(), "remote", conn.RemoteAddr().String())

	// Read pump (blocks until disconnect)
	ctx := c.Request().Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.bridge.OnMessage(ctx, session, raw)
	}

	s.bridge.OnDisconnect(session)
	slog.Info("Session disconnected", "session_id", session.ID.String())

	return nil
}
