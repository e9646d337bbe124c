package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleAgentWebSocket upgrades the connection and hands it to the
// Connection Hub, which performs the hello/welcome handshake itself
// (spec §4.2). It blocks for the lifetime of the agent's connection.
func (s *Server) handleAgentWebSocket(w http.ResponseWriter, r *http.Request) {
	agentUpgrader.CheckOrigin = func(r *http.Request) bool {
		return isWebSocketOrigin(r, s.cfg.AllowedOrigins)
	}

	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("agent websocket upgrade failed")
		return
	}

	if err := s.hub.Accept(r.Context(), conn, s.cfg.HeartbeatInterval, s.cfg.InventoryInterval); err != nil {
		s.log.Debug().Err(err).Msg("agent connection ended")
	}
	_ = conn.Close()
}
