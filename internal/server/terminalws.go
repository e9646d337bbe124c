package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fleethub/fleethub/internal/protocol"
)

var operatorUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const operatorWriteWait = 10 * time.Second

// operatorConn adapts a gorilla/websocket connection to the Session
// Broker's OperatorTransport interface, serialising writes with a mutex
// the way connhub.Transport serialises writes with its send channel.
type operatorConn struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	transcript *TranscriptLog
	sessionID  string
}

func (o *operatorConn) send(frameType string, payload any) error {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := frame.Marshal()
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.conn.SetWriteDeadline(time.Now().Add(operatorWriteWait))
	return o.conn.WriteMessage(websocket.TextMessage, data)
}

// SendOutput base64-encodes PTY bytes, the same convention
// protocol.TerminalOutputPayload uses, since raw bytes may not be valid
// UTF-8 and the envelope is JSON text.
func (o *operatorConn) SendOutput(data []byte) error {
	if o.transcript != nil {
		o.transcript.Append(o.sessionID, data)
	}
	return o.send(protocol.TypeOperatorOutput, protocol.OperatorOutputPayload{Output: base64.StdEncoding.EncodeToString(data)})
}

func (o *operatorConn) SendError(reason string) error {
	return o.send(protocol.TypeOperatorError, protocol.OperatorErrorPayload{Reason: reason})
}

func (o *operatorConn) SendClosed() error {
	return o.send(protocol.TypeOperatorClosed, struct{}{})
}

// handleOperatorTerminal upgrades the connection, opens one terminal
// session against the requested agent, and pumps operator input/resize
// frames to the Session Broker until the connection closes (spec §4.3).
func (s *Server) handleOperatorTerminal(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	operatorUpgrader.CheckOrigin = func(r *http.Request) bool {
		return isWebSocketOrigin(r, s.cfg.AllowedOrigins)
	}
	conn, err := operatorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("operator websocket upgrade failed")
		return
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var initFrame protocol.Frame
	if err := json.Unmarshal(raw, &initFrame); err != nil || initFrame.Type != protocol.TypeOperatorInit {
		return
	}
	var init protocol.OperatorInitPayload
	if err := initFrame.ParseData(&init); err != nil {
		return
	}

	operator := &operatorConn{conn: conn, transcript: s.transcripts}
	ctx := r.Context()
	sessionID, err := s.broker.Open(ctx, agentID, operator, init.Rows, init.Cols, init.Shell)
	if err != nil {
		_ = operator.SendError("open_failed")
		return
	}
	operator.sessionID = sessionID
	if s.transcripts != nil {
		if err := s.transcripts.Open(agentID, sessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to open transcript")
		}
	}
	defer func() {
		_ = s.broker.Close(ctx, sessionID)
		if s.transcripts != nil {
			s.transcripts.Close(sessionID)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypeOperatorInput:
			var payload protocol.OperatorInputPayload
			if err := frame.ParseData(&payload); err == nil {
				if data, decodeErr := base64.StdEncoding.DecodeString(payload.Data); decodeErr == nil {
					_ = s.broker.Input(ctx, sessionID, data)
				}
			}
		case protocol.TypeOperatorResize:
			var payload protocol.OperatorResizePayload
			if err := frame.ParseData(&payload); err == nil {
				_ = s.broker.Resize(ctx, sessionID, payload.Rows, payload.Cols)
			}
		}
	}
}
