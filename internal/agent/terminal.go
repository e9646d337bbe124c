package agent

import (
	"encoding/base64"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleethub/fleethub/internal/protocol"
	"github.com/fleethub/fleethub/internal/ptyexec"
)

const terminalReadChunk = 4096

// terminalManager owns one PTY session per session_id (spec §4.4).
type terminalManager struct {
	log          zerolog.Logger
	transport    *Transport
	defaultShell string

	mu       sync.Mutex
	sessions map[string]*ptyexec.Session
	seqs     map[string]uint64
}

func newTerminalManager(log zerolog.Logger, transport *Transport, defaultShell string) *terminalManager {
	return &terminalManager{
		log:          log.With().Str("component", "terminal").Logger(),
		transport:    transport,
		defaultShell: defaultShell,
		sessions:     make(map[string]*ptyexec.Session),
		seqs:         make(map[string]uint64),
	}
}

func (m *terminalManager) handle(payload protocol.TerminalCommandPayload) {
	switch payload.Command {
	case protocol.TerminalInit:
		m.handleInit(payload)
	case protocol.TerminalInput:
		m.handleInput(payload)
	case protocol.TerminalResize:
		m.handleResize(payload)
	case protocol.TerminalClose:
		m.handleClose(payload)
	default:
		m.log.Warn().Str("command", string(payload.Command)).Msg("unknown terminal command")
	}
}

func (m *terminalManager) handleInit(payload protocol.TerminalCommandPayload) {
	shell := payload.Shell
	if shell == "" {
		shell = m.defaultShell
	}
	rows, cols := payload.Rows, payload.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	session, err := ptyexec.New(shell, rows, cols)
	if err != nil {
		m.sendError(payload.SessionID, terminalErrorReason(err))
		return
	}

	m.mu.Lock()
	m.sessions[payload.SessionID] = session
	m.seqs[payload.SessionID] = 0
	m.mu.Unlock()

	m.sendFrame(protocol.TypeTerminalReady, protocol.TerminalReadyPayload{SessionID: payload.SessionID})
	go m.pumpOutput(payload.SessionID, session)
}

func (m *terminalManager) pumpOutput(sessionID string, session *ptyexec.Session) {
	buf := make([]byte, terminalReadChunk)
	for {
		n, err := session.Read(buf)
		if n > 0 {
			m.mu.Lock()
			m.seqs[sessionID]++
			seq := m.seqs[sessionID]
			m.mu.Unlock()

			m.sendFrame(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
				SessionID: sessionID,
				Data:      base64.StdEncoding.EncodeToString(buf[:n]),
				Seq:       seq,
			})
		}
		if err != nil {
			m.closeSession(sessionID)
			m.sendFrame(protocol.TypeTerminalClosed, protocol.TerminalClosedPayload{SessionID: sessionID})
			return
		}
	}
}

func (m *terminalManager) handleInput(payload protocol.TerminalCommandPayload) {
	session, ok := m.get(payload.SessionID)
	if !ok {
		m.sendError(payload.SessionID, "unknown_session")
		return
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		m.sendError(payload.SessionID, "invalid_input_encoding")
		return
	}
	if _, err := session.Write(data); err != nil {
		m.sendError(payload.SessionID, "write_failed")
	}
}

func (m *terminalManager) handleResize(payload protocol.TerminalCommandPayload) {
	session, ok := m.get(payload.SessionID)
	if !ok {
		return
	}
	_ = session.Resize(payload.Rows, payload.Cols)
}

func (m *terminalManager) handleClose(payload protocol.TerminalCommandPayload) {
	m.closeSession(payload.SessionID)
	m.sendFrame(protocol.TypeTerminalClosed, protocol.TerminalClosedPayload{SessionID: payload.SessionID})
}

func (m *terminalManager) get(sessionID string) (*ptyexec.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *terminalManager) closeSession(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	delete(m.seqs, sessionID)
	m.mu.Unlock()
	if ok {
		_ = session.Close()
	}
}

func (m *terminalManager) closeAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*ptyexec.Session)
	m.seqs = make(map[string]uint64)
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

func (m *terminalManager) sendFrame(frameType string, payload any) {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		m.log.Error().Err(err).Str("type", frameType).Msg("failed to build frame")
		return
	}
	if err := m.transport.Send(frame); err != nil {
		m.log.Debug().Err(err).Str("type", frameType).Msg("failed to send frame")
	}
}

func (m *terminalManager) sendError(sessionID, reason string) {
	m.sendFrame(protocol.TypeTerminalError, protocol.TerminalErrorPayload{
		SessionID: sessionID,
		Reason:    reason,
	})
}

func terminalErrorReason(err error) string {
	if err == ptyexec.ErrUnsupported {
		return protocol.ErrCodeUnsupported
	}
	return "spawn_failed"
}
