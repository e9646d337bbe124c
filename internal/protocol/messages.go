// Package protocol defines the wire envelope and frame payloads shared
// between the server and the agent, and between the server and the
// operator-facing WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the envelope for every message exchanged over a transport.
// It is a tagged variant: Type selects which payload shape Data holds.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"message_id,omitempty"`
}

// NewFrame builds a Frame with the given type and payload, stamped with
// the current time.
func NewFrame(frameType string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", frameType, err)
	}
	return &Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}, nil
}

// ParseData unmarshals the frame's data into target.
func (f *Frame) ParseData(target any) error {
	return json.Unmarshal(f.Data, target)
}

// Marshal serialises the frame to its wire JSON form.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// MaxTimestampSkew is the maximum allowed difference between a frame's
// timestamp and the receiver's clock before it is rejected (§6).
const MaxTimestampSkew = 300 * time.Second

// CheckTimestamp reports whether f's timestamp is within MaxTimestampSkew
// of now.
func (f *Frame) CheckTimestamp(now time.Time) bool {
	delta := now.Unix() - f.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= MaxTimestampSkew
}

// Frame types, agent → server.
const (
	TypeHello           = "hello"
	TypeHeartbeat       = "heartbeat"
	TypeInventory       = "inventory"
	TypeTerminalOutput  = "terminal_output"
	TypeTerminalReady   = "terminal_ready"
	TypeTerminalError   = "terminal_error"
	TypeTerminalClosed  = "terminal_closed"
	TypeCommandResponse = "command_response"
)

// Frame types, server → agent.
const (
	TypeWelcome         = "welcome"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeInventoryAck    = "inventory_ack"
	TypeTerminalCommand = "terminal_command"
)

// Frame types, both directions.
const (
	TypeError = "error"
)

// Error codes carried by a TypeError frame's Code field.
const (
	ErrCodeAuth        = "auth"
	ErrCodeInvalidMsg  = "invalid_message"
	ErrCodeRateLimit   = "rate_limit"
	ErrCodeUnavailable = "unavailable"
	ErrCodeUnknownSess = "unknown_session"
	ErrCodeUnsupported = "unsupported"
	ErrCodeInternal    = "internal"
)

// Close reasons used when a transport is torn down (§6).
const (
	CloseAuth         = "auth"
	CloseAgentOffline = "agent_offline"
	CloseUnauthorised = "unauthorised"
	CloseBackpressure = "backpressure"
	CloseStalled      = "stalled"
	CloseDuplicate    = "duplicate_agent"
	CloseShutdown     = "shutdown"
	CloseNormal       = "normal"
)

// HelloPayload is sent by the agent as the first frame of the handshake.
type HelloPayload struct {
	AgentID      string `json:"agent_id"`
	Secret       string `json:"secret"`
	AgentVersion string `json:"agent_version"`
}

// WelcomePayload is sent by the server in reply to a valid hello.
type WelcomePayload struct {
	ServerVersion      string `json:"server_version"`
	HeartbeatIntervalS int    `json:"heartbeat_interval_s"`
	InventoryIntervalS int    `json:"inventory_interval_s"`
}

// HeartbeatPayload is sent periodically by the agent.
type HeartbeatPayload struct {
	Status       string `json:"status"` // always "alive"
	UptimeS      int64  `json:"uptime_s"`
	AgentVersion string `json:"agent_version"`
}

// HeartbeatAckPayload acknowledges a heartbeat.
type HeartbeatAckPayload struct {
	ServerTimeS int64 `json:"server_time_s"`
}

// InventoryPayload carries one inventory snapshot (§3).
type InventoryPayload struct {
	AgentID      string         `json:"agent_id"`
	CollectedAt  int64          `json:"collected_at"`
	Hostname     string         `json:"hostname"`
	OS           string         `json:"os"`
	Platform     string         `json:"platform"`
	Architecture string         `json:"architecture"`
	CPUCount     int            `json:"cpu_count"`
	CPUModel     string         `json:"cpu_model"`
	MemoryTotal  uint64         `json:"memory_total"`
	MemoryUsed   uint64         `json:"memory_used"`
	MemoryFree   uint64         `json:"memory_free"`
	DiskTotal    uint64         `json:"disk_total"`
	DiskUsed     uint64         `json:"disk_used"`
	DiskFree     uint64         `json:"disk_free"`
	IPList       []string       `json:"ip_list"`
	MACList      []string       `json:"mac_list"`
	Extensions   map[string]any `json:"extensions,omitempty"`
}

// InventoryAckPayload acknowledges an accepted inventory frame.
type InventoryAckPayload struct {
	Received bool `json:"received"`
	Changed  bool `json:"changed"`
}

// TerminalCommandKind enumerates the command field of a terminal_command frame.
type TerminalCommandKind string

const (
	TerminalInit   TerminalCommandKind = "init"
	TerminalInput  TerminalCommandKind = "input"
	TerminalResize TerminalCommandKind = "resize"
	TerminalClose  TerminalCommandKind = "close"
)

// TerminalCommandPayload is sent by the server to drive a terminal session
// on the agent.
type TerminalCommandPayload struct {
	SessionID string              `json:"session_id"`
	Command   TerminalCommandKind `json:"command"`
	Rows      int                 `json:"rows,omitempty"`
	Cols      int                 `json:"cols,omitempty"`
	Shell     string              `json:"shell,omitempty"`
	Data      string              `json:"data,omitempty"` // base64, "input" only
}

// TerminalOutputPayload carries PTY output bytes, base64-encoded because
// the envelope is JSON text (§4.4, §9).
type TerminalOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Seq       uint64 `json:"seq"`
}

// TerminalReadyPayload acknowledges a successful terminal init.
type TerminalReadyPayload struct {
	SessionID string `json:"session_id"`
}

// TerminalErrorPayload reports a session-scoped error.
type TerminalErrorPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// TerminalClosedPayload reports that a session has fully torn down.
type TerminalClosedPayload struct {
	SessionID string `json:"session_id"`
}

// CommandResponsePayload correlates with a pending request by MessageID.
type CommandResponsePayload struct {
	MessageID string          `json:"message_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ErrorPayload is the data of a TypeError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Operator-facing frame types (web UI ⇄ server), distinct from the
// agent-facing handshake but sharing the Frame envelope and the
// terminal_* types above.
const (
	TypeOperatorInit   = "init" // first frame: {cols, rows, shell}
	TypeOperatorInput  = "input"
	TypeOperatorResize = "resize"
	TypeOperatorOutput = "output"
	TypeOperatorError  = "error"
	TypeOperatorClosed = "closed"
)

// OperatorInitPayload is the first frame an operator sends after the
// WebSocket upgrade to open a terminal session.
type OperatorInitPayload struct {
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
	Shell string `json:"shell,omitempty"`
}

// OperatorInputPayload carries operator keystrokes.
type OperatorInputPayload struct {
	Data string `json:"data"`
}

// OperatorResizePayload carries a PTY resize request from the operator.
type OperatorResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// OperatorOutputPayload is forwarded to the operator as agent PTY output.
type OperatorOutputPayload struct {
	Output string `json:"output"`
}

// OperatorErrorPayload reports a session-scoped error to the operator.
type OperatorErrorPayload struct {
	Reason string `json:"reason"`
}
