package sessionbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleethub/fleethub/internal/metrics"
	"github.com/fleethub/fleethub/internal/presence"
	"github.com/fleethub/fleethub/internal/protocol"
)

// AgentSender delivers a terminal_command frame to an agent if it is
// connected to this replica, implemented by connhub.Hub.
type AgentSender interface {
	SendTerminalCommand(agentID string, payload protocol.TerminalCommandPayload) (bool, error)
}

// Broker is the Session Broker for one server replica.
type Broker struct {
	log         zerolog.Logger
	replicaID   string
	presence    presence.Directory
	agents      AgentSender
	metrics     *metrics.Registry
	idleTimeout time.Duration // T_session_idle, spec §5

	sessions sync.Map // session_id -> *session
}

// New constructs a Broker. idleTimeout of zero disables SweepIdle.
func New(log zerolog.Logger, replicaID string, dir presence.Directory, agents AgentSender, m *metrics.Registry, idleTimeout time.Duration) *Broker {
	return &Broker{
		log:         log.With().Str("component", "sessionbroker").Logger(),
		replicaID:   replicaID,
		presence:    dir,
		agents:      agents,
		metrics:     m,
		idleTimeout: idleTimeout,
	}
}

// Open creates a new terminal session against agentID and sends the
// agent an init command. It returns an error, and keeps no session, when
// the agent is neither connected to this replica nor found in the
// presence directory.
func (b *Broker) Open(ctx context.Context, agentID string, operator OperatorTransport, rows, cols int, shell string) (string, error) {
	sessionID := uuid.NewString()
	sess := newSession(sessionID, agentID, operator)
	b.sessions.Store(sessionID, sess)

	if b.metrics != nil {
		b.metrics.SessionsOpened.Inc()
	}

	err := b.sendToAgent(ctx, sess, protocol.TerminalCommandPayload{
		SessionID: sessionID,
		Command:   protocol.TerminalInit,
		Rows:      rows,
		Cols:      cols,
		Shell:     shell,
	})
	if err != nil {
		b.sessions.Delete(sessionID)
		return "", fmt.Errorf("sessionbroker: open session for %s: %w", agentID, err)
	}
	return sessionID, nil
}

// Input forwards operator keystrokes to the agent's PTY.
func (b *Broker) Input(ctx context.Context, sessionID string, data []byte) error {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return fmt.Errorf("sessionbroker: unknown session %s", sessionID)
	}
	return b.sendToAgent(ctx, sess, protocol.TerminalCommandPayload{
		SessionID: sessionID,
		Command:   protocol.TerminalInput,
		Data:      encodeChunk(data),
	})
}

// Resize forwards a PTY resize request.
func (b *Broker) Resize(ctx context.Context, sessionID string, rows, cols int) error {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return fmt.Errorf("sessionbroker: unknown session %s", sessionID)
	}
	return b.sendToAgent(ctx, sess, protocol.TerminalCommandPayload{
		SessionID: sessionID,
		Command:   protocol.TerminalResize,
		Rows:      rows,
		Cols:      cols,
	})
}

// Close tears a session down from the operator side: tells the agent to
// close the PTY and forgets the session locally.
func (b *Broker) Close(ctx context.Context, sessionID string) error {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return nil
	}
	b.sessions.Delete(sessionID)
	if b.metrics != nil {
		b.metrics.SessionsClosed.Inc()
	}
	return b.sendToAgent(ctx, sess, protocol.TerminalCommandPayload{
		SessionID: sessionID,
		Command:   protocol.TerminalClose,
	})
}

// SetAgentSender wires the local-delivery path after construction, for
// callers (internal/server) that must build the Hub and Broker as a pair
// where each needs a reference to the other.
func (b *Broker) SetAgentSender(agents AgentSender) {
	b.agents = agents
}

func (b *Broker) lookup(sessionID string) (*session, bool) {
	v, ok := b.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// sendToAgent delivers payload either directly to a transport this
// replica holds, or via the Presence Directory to whichever replica
// currently owns agentID, stamping the session's next outbound sequence
// number (spec §4.3 ordering guarantee).
func (b *Broker) sendToAgent(ctx context.Context, sess *session, payload protocol.TerminalCommandPayload) error {
	sentLocally, err := b.agents.SendTerminalCommand(sess.agentID, payload)
	if err != nil {
		return err
	}
	if sentLocally {
		sess.touch()
		return nil
	}

	entry, err := b.presence.Lookup(ctx, sess.agentID)
	if err != nil {
		return fmt.Errorf("sessionbroker: locate agent %s: %w", sess.agentID, err)
	}

	frame, err := protocol.NewFrame(protocol.TypeTerminalCommand, payload)
	if err != nil {
		return err
	}
	data, err := frame.Marshal()
	if err != nil {
		return err
	}
	return b.presence.Deliver(ctx, entry.ReplicaID, presence.Envelope{
		Kind:      protocol.TypeTerminalCommand,
		AgentID:   sess.agentID,
		SessionID: sess.id,
		Sequence:  sess.nextOutSeq(),
		Payload:   data,
	})
}

// HandleTerminalReady implements connhub.SessionRouter.
func (b *Broker) HandleTerminalReady(agentID string, payload protocol.TerminalReadyPayload) {
	sess, ok := b.lookup(payload.SessionID)
	if !ok {
		return
	}
	_ = sess.operator // ready is purely informational to the operator UI today
}

// HandleTerminalOutput implements connhub.SessionRouter, reordering PTY
// bytes against the session's inbound reorder buffer before forwarding
// them to the operator transport in the order the agent produced them
// (spec §4.1, §4.3; P5).
func (b *Broker) HandleTerminalOutput(agentID string, payload protocol.TerminalOutputPayload) {
	sess, ok := b.lookup(payload.SessionID)
	if !ok {
		return
	}
	data, err := decodeChunk(payload.Data)
	if err != nil {
		b.log.Warn().Err(err).Str("session_id", payload.SessionID).Msg("bad terminal output encoding")
		return
	}
	ready := sess.acceptInbound(payload.Seq, data)
	if len(ready) == 0 {
		b.log.Debug().Str("session_id", payload.SessionID).Uint64("seq", payload.Seq).Msg("buffered out-of-order terminal output")
		return
	}
	for _, chunk := range ready {
		if err := sess.operator.SendOutput(chunk); err != nil {
			b.log.Debug().Err(err).Str("session_id", payload.SessionID).Msg("operator transport gone, closing session")
			b.sessions.Delete(payload.SessionID)
			return
		}
	}
}

// HandleTerminalError implements connhub.SessionRouter.
func (b *Broker) HandleTerminalError(agentID string, payload protocol.TerminalErrorPayload) {
	sess, ok := b.lookup(payload.SessionID)
	if !ok {
		return
	}
	_ = sess.operator.SendError(payload.Reason)
	b.sessions.Delete(payload.SessionID)
}

// HandleTerminalClosed implements connhub.SessionRouter.
func (b *Broker) HandleTerminalClosed(agentID string, payload protocol.TerminalClosedPayload) {
	sess, ok := b.lookup(payload.SessionID)
	if !ok {
		return
	}
	_ = sess.operator.SendClosed()
	b.sessions.Delete(payload.SessionID)
	if b.metrics != nil {
		b.metrics.SessionsClosed.Inc()
	}
}

// HandleEnvelope implements connhub.SessionRouter for envelopes carrying
// agent terminal frames (ready, output, error, closed): it decodes the
// envelope and re-dispatches through the same Handle* path local frames
// use. No code path in this package or the Connection Hub publishes such
// envelopes; agent frames for a session this replica does not hold are
// dropped by the Handle* methods rather than forwarded to another replica.
func (b *Broker) HandleEnvelope(env presence.Envelope) {
	var frame protocol.Frame
	if err := json.Unmarshal(env.Payload, &frame); err != nil {
		b.log.Warn().Err(err).Msg("sessionbroker: bad envelope payload")
		return
	}
	switch frame.Type {
	case protocol.TypeTerminalOutput:
		var payload protocol.TerminalOutputPayload
		if err := frame.ParseData(&payload); err == nil {
			b.HandleTerminalOutput(env.AgentID, payload)
		}
	case protocol.TypeTerminalReady:
		var payload protocol.TerminalReadyPayload
		if err := frame.ParseData(&payload); err == nil {
			b.HandleTerminalReady(env.AgentID, payload)
		}
	case protocol.TypeTerminalError:
		var payload protocol.TerminalErrorPayload
		if err := frame.ParseData(&payload); err == nil {
			b.HandleTerminalError(env.AgentID, payload)
		}
	case protocol.TypeTerminalClosed:
		var payload protocol.TerminalClosedPayload
		if err := frame.ParseData(&payload); err == nil {
			b.HandleTerminalClosed(env.AgentID, payload)
		}
	}
}

// HandleAgentDisconnected implements connhub.SessionRouter: agentID's
// transport is gone, on this replica or another, so every open session
// against it is torn down server-side (spec §4.3 Teardown "agent
// disconnect"; I7, P6) rather than left leaked until the operator
// eventually notices.
func (b *Broker) HandleAgentDisconnected(agentID string) {
	b.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*session)
		if sess.agentID != agentID {
			return true
		}
		_ = sess.operator.SendClosed()
		b.sessions.Delete(key)
		if b.metrics != nil {
			b.metrics.SessionsClosed.Inc()
		}
		return true
	})
}

// SweepIdle is invoked by the replica's maintenance cron to tear down
// sessions that have moved no bytes in either direction for idleTimeout
// (spec §5 T_session_idle). A zero idleTimeout disables the sweep.
func (b *Broker) SweepIdle(now time.Time) {
	if b.idleTimeout <= 0 {
		return
	}
	b.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*session)
		if sess.idleSince(now) < b.idleTimeout {
			return true
		}
		b.log.Info().Str("session_id", sess.id).Str("agent_id", sess.agentID).Msg("closing idle terminal session")
		_ = b.sendToAgent(context.Background(), sess, protocol.TerminalCommandPayload{
			SessionID: sess.id,
			Command:   protocol.TerminalClose,
		})
		_ = sess.operator.SendClosed()
		b.sessions.Delete(key)
		if b.metrics != nil {
			b.metrics.SessionsClosed.Inc()
		}
		return true
	})
}
