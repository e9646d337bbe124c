package connhub

import (
	"context"
	"time"

	"github.com/fleethub/fleethub/internal/protocol"
)

func timestampToTime(unixSeconds int64) time.Time {
	return time.Unix(unixSeconds, 0)
}

// dispatch routes one inbound frame from an agent transport to the
// appropriate handler. It runs on the Hub's single goroutine, so handlers
// must not block on anything that waits on the Hub itself.
func (h *Hub) dispatch(ctx context.Context, t *Transport, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(ctx, t, frame)
	case protocol.TypeInventory:
		h.handleInventory(ctx, t, frame)
	case protocol.TypeTerminalReady:
		var payload protocol.TerminalReadyPayload
		if err := frame.ParseData(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad terminal_ready payload")
			return
		}
		if h.router != nil {
			h.router.HandleTerminalReady(t.agentID, payload)
		}
	case protocol.TypeTerminalOutput:
		var payload protocol.TerminalOutputPayload
		if err := frame.ParseData(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad terminal_output payload")
			return
		}
		if h.router != nil {
			h.router.HandleTerminalOutput(t.agentID, payload)
		}
	case protocol.TypeTerminalError:
		var payload protocol.TerminalErrorPayload
		if err := frame.ParseData(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad terminal_error payload")
			return
		}
		if h.router != nil {
			h.router.HandleTerminalError(t.agentID, payload)
		}
		h.forgetSessionOrder(payload.SessionID)
	case protocol.TypeTerminalClosed:
		var payload protocol.TerminalClosedPayload
		if err := frame.ParseData(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad terminal_closed payload")
			return
		}
		if h.router != nil {
			h.router.HandleTerminalClosed(t.agentID, payload)
		}
		h.forgetSessionOrder(payload.SessionID)
	case protocol.TypeCommandResponse:
		h.log.Debug().Str("agent_id", t.agentID).Msg("command response received")
	default:
		h.log.Warn().Str("agent_id", t.agentID).Str("type", frame.Type).Msg("unhandled frame type")
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, t *Transport, frame *protocol.Frame) {
	var payload protocol.HeartbeatPayload
	if err := frame.ParseData(&payload); err != nil {
		h.log.Warn().Err(err).Str("agent_id", t.agentID).Msg("bad heartbeat payload")
		return
	}
	t.lastHeartbeat.Store(frame.Timestamp)
	if err := h.presence.Touch(ctx, t.agentID, timestampToTime(frame.Timestamp)); err != nil {
		h.log.Warn().Err(err).Str("agent_id", t.agentID).Msg("presence touch failed, re-registering")
		_ = h.presence.Register(ctx, t.agentID, h.replicaID, timestampToTime(frame.Timestamp))
	}
	if h.metrics != nil {
		h.metrics.HeartbeatsTotal.Inc()
	}

	ack, err := protocol.NewFrame(protocol.TypeHeartbeatAck, protocol.HeartbeatAckPayload{
		ServerTimeS: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	data, err := ack.Marshal()
	if err != nil {
		return
	}
	t.SafeSend(data)
}

func (h *Hub) handleInventory(ctx context.Context, t *Transport, frame *protocol.Frame) {
	var payload protocol.InventoryPayload
	if err := frame.ParseData(&payload); err != nil {
		h.log.Warn().Err(err).Str("agent_id", t.agentID).Msg("bad inventory payload")
		return
	}
	changed, err := h.snapshots.Store(ctx, payload)
	if err != nil {
		h.log.Error().Err(err).Str("agent_id", t.agentID).Msg("failed to store inventory snapshot")
		errFrame, ferr := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
			Code: protocol.ErrCodeUnavailable, Message: "inventory snapshot not stored",
		})
		if ferr != nil {
			return
		}
		if data, merr := errFrame.Marshal(); merr == nil {
			t.SafeSend(data)
		}
		return
	}
	if h.metrics != nil {
		h.metrics.InventoriesTotal.Inc()
	}

	ack, err := protocol.NewFrame(protocol.TypeInventoryAck, protocol.InventoryAckPayload{
		Received: true,
		Changed:  changed,
	})
	if err != nil {
		return
	}
	data, err := ack.Marshal()
	if err != nil {
		return
	}
	t.SafeSend(data)
}
