package agent

import (
	"context"
	"time"

	"github.com/fleethub/fleethub/internal/protocol"
)

// heartbeatLoop sends a heartbeat frame on its own independent ticker
// (spec §4.4: heartbeat and inventory timers run independently of each
// other and of the transport's reconnect state).
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.IsConnected() {
				continue
			}
			frame, err := protocol.NewFrame(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
				Status:       "alive",
				UptimeS:      int64(time.Since(start).Seconds()),
				AgentVersion: Version,
			})
			if err != nil {
				a.log.Error().Err(err).Msg("failed to build heartbeat frame")
				continue
			}
			if err := a.transport.Send(frame); err != nil {
				a.log.Debug().Err(err).Msg("failed to send heartbeat")
			}
		}
	}
}

// inventoryLoop collects and sends an inventory snapshot on its own timer.
func (a *Agent) inventoryLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.InventoryInterval)
	defer ticker.Stop()

	// This first call only sends if the agent is already connected; the
	// snapshot that follows each handshake is sent by OnConnected, so the
	// server does not wait a full interval for fresh data.
	a.sendInventory(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendInventory(ctx)
		}
	}
}

func (a *Agent) sendInventory(ctx context.Context) {
	if !a.IsConnected() {
		return
	}
	payload, err := a.collector.Collect(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to collect inventory")
		return
	}
	frame, err := protocol.NewFrame(protocol.TypeInventory, payload)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to build inventory frame")
		return
	}
	if err := a.transport.Send(frame); err != nil {
		a.log.Debug().Err(err).Msg("failed to send inventory")
	}
}
