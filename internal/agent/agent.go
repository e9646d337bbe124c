// Package agent implements the agent runtime: the reconnecting transport,
// heartbeat and inventory timers, and the terminal command executor
// (spec §4.4).
package agent

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fleethub/fleethub/internal/config"
	"github.com/fleethub/fleethub/internal/inventory"
	"github.com/fleethub/fleethub/internal/protocol"
)

// Version is the agent binary version reported in the hello frame.
const Version = "1.0.0"

// Agent coordinates the transport, timers, and terminal sessions for one
// running agent process.
type Agent struct {
	cfg       *config.AgentConfig
	log       zerolog.Logger
	transport *Transport
	collector *inventory.Collector
	terminals *terminalManager

	mu        sync.RWMutex
	connected bool
	welcome   protocol.WelcomePayload
}

// New constructs an Agent. extensions are optional inventory subsources
// (e.g. the Docker extension) wired in by the binary's main().
func New(cfg *config.AgentConfig, log zerolog.Logger, extensions ...inventory.Extension) *Agent {
	a := &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Str("agent_id", cfg.AgentID).Logger(),
		collector: inventory.New(cfg.AgentID, extensions...),
	}
	a.transport = NewTransport(cfg, a.log, a)
	a.terminals = newTerminalManager(a.log, a.transport, cfg.Shell)
	return a
}

// Run blocks until ctx is cancelled, running the transport loop and the
// heartbeat/inventory timers as an errgroup sharing one cancellation
// context (spec §5).
func (a *Agent) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.transport.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		a.heartbeatLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		a.inventoryLoop(groupCtx)
		return nil
	})

	err := group.Wait()
	_ = a.transport.Close()
	a.terminals.closeAll()
	return err
}

// OnConnected implements ConnectionHandler.
func (a *Agent) OnConnected(welcome protocol.WelcomePayload) {
	a.mu.Lock()
	a.connected = true
	a.welcome = welcome
	a.mu.Unlock()
	go a.sendInventory(context.Background())
	a.log.Info().
		Str("server_version", welcome.ServerVersion).
		Int("heartbeat_interval_s", welcome.HeartbeatIntervalS).
		Msg("connected")
}

// OnDisconnected implements ConnectionHandler.
func (a *Agent) OnDisconnected() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.terminals.closeAll()
	a.log.Warn().Msg("disconnected")
}

// OnFrame implements ConnectionHandler, dispatching server->agent frames.
func (a *Agent) OnFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeHeartbeatAck, protocol.TypeInventoryAck:
		// Informational only; nothing to do on the agent side.
	case protocol.TypeTerminalCommand:
		var payload protocol.TerminalCommandPayload
		if err := frame.ParseData(&payload); err != nil {
			a.log.Warn().Err(err).Msg("bad terminal_command payload")
			return
		}
		a.terminals.handle(payload)
	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := frame.ParseData(&payload); err == nil {
			a.log.Warn().Str("code", payload.Code).Str("message", payload.Message).Msg("server error frame")
		}
	default:
		a.log.Debug().Str("type", frame.Type).Msg("unhandled frame type")
	}
}

// IsConnected reports whether the transport's handshake has completed.
func (a *Agent) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}
