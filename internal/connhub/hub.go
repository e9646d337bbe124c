// Package connhub implements the Connection Hub: the per-replica registry
// of live agent transports, heartbeat supervision, and frame dispatch
// (spec §4.2).
package connhub

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleethub/fleethub/internal/agentstore"
	"github.com/fleethub/fleethub/internal/metrics"
	"github.com/fleethub/fleethub/internal/presence"
	"github.com/fleethub/fleethub/internal/protocol"
	"github.com/fleethub/fleethub/internal/snapshotstore"
)

const (
	writeWait  = 10 * time.Second
	maxFrame   = 512 * 1024
	panicDelay = 100 * time.Millisecond

	defaultEvictTimeout = 5 * time.Second // T_handover bound, spec §4.2 step 3

	envelopeKindEvict    = "evict"
	envelopeKindEvictAck = "evict_ack"
)

// evictRequestPayload is the Envelope.Payload carried by an "evict" kind
// envelope: the replica asking the current owner to give up agentID.
type evictRequestPayload struct {
	RequestingReplica string `json:"requesting_replica"`
}

// SessionRouter receives terminal frames from agent transports on this
// replica and is implemented by the Session Broker (spec §4.3). Defined
// here, not imported, to keep connhub -> sessionbroker acyclic.
type SessionRouter interface {
	HandleTerminalReady(agentID string, payload protocol.TerminalReadyPayload)
	HandleTerminalOutput(agentID string, payload protocol.TerminalOutputPayload)
	HandleTerminalError(agentID string, payload protocol.TerminalErrorPayload)
	HandleTerminalClosed(agentID string, payload protocol.TerminalClosedPayload)

	// HandleEnvelope processes a cross-replica presence.Envelope that is
	// not addressed to a local agent transport (i.e. anything other than
	// Kind "terminal_command") — session-direction traffic for a session
	// whose operator transport lives on this replica.
	HandleEnvelope(env presence.Envelope)

	// HandleAgentDisconnected tells the Session Broker that agentID's
	// transport is gone, wherever it was held, so any session open
	// against it can be torn down (spec §4.3 Teardown "agent disconnect").
	HandleAgentDisconnected(agentID string)
}

// Transport is one live agent WebSocket connection.
type Transport struct {
	conn    *websocket.Conn
	agentID string
	send    chan []byte
	hub     *Hub

	closeOnce sync.Once
	closed    atomic.Bool

	lastHeartbeat atomic.Int64 // unix seconds
	connectedAt   time.Time
}

// SafeSend enqueues a frame for writePump without risking a
// send-on-closed-channel panic if Close() raced ahead of us.
func (t *Transport) SafeSend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	if t.closed.Load() {
		return false
	}
	select {
	case t.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the transport down exactly once.
func (t *Transport) Close(reason string) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.send)
		deadline := time.Now().Add(writeWait)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	})
}

// Hub is the Connection Hub for one server replica.
type Hub struct {
	log       zerolog.Logger
	replicaID string
	presence  presence.Directory
	agents    *agentstore.Store
	snapshots *snapshotstore.Store
	router    SessionRouter
	metrics   *metrics.Registry

	heartbeatTimeout time.Duration
	evictTimeout     time.Duration

	mu         sync.RWMutex
	transports map[string]*Transport

	register   chan *Transport
	unregister chan *Transport
	frames     chan frameEvent

	evictMu          sync.Mutex
	pendingEvictions map[string]chan struct{} // agent_id -> ack channel

	orderMu       sync.Mutex
	sessionOrders map[string]*sessionOrder // session_id -> reorder state

	closeOnceCtx sync.Once
}

// sessionOrder reorders operator->agent terminal_command envelopes by
// sequence number before their raw frame bytes are forwarded to the
// local agent transport — the receiving-replica half of spec §4.3's
// ordering guarantee (the originating replica stamps
// presence.Envelope.Sequence; see sessionbroker.Broker.sendToAgent).
type sessionOrder struct {
	mu      sync.Mutex
	started bool
	next    uint64
	pending map[uint64][]byte
}

// accept returns every payload now ready for in-order delivery,
// buffering seq if it arrives ahead of the next expected sequence and
// dropping it if it is a stale redelivery.
func (o *sessionOrder) accept(seq uint64, payload []byte) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		o.started = true
		o.next = seq
	}
	if seq < o.next {
		return nil
	}
	if seq > o.next {
		o.pending[seq] = payload
		return nil
	}

	ready := [][]byte{payload}
	o.next++
	for {
		next, ok := o.pending[o.next]
		if !ok {
			break
		}
		ready = append(ready, next)
		delete(o.pending, o.next)
		o.next++
	}
	return ready
}

type frameEvent struct {
	transport *Transport
	frame     *protocol.Frame
}

// Config bundles the Hub's collaborators.
type Config struct {
	ReplicaID        string
	Presence         presence.Directory
	Agents           *agentstore.Store
	Snapshots        *snapshotstore.Store
	Router           SessionRouter
	Metrics          *metrics.Registry
	HeartbeatTimeout time.Duration // T_offline_declare
	EvictTimeout     time.Duration // T_handover
}

// New constructs a Hub bound to one replica identity.
func New(log zerolog.Logger, cfg Config) *Hub {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.EvictTimeout == 0 {
		cfg.EvictTimeout = defaultEvictTimeout
	}
	return &Hub{
		log:              log.With().Str("component", "connhub").Str("replica_id", cfg.ReplicaID).Logger(),
		replicaID:        cfg.ReplicaID,
		presence:         cfg.Presence,
		agents:           cfg.Agents,
		snapshots:        cfg.Snapshots,
		router:           cfg.Router,
		metrics:          cfg.Metrics,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		evictTimeout:     cfg.EvictTimeout,
		transports:       make(map[string]*Transport),
		register:         make(chan *Transport),
		unregister:       make(chan *Transport),
		frames:           make(chan frameEvent, 256),
		pendingEvictions: make(map[string]chan struct{}),
		sessionOrders:    make(map[string]*sessionOrder),
	}
}

// Run drives the Hub's main loop, the heartbeat supervisor, and the
// presence subscription for this replica's inbox until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	envelopes, transitions, err := h.presence.Subscribe(ctx, h.replicaID)
	if err != nil {
		return fmt.Errorf("connhub: subscribe presence: %w", err)
	}

	go h.deliveryLoop(ctx, envelopes, transitions)
	go h.supervisorLoop(ctx)

	for {
		if err := h.runLoop(ctx); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				h.log.Info().Msg("connhub shutting down")
				return nil
			}
			h.log.Error().Err(err).Msg("connhub loop crashed, restarting")
			time.Sleep(panicDelay)
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connhub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-h.register:
			h.handleRegister(ctx, t)
		case t := <-h.unregister:
			h.handleUnregister(ctx, t)
		case ev := <-h.frames:
			h.dispatch(ctx, ev.transport, ev.frame)
		}
	}
}

func (h *Hub) handleRegister(ctx context.Context, t *Transport) {
	h.mu.Lock()
	if old, ok := h.transports[t.agentID]; ok && old != t {
		h.mu.Unlock()
		old.Close(protocol.CloseDuplicate)
		h.mu.Lock()
	}
	h.transports[t.agentID] = t
	h.mu.Unlock()

	if err := h.presence.Register(ctx, t.agentID, h.replicaID, time.Now()); err != nil {
		h.log.Error().Err(err).Str("agent_id", t.agentID).Msg("presence register failed")
	}
	if h.metrics != nil {
		h.metrics.AgentsOnline.Inc()
	}
	h.log.Info().Str("agent_id", t.agentID).Msg("agent connected")
}

func (h *Hub) handleUnregister(ctx context.Context, t *Transport) {
	h.mu.Lock()
	known := h.transports[t.agentID] == t
	if known {
		delete(h.transports, t.agentID)
	}
	h.mu.Unlock()

	if !known {
		return
	}
	t.Close(protocol.CloseAgentOffline)
	if err := h.presence.Deregister(ctx, t.agentID, h.replicaID); err != nil {
		h.log.Warn().Err(err).Str("agent_id", t.agentID).Msg("presence deregister failed")
	}
	if h.metrics != nil {
		h.metrics.AgentsOnline.Dec()
	}
	if h.router != nil {
		h.router.HandleAgentDisconnected(t.agentID)
	}
	h.log.Info().Str("agent_id", t.agentID).Msg("agent disconnected")
}

// supervisorLoop periodically closes any transport whose last heartbeat
// exceeds heartbeatTimeout (spec §4.2 heartbeat-timeout state machine).
func (h *Hub) supervisorLoop(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.heartbeatTimeout).Unix()
			h.mu.RLock()
			stale := make([]*Transport, 0)
			for _, t := range h.transports {
				if t.lastHeartbeat.Load() < cutoff {
					stale = append(stale, t)
				}
			}
			h.mu.RUnlock()
			for _, t := range stale {
				h.log.Warn().Str("agent_id", t.agentID).Msg("heartbeat timeout, closing transport")
				select {
				case h.unregister <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// deliveryLoop forwards cross-replica envelopes/status transitions
// addressed to this replica's agents into the same dispatch path local
// frames use.
func (h *Hub) deliveryLoop(ctx context.Context, envelopes <-chan presence.Envelope, transitions <-chan presence.StatusTransition) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			h.deliverLocal(env)
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			// An agent going offline anywhere must tear down sessions
			// whose operator transport lives on this replica, even
			// though this replica never held the agent's transport.
			if tr.Status == presence.StatusOffline && h.router != nil {
				h.router.HandleAgentDisconnected(tr.AgentID)
			}
		}
	}
}

func (h *Hub) deliverLocal(env presence.Envelope) {
	switch env.Kind {
	case protocol.TypeTerminalCommand:
		h.mu.RLock()
		t, ok := h.transports[env.AgentID]
		h.mu.RUnlock()
		if !ok {
			h.log.Warn().Str("agent_id", env.AgentID).Msg("delivery for agent with no local transport")
			return
		}
		for _, payload := range h.reorderTerminalCommand(env.SessionID, env.Sequence, env.Payload) {
			t.SafeSend(payload)
		}
	case envelopeKindEvict:
		h.handleEvictRequest(env)
	case envelopeKindEvictAck:
		h.handleEvictAck(env)
	default:
		if h.router != nil {
			h.router.HandleEnvelope(env)
		}
	}
}

// reorderTerminalCommand buffers operator->agent terminal_command
// envelopes by sequence number so they are forwarded to the local agent
// transport in the order the originating replica assigned them (spec
// §4.3's per-direction, per-session ordering guarantee; §4.1 "replicas
// must tolerate reordering").
func (h *Hub) reorderTerminalCommand(sessionID string, seq uint64, payload []byte) [][]byte {
	h.orderMu.Lock()
	ord, ok := h.sessionOrders[sessionID]
	if !ok {
		ord = &sessionOrder{pending: make(map[uint64][]byte)}
		h.sessionOrders[sessionID] = ord
	}
	h.orderMu.Unlock()
	return ord.accept(seq, payload)
}

// forgetSessionOrder releases the reorder state for a session once the
// agent reports it closed or errored, so per-session state does not
// accumulate forever.
func (h *Hub) forgetSessionOrder(sessionID string) {
	h.orderMu.Lock()
	delete(h.sessionOrders, sessionID)
	h.orderMu.Unlock()
}

// requestEviction implements spec §4.2 step 3: before registering
// agentID on this replica when the Presence Directory shows a different
// replica already owns it, ask that replica to evict its local
// transport and wait for its acknowledgement, bounded by evictTimeout
// (T_handover) so a replica that is itself gone does not stall the new
// connection past its own presence TTL.
func (h *Hub) requestEviction(ctx context.Context, agentID, oldReplicaID string) {
	ack := make(chan struct{})
	h.evictMu.Lock()
	h.pendingEvictions[agentID] = ack
	h.evictMu.Unlock()
	defer func() {
		h.evictMu.Lock()
		delete(h.pendingEvictions, agentID)
		h.evictMu.Unlock()
	}()

	payload, err := json.Marshal(evictRequestPayload{RequestingReplica: h.replicaID})
	if err != nil {
		return
	}
	if err := h.presence.Deliver(ctx, oldReplicaID, presence.Envelope{
		Kind:    envelopeKindEvict,
		AgentID: agentID,
		Payload: payload,
	}); err != nil {
		h.log.Warn().Err(err).Str("agent_id", agentID).Str("old_replica", oldReplicaID).
			Msg("eviction request delivery failed, proceeding after TTL bound")
		return
	}

	select {
	case <-ack:
	case <-time.After(h.evictTimeout):
		h.log.Warn().Str("agent_id", agentID).Str("old_replica", oldReplicaID).
			Msg("eviction ack timed out, proceeding anyway")
	case <-ctx.Done():
	}
}

// handleEvictRequest closes agentID's local transport (if this replica
// holds it) in response to another replica's handover request, then
// acknowledges so the requester's requestEviction can stop waiting.
func (h *Hub) handleEvictRequest(env presence.Envelope) {
	var payload evictRequestPayload
	_ = json.Unmarshal(env.Payload, &payload)

	h.mu.RLock()
	t, ok := h.transports[env.AgentID]
	h.mu.RUnlock()
	if ok {
		select {
		case h.unregister <- t:
		default:
			go func() { h.unregister <- t }()
		}
	}

	if payload.RequestingReplica == "" {
		return
	}
	if err := h.presence.Deliver(context.Background(), payload.RequestingReplica, presence.Envelope{
		Kind:    envelopeKindEvictAck,
		AgentID: env.AgentID,
	}); err != nil {
		h.log.Warn().Err(err).Str("agent_id", env.AgentID).Msg("eviction ack delivery failed")
	}
}

func (h *Hub) handleEvictAck(env presence.Envelope) {
	h.evictMu.Lock()
	ack, ok := h.pendingEvictions[env.AgentID]
	h.evictMu.Unlock()
	if ok {
		select {
		case <-ack:
		default:
			close(ack)
		}
	}
}

// SendTerminalCommand attempts to deliver a terminal_command frame to
// agentID's transport on this replica. It returns false without error if
// the agent is not connected locally, so the Session Broker can fall back
// to presence.Deliver for cross-replica routing.
func (h *Hub) SendTerminalCommand(agentID string, payload protocol.TerminalCommandPayload) (bool, error) {
	h.mu.RLock()
	t, ok := h.transports[agentID]
	h.mu.RUnlock()
	if !ok {
		return false, nil
	}
	frame, err := protocol.NewFrame(protocol.TypeTerminalCommand, payload)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return false, err
	}
	return t.SafeSend(data), nil
}

// ReplicaID reports this Hub's replica identity.
func (h *Hub) ReplicaID() string { return h.replicaID }

// Accept wraps an already-upgraded WebSocket connection in a Transport,
// performs the hello/welcome handshake (including verification of the
// agent's secret), and runs its read/write pumps
// until the connection closes. It blocks until the agent disconnects.
func (h *Hub) Accept(ctx context.Context, conn *websocket.Conn, heartbeatInterval, inventoryInterval time.Duration) error {
	conn.SetReadLimit(maxFrame)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("connhub: read hello: %w", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("connhub: parse hello frame: %w", err)
	}
	if frame.Type != protocol.TypeHello {
		return fmt.Errorf("connhub: expected hello, got %s", frame.Type)
	}
	var hello protocol.HelloPayload
	if err := frame.ParseData(&hello); err != nil {
		return fmt.Errorf("connhub: parse hello payload: %w", err)
	}

	if err := h.agents.VerifySecret(ctx, hello.AgentID, hello.Secret); err != nil {
		welcomeErr, _ := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
			Code: protocol.ErrCodeAuth, Message: "invalid agent credentials",
		})
		data, _ := json.Marshal(welcomeErr)
		_ = conn.WriteMessage(websocket.TextMessage, data)
		return fmt.Errorf("connhub: auth failed for %s: %w", hello.AgentID, err)
	}

	if entry, lookupErr := h.presence.Lookup(ctx, hello.AgentID); lookupErr == nil {
		if entry.Status == presence.StatusOnline && entry.ReplicaID != h.replicaID {
			h.log.Info().Str("agent_id", hello.AgentID).Str("old_replica", entry.ReplicaID).
				Msg("requesting cross-replica eviction before registering")
			h.requestEviction(ctx, hello.AgentID, entry.ReplicaID)
		}
	} else if lookupErr != presence.ErrNotFound {
		h.log.Warn().Err(lookupErr).Str("agent_id", hello.AgentID).Msg("presence lookup failed before registration")
	}

	welcome, err := protocol.NewFrame(protocol.TypeWelcome, protocol.WelcomePayload{
		ServerVersion:      "1.0.0",
		HeartbeatIntervalS: int(heartbeatInterval.Seconds()),
		InventoryIntervalS: int(inventoryInterval.Seconds()),
	})
	if err != nil {
		return err
	}
	welcomeData, err := json.Marshal(welcome)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, welcomeData); err != nil {
		return fmt.Errorf("connhub: write welcome: %w", err)
	}

	t := &Transport{
		conn:        conn,
		agentID:     hello.AgentID,
		send:        make(chan []byte, 64),
		hub:         h,
		connectedAt: time.Now(),
	}
	t.lastHeartbeat.Store(time.Now().Unix())

	select {
	case h.register <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.writePump()
	}()
	t.readPump(ctx, h)
	<-done

	select {
	case h.unregister <- t:
	case <-ctx.Done():
	}
	return nil
}

func (t *Transport) readPump(ctx context.Context, h *Hub) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.log.Warn().Err(err).Str("agent_id", t.agentID).Msg("failed to parse frame")
			continue
		}
		select {
		case h.frames <- frameEvent{transport: t, frame: &frame}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) writePump() {
	for data := range t.send {
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
