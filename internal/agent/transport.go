package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleethub/fleethub/internal/config"
	"github.com/fleethub/fleethub/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
)

// ConnectionHandler receives transport lifecycle events.
type ConnectionHandler interface {
	OnConnected(welcome protocol.WelcomePayload)
	OnDisconnected()
	OnFrame(frame *protocol.Frame)
}

// Transport owns the agent's single WebSocket connection to the server
// and the hello/welcome handshake, reconnecting with exponential backoff
// and jitter on any failure (spec §4.4).
type Transport struct {
	cfg     *config.AgentConfig
	log     zerolog.Logger
	handler ConnectionHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	backoff   time.Duration
}

// NewTransport constructs a Transport bound to handler's callbacks.
func NewTransport(cfg *config.AgentConfig, log zerolog.Logger, handler ConnectionHandler) *Transport {
	return &Transport{
		cfg:     cfg,
		log:     log.With().Str("component", "transport").Logger(),
		handler: handler,
		backoff: initialBackoff,
	}
}

// Run dials, performs the handshake, reads frames, and reconnects with
// backoff+jitter until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.connectAndHandshake(ctx); err != nil {
			t.log.Error().Err(err).Dur("backoff", t.backoff).Msg("connect failed, retrying")
			t.waitBackoff(ctx)
			continue
		}
		t.backoff = initialBackoff
		t.readLoop(ctx)
		t.waitBackoff(ctx)
	}
}

func (t *Transport) connectAndHandshake(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.ServerURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("transport: dial %s: unauthorized: %w", t.cfg.ServerURL, err)
		}
		return fmt.Errorf("transport: dial %s: %w", t.cfg.ServerURL, err)
	}

	hello, err := protocol.NewFrame(protocol.TypeHello, protocol.HelloPayload{
		AgentID:      t.cfg.AgentID,
		Secret:       t.cfg.Secret,
		AgentVersion: Version,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	data, err := hello.Marshal()
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return fmt.Errorf("transport: write hello: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("transport: read welcome: %w", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("transport: parse welcome: %w", err)
	}
	if frame.Type == protocol.TypeError {
		var errPayload protocol.ErrorPayload
		_ = frame.ParseData(&errPayload)
		_ = conn.Close()
		return fmt.Errorf("transport: server rejected hello: %s", errPayload.Message)
	}
	if frame.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return fmt.Errorf("transport: expected welcome, got %s", frame.Type)
	}
	var welcome protocol.WelcomePayload
	if err := frame.ParseData(&welcome); err != nil {
		_ = conn.Close()
		return fmt.Errorf("transport: parse welcome payload: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.handler.OnConnected(welcome)
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		t.connected = false
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
		t.handler.OnDisconnected()
	}()

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Warn().Err(err).Msg("failed to parse frame")
			continue
		}
		t.handler.OnFrame(&frame)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Send writes a frame to the server, failing fast if not connected.
func (t *Transport) Send(frame *protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	data, err := frame.Marshal()
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// IsConnected reports the current connection state.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) waitBackoff(ctx context.Context) {
	jittered := t.backoff/2 + time.Duration(rand.Int63n(int64(t.backoff/2+1)))
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	t.backoff *= 2
	if t.backoff > maxBackoff {
		t.backoff = maxBackoff
	}
}

// Close shuts the transport down.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, protocol.CloseShutdown), deadline)
	return t.conn.Close()
}
