package agent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleethub/fleethub/internal/agent"
	"github.com/fleethub/fleethub/internal/config"
	"github.com/fleethub/fleethub/internal/protocol"
)

type recordingHandler struct {
	mu        sync.Mutex
	connected []protocol.WelcomePayload
	frames    []*protocol.Frame
}

func (r *recordingHandler) OnConnected(w protocol.WelcomePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, w)
}
func (r *recordingHandler) OnDisconnected() {}
func (r *recordingHandler) OnFrame(f *protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}
func (r *recordingHandler) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func mockServer(t *testing.T) (url string, helloCh chan protocol.HelloPayload) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	helloCh = make(chan protocol.HelloPayload, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		var hello protocol.HelloPayload
		_ = frame.ParseData(&hello)
		helloCh <- hello

		welcome, _ := protocol.NewFrame(protocol.TypeWelcome, protocol.WelcomePayload{
			ServerVersion:      "test",
			HeartbeatIntervalS: 1,
			InventoryIntervalS: 60,
		})
		data, _ := welcome.Marshal()
		_ = conn.WriteMessage(websocket.TextMessage, data)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), helloCh
}

func TestTransport_HandshakeSucceeds(t *testing.T) {
	wsURL, helloCh := mockServer(t)

	cfg := &config.AgentConfig{
		ServerURL: wsURL,
		AgentID:   "agent-1",
		Secret:    "s3cret",
	}
	handler := &recordingHandler{}
	transport := agent.NewTransport(cfg, zerolog.Nop(), handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go transport.Run(ctx)

	select {
	case hello := <-helloCh:
		if hello.AgentID != "agent-1" {
			t.Fatalf("unexpected agent id in hello: %s", hello.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hello")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handler.connectedCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("transport never reported OnConnected")
}
