// Package integration runs fleethub's components together over real
// network sockets: an httptest.NewServer wrapping internal/server's
// router, a real internal/agent.Agent dialing into it, and an operator
// acting as a gorilla/websocket client the way a browser-based terminal
// client would (spec §4.2-§4.4 end to end).
package integration

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/fleethub/fleethub/internal/agent"
	"github.com/fleethub/fleethub/internal/agentstore"
	"github.com/fleethub/fleethub/internal/config"
	"github.com/fleethub/fleethub/internal/presence"
	"github.com/fleethub/fleethub/internal/protocol"
	"github.com/fleethub/fleethub/internal/server"
	"github.com/fleethub/fleethub/internal/snapshotstore"
)

const testStaticSecret = "integration-test-secret"

func newHarness(t *testing.T) (*server.Server, string) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := agentstore.Migrate(db); err != nil {
		t.Fatalf("migrate agents: %v", err)
	}
	if err := snapshotstore.Migrate(db); err != nil {
		t.Fatalf("migrate snapshots: %v", err)
	}
	if err := agentstore.New(db).Enroll(context.Background(), "host-a", "Host A", "agent-secret"); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	cfg := &config.ServerConfig{
		ListenAddr:        ":0",
		ReplicaID:         "replica-integration",
		RedisURL:          "memory://local",
		AuthMode:          "static",
		StaticAuthSecret:  testStaticSecret,
		DatabasePath:      ":memory:",
		DataDir:           t.TempDir(),
		HeartbeatInterval: 200 * time.Millisecond,
		InventoryInterval: time.Minute,
		HeartbeatTimeout:  2 * time.Second,
		PresenceTTL:       5 * time.Second,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}

	srv, err := server.New(cfg, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, cfg.ReplicaID
}

func newHTTPTestServer(t *testing.T, srv *server.Server) *httptest.Server {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

func operatorBearerToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator-integration",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testStaticSecret))
	if err != nil {
		t.Fatalf("sign operator token: %v", err)
	}
	return signed
}

// startAgent wires a real agent.Agent to wsURL and runs it under ctx in
// a background goroutine, returning without waiting for it to connect.
func startAgent(t *testing.T, ctx context.Context, wsURL string) {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.ServerURL = wsURL
	cfg.AgentID = "host-a"
	cfg.Secret = "agent-secret"
	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.InventoryInterval = time.Minute

	a := agent.New(cfg, zerolog.Nop())
	go func() {
		_ = a.Run(ctx)
	}()
}

// TestTerminalSession_EndToEnd drives a full operator-opens-a-shell
// round trip: an agent dials the server, an operator opens a terminal
// against that agent, sends a command over stdin, and observes the
// echoed output arrive as operator "output" frames.
func TestTerminalSession_EndToEnd(t *testing.T) {
	srv, _ := newHarness(t)
	httpSrv := newHTTPTestServer(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentWS := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	startAgent(t, ctx, agentWS)

	// Give the agent time to complete its hello/welcome handshake before
	// the operator tries to reach it.
	waitForAgentOnline(t, srv, "host-a", 2*time.Second)

	token := operatorBearerToken(t)
	terminalWS := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/terminal/host-a?token=" + token
	opConn, _, err := websocket.DefaultDialer.Dial(terminalWS, nil)
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	defer opConn.Close()

	initFrame, _ := protocol.NewFrame(protocol.TypeOperatorInit, protocol.OperatorInitPayload{
		Rows: 24, Cols: 80,
	})
	data, _ := initFrame.Marshal()
	if err := opConn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write init: %v", err)
	}

	marker := "fleethub-integration-marker"
	input, _ := protocol.NewFrame(protocol.TypeOperatorInput, protocol.OperatorInputPayload{
		Data: base64.StdEncoding.EncodeToString([]byte("echo " + marker + "\n")),
	})
	inputData, _ := input.Marshal()

	deadline := time.Now().Add(5 * time.Second)
	_ = opConn.SetReadDeadline(deadline)

	sentInput := false
	var seen strings.Builder
	for time.Now().Before(deadline) {
		_, raw, err := opConn.ReadMessage()
		if err != nil {
			t.Fatalf("read operator frame: %v", err)
		}
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypeOperatorError:
			var payload protocol.OperatorErrorPayload
			_ = frame.ParseData(&payload)
			t.Fatalf("operator received error: %s", payload.Reason)
		case protocol.TypeOperatorOutput:
			var payload protocol.OperatorOutputPayload
			if err := frame.ParseData(&payload); err != nil {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(payload.Output)
			if err != nil {
				continue
			}
			seen.Write(decoded)
			if !sentInput {
				// The shell has produced its first prompt output; now
				// it is safe to feed it a command.
				if err := opConn.WriteMessage(websocket.TextMessage, inputData); err != nil {
					t.Fatalf("write input: %v", err)
				}
				sentInput = true
			}
			if strings.Contains(seen.String(), marker) {
				return
			}
		}
	}
	t.Fatalf("timed out waiting for marker in shell output, saw: %q", seen.String())
}

func waitForAgentOnline(t *testing.T, srv *server.Server, agentID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entry, err := srv.Presence().Lookup(context.Background(), agentID)
		if err == nil && entry.Status == presence.StatusOnline {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("agent %s never reported online presence", agentID)
}
