package sessionbroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleethub/fleethub/internal/presence"
	"github.com/fleethub/fleethub/internal/protocol"
	"github.com/fleethub/fleethub/internal/sessionbroker"
)

type fakeAgentSender struct {
	lastAgentID string
	lastPayload protocol.TerminalCommandPayload
	local       bool
}

func (f *fakeAgentSender) SendTerminalCommand(agentID string, payload protocol.TerminalCommandPayload) (bool, error) {
	f.lastAgentID = agentID
	f.lastPayload = payload
	return f.local, nil
}

type fakeOperatorTransport struct {
	outputs [][]byte
	errors  []string
	closed  bool
}

func (f *fakeOperatorTransport) SendOutput(data []byte) error {
	f.outputs = append(f.outputs, append([]byte(nil), data...))
	return nil
}
func (f *fakeOperatorTransport) SendError(reason string) error {
	f.errors = append(f.errors, reason)
	return nil
}
func (f *fakeOperatorTransport) SendClosed() error {
	f.closed = true
	return nil
}

func TestBroker_OpenSendsInitLocally(t *testing.T) {
	sender := &fakeAgentSender{local: true}
	dir := presence.NewMemoryDirectory(time.Second)
	defer dir.Close()
	broker := sessionbroker.New(zerolog.Nop(), "replica-a", dir, sender, nil, time.Minute)

	op := &fakeOperatorTransport{}
	sessionID, err := broker.Open(context.Background(), "agent-1", op, 24, 80, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if sender.lastPayload.Command != protocol.TerminalInit {
		t.Fatalf("expected init command, got %s", sender.lastPayload.Command)
	}
}

func TestBroker_OutputDedupDropsReplays(t *testing.T) {
	sender := &fakeAgentSender{local: true}
	dir := presence.NewMemoryDirectory(time.Second)
	defer dir.Close()
	broker := sessionbroker.New(zerolog.Nop(), "replica-a", dir, sender, nil, time.Minute)

	op := &fakeOperatorTransport{}
	sessionID, err := broker.Open(context.Background(), "agent-1", op, 24, 80, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	broker.HandleTerminalOutput("agent-1", protocol.TerminalOutputPayload{
		SessionID: sessionID, Data: "aGVsbG8=", Seq: 1,
	})
	broker.HandleTerminalOutput("agent-1", protocol.TerminalOutputPayload{
		SessionID: sessionID, Data: "aGVsbG8=", Seq: 1, // replay of seq 1
	})
	broker.HandleTerminalOutput("agent-1", protocol.TerminalOutputPayload{
		SessionID: sessionID, Data: "d29ybGQ=", Seq: 2,
	})

	if len(op.outputs) != 2 {
		t.Fatalf("expected 2 delivered chunks after dedup, got %d", len(op.outputs))
	}
	if string(op.outputs[0]) != "hello" || string(op.outputs[1]) != "world" {
		t.Fatalf("unexpected output content: %q", op.outputs)
	}
}

func TestBroker_OutputReordersOutOfOrderChunks(t *testing.T) {
	sender := &fakeAgentSender{local: true}
	dir := presence.NewMemoryDirectory(time.Second)
	defer dir.Close()
	broker := sessionbroker.New(zerolog.Nop(), "replica-a", dir, sender, nil, time.Minute)

	op := &fakeOperatorTransport{}
	sessionID, err := broker.Open(context.Background(), "agent-1", op, 24, 80, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// seq 3 arrives before seq 2: both must still be delivered, in order,
	// once the gap closes (spec requires tolerating reordering, not
	// dropping anything that isn't next).
	broker.HandleTerminalOutput("agent-1", protocol.TerminalOutputPayload{
		SessionID: sessionID, Data: "aGVsbG8=", Seq: 1,
	})
	broker.HandleTerminalOutput("agent-1", protocol.TerminalOutputPayload{
		SessionID: sessionID, Data: "IQ==", Seq: 3,
	})
	if len(op.outputs) != 1 {
		t.Fatalf("expected seq 3 to be buffered, not delivered yet; got %d outputs", len(op.outputs))
	}
	broker.HandleTerminalOutput("agent-1", protocol.TerminalOutputPayload{
		SessionID: sessionID, Data: "d29ybGQ=", Seq: 2,
	})
	if len(op.outputs) != 3 {
		t.Fatalf("expected 3 delivered chunks after the gap closed, got %d", len(op.outputs))
	}
	if string(op.outputs[0]) != "hello" || string(op.outputs[1]) != "world" || string(op.outputs[2]) != "!" {
		t.Fatalf("unexpected output order: %q", op.outputs)
	}
}

func TestBroker_HandleAgentDisconnectedClosesItsSessions(t *testing.T) {
	sender := &fakeAgentSender{local: true}
	dir := presence.NewMemoryDirectory(time.Second)
	defer dir.Close()
	broker := sessionbroker.New(zerolog.Nop(), "replica-a", dir, sender, nil, time.Minute)

	op := &fakeOperatorTransport{}
	sessionID, err := broker.Open(context.Background(), "agent-1", op, 24, 80, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	broker.HandleAgentDisconnected("agent-1")

	if !op.closed {
		t.Fatal("expected operator transport to be notified of closure")
	}
	if err := broker.Input(context.Background(), sessionID, []byte("x")); err == nil {
		t.Fatal("expected error writing input to a session torn down by agent disconnect")
	}
}

func TestBroker_CloseForgetsSession(t *testing.T) {
	sender := &fakeAgentSender{local: true}
	dir := presence.NewMemoryDirectory(time.Second)
	defer dir.Close()
	broker := sessionbroker.New(zerolog.Nop(), "replica-a", dir, sender, nil, time.Minute)

	op := &fakeOperatorTransport{}
	sessionID, err := broker.Open(context.Background(), "agent-1", op, 24, 80, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := broker.Close(context.Background(), sessionID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sender.lastPayload.Command != protocol.TerminalClose {
		t.Fatalf("expected close command sent to agent, got %s", sender.lastPayload.Command)
	}
	if err := broker.Input(context.Background(), sessionID, []byte("x")); err == nil {
		t.Fatal("expected error writing input to a closed session")
	}
}
