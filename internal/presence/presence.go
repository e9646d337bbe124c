// Package presence implements the Presence Directory: the cross-replica
// answer to "is agent A online, and if so, which replica holds its
// transport?" (spec §4.1).
package presence

import (
	"context"
	"errors"
	"time"
)

// Status is the connection state recorded for an agent.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ErrUnavailable is returned by any Directory operation when the backing
// store cannot be reached. Callers must enter degraded mode on this error
// rather than treat it as "not found".
var ErrUnavailable = errors.New("presence: directory unavailable")

// ErrNotFound is returned by Lookup when no entry exists for the agent.
var ErrNotFound = errors.New("presence: no entry for agent")

// ErrEvicted is returned by Touch when the entry had already expired; the
// caller must re-register rather than assume the touch succeeded.
var ErrEvicted = errors.New("presence: entry evicted, re-register required")

// Entry is a snapshot of one agent's presence record (spec §3).
type Entry struct {
	AgentID        string
	Status         Status
	ReplicaID      string
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
}

// Envelope is a point-to-point notification addressed to a replica, or a
// broadcast status transition. Kind distinguishes the two; Payload is
// opaque to the Directory and interpreted by the caller (the Connection
// Hub or Session Broker).
type Envelope struct {
	Kind      string
	AgentID   string
	Payload   []byte
	SessionID string
	Sequence  uint64
}

// StatusTransition is delivered to every subscribed replica when an
// agent's presence status changes, so each replica can evict stale local
// state after a remote handover (invariant P1).
type StatusTransition struct {
	AgentID   string
	Status    Status
	ReplicaID string
}

// Directory is the Presence Directory contract. Implementations must
// tolerate reordering of envelopes delivered via Deliver/Subscribe;
// callers dedupe by (SessionID, Sequence) themselves.
type Directory interface {
	// Register sets status=online, replica_id, connected_at=now,
	// last_heartbeat=now with TTL = T_presence.
	Register(ctx context.Context, agentID, replicaID string, now time.Time) error

	// Touch refreshes last_heartbeat and extends the TTL. Returns
	// ErrEvicted if no entry currently exists.
	Touch(ctx context.Context, agentID string, now time.Time) error

	// Deregister performs a conditional delete: it is a no-op if the
	// current owner differs from replicaID, so a stale replica can never
	// clear a freshly reconnected agent's entry (spec §4.1).
	Deregister(ctx context.Context, agentID, replicaID string) error

	// Lookup returns the current entry for agentID, or ErrNotFound.
	Lookup(ctx context.Context, agentID string) (Entry, error)

	// Deliver asynchronously delivers envelope to the named replica's
	// inbox. Returns an error if the replica is not known to be
	// subscribed; delivery itself is not acknowledged.
	Deliver(ctx context.Context, replicaID string, envelope Envelope) error

	// Subscribe returns a channel of envelopes addressed to replicaID and
	// a channel of status transitions for all agents, until ctx is
	// cancelled. Both channels are closed when the subscription ends.
	Subscribe(ctx context.Context, replicaID string) (<-chan Envelope, <-chan StatusTransition, error)

	// Close releases any resources held by the Directory.
	Close() error
}
