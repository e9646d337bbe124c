package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryDirectory is a single-process Directory implementation with the
// same TTL and conditional-delete semantics as RedisDirectory. It backs
// unit tests and single-replica deployments where an external store is
// unnecessary overhead.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	subs    map[string]*memorySub
	ttl     time.Duration

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type memoryEntry struct {
	Entry
	expiresAt time.Time
}

type memorySub struct {
	envelopes   chan Envelope
	transitions chan StatusTransition
}

// NewMemoryDirectory constructs a MemoryDirectory and starts its
// background TTL sweep goroutine, which runs until Close is called.
func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	d := &MemoryDirectory{
		entries:   make(map[string]memoryEntry),
		subs:      make(map[string]*memorySub),
		ttl:       ttl,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

func (d *MemoryDirectory) sweepLoop() {
	defer close(d.sweepDone)
	ticker := time.NewTicker(d.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-d.sweepStop:
			return
		case now := <-ticker.C:
			d.sweepExpired(now)
		}
	}
}

func (d *MemoryDirectory) sweepExpired(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for agentID, e := range d.entries {
		if now.After(e.expiresAt) {
			delete(d.entries, agentID)
			d.broadcastTransitionLocked(StatusTransition{
				AgentID:   agentID,
				Status:    StatusOffline,
				ReplicaID: e.ReplicaID,
			})
		}
	}
}

func (d *MemoryDirectory) Register(ctx context.Context, agentID, replicaID string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[agentID] = memoryEntry{
		Entry: Entry{
			AgentID:       agentID,
			Status:        StatusOnline,
			ReplicaID:     replicaID,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
		expiresAt: now.Add(d.ttl),
	}
	d.broadcastTransitionLocked(StatusTransition{AgentID: agentID, Status: StatusOnline, ReplicaID: replicaID})
	return nil
}

func (d *MemoryDirectory) Touch(ctx context.Context, agentID string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[agentID]
	if !ok {
		return ErrEvicted
	}
	e.LastHeartbeat = now
	e.expiresAt = now.Add(d.ttl)
	d.entries[agentID] = e
	return nil
}

func (d *MemoryDirectory) Deregister(ctx context.Context, agentID, replicaID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[agentID]
	if !ok || e.ReplicaID != replicaID {
		return nil
	}
	delete(d.entries, agentID)
	d.broadcastTransitionLocked(StatusTransition{AgentID: agentID, Status: StatusOffline, ReplicaID: replicaID})
	return nil
}

func (d *MemoryDirectory) Lookup(ctx context.Context, agentID string) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[agentID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.Entry, nil
}

func (d *MemoryDirectory) Deliver(ctx context.Context, replicaID string, envelope Envelope) error {
	d.mu.Lock()
	sub, ok := d.subs[replicaID]
	d.mu.Unlock()
	if !ok {
		return ErrUnavailable
	}
	select {
	case sub.envelopes <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *MemoryDirectory) broadcastTransitionLocked(t StatusTransition) {
	for _, sub := range d.subs {
		select {
		case sub.transitions <- t:
		default:
		}
	}
}

func (d *MemoryDirectory) Subscribe(ctx context.Context, replicaID string) (<-chan Envelope, <-chan StatusTransition, error) {
	sub := &memorySub{
		envelopes:   make(chan Envelope, 256),
		transitions: make(chan StatusTransition, 256),
	}
	d.mu.Lock()
	d.subs[replicaID] = sub
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		if d.subs[replicaID] == sub {
			delete(d.subs, replicaID)
		}
		d.mu.Unlock()
		close(sub.envelopes)
		close(sub.transitions)
	}()

	return sub.envelopes, sub.transitions, nil
}

func (d *MemoryDirectory) Close() error {
	close(d.sweepStop)
	<-d.sweepDone
	return nil
}
