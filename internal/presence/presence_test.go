package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// directoryFactories returns one factory for a MemoryDirectory and one
// for a RedisDirectory (backed by miniredis) so every test in this file
// runs against both implementations.
func directoryFactories(t *testing.T) map[string]func() Directory {
	t.Helper()
	return map[string]func() Directory{
		"memory": func() Directory {
			return NewMemoryDirectory(200 * time.Millisecond)
		},
		"redis": func() Directory {
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("start miniredis: %v", err)
			}
			t.Cleanup(mr.Close)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisDirectory(client, 200*time.Millisecond, zerolog.Nop())
		},
	}
}

func TestDirectory_RegisterLookup(t *testing.T) {
	for name, factory := range directoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := factory()
			defer d.Close()
			ctx := context.Background()
			now := time.Now()

			if err := d.Register(ctx, "agent-1", "replica-a", now); err != nil {
				t.Fatalf("register: %v", err)
			}
			entry, err := d.Lookup(ctx, "agent-1")
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if entry.Status != StatusOnline || entry.ReplicaID != "replica-a" {
				t.Fatalf("unexpected entry: %+v", entry)
			}
		})
	}
}

func TestDirectory_LookupMissing(t *testing.T) {
	for name, factory := range directoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := factory()
			defer d.Close()
			_, err := d.Lookup(context.Background(), "nope")
			if err != ErrNotFound {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDirectory_ConditionalDeregister(t *testing.T) {
	for name, factory := range directoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := factory()
			defer d.Close()
			ctx := context.Background()
			now := time.Now()

			// agent registers on replica-a, then a newer connection wins
			// on replica-b before replica-a's stale deregister arrives.
			if err := d.Register(ctx, "agent-1", "replica-a", now); err != nil {
				t.Fatalf("register a: %v", err)
			}
			if err := d.Register(ctx, "agent-1", "replica-b", now); err != nil {
				t.Fatalf("register b: %v", err)
			}
			if err := d.Deregister(ctx, "agent-1", "replica-a"); err != nil {
				t.Fatalf("stale deregister: %v", err)
			}

			entry, err := d.Lookup(ctx, "agent-1")
			if err != nil {
				t.Fatalf("lookup after stale deregister: %v", err)
			}
			if entry.ReplicaID != "replica-b" {
				t.Fatalf("stale deregister clobbered owner, got %+v", entry)
			}

			if err := d.Deregister(ctx, "agent-1", "replica-b"); err != nil {
				t.Fatalf("owning deregister: %v", err)
			}
			if _, err := d.Lookup(ctx, "agent-1"); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound after owning deregister, got %v", err)
			}
		})
	}
}

func TestDirectory_TouchExtendsAndEvicts(t *testing.T) {
	for name, factory := range directoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := factory()
			defer d.Close()
			ctx := context.Background()
			now := time.Now()

			if err := d.Touch(ctx, "ghost", now); err != ErrEvicted {
				t.Fatalf("expected ErrEvicted for unknown agent, got %v", err)
			}

			if err := d.Register(ctx, "agent-1", "replica-a", now); err != nil {
				t.Fatalf("register: %v", err)
			}
			if err := d.Touch(ctx, "agent-1", now.Add(50*time.Millisecond)); err != nil {
				t.Fatalf("touch: %v", err)
			}
		})
	}
}

func TestDirectory_DeliverAndSubscribe(t *testing.T) {
	for name, factory := range directoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := factory()
			defer d.Close()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			envelopes, transitions, err := d.Subscribe(ctx, "replica-a")
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}

			now := time.Now()
			if err := d.Register(ctx, "agent-1", "replica-b", now); err != nil {
				t.Fatalf("register: %v", err)
			}

			select {
			case transition := <-transitions:
				if transition.AgentID != "agent-1" || transition.Status != StatusOnline {
					t.Fatalf("unexpected transition: %+v", transition)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for status transition")
			}

			if err := d.Deliver(ctx, "replica-a", Envelope{Kind: "test", AgentID: "agent-1", Payload: []byte("hi")}); err != nil {
				t.Fatalf("deliver: %v", err)
			}

			select {
			case env := <-envelopes:
				if string(env.Payload) != "hi" {
					t.Fatalf("unexpected envelope: %+v", env)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for delivered envelope")
			}
		})
	}
}

func TestDirectory_SweepExpiresStaleEntries(t *testing.T) {
	for name, factory := range directoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := factory()
			defer d.Close()
			ctx := context.Background()

			if err := d.Register(ctx, "agent-1", "replica-a", time.Now()); err != nil {
				t.Fatalf("register: %v", err)
			}

			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := d.Lookup(ctx, "agent-1"); err == ErrNotFound {
					return
				}
				time.Sleep(50 * time.Millisecond)
			}
			t.Fatal("entry never expired")
		})
	}
}
