package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEntry is the JSON shape stored at key "presence:{agent_id}".
type redisEntry struct {
	Status        Status    `json:"status"`
	ReplicaID     string    `json:"replica_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// deregisterScript conditionally deletes the presence key only if it is
// still owned by the calling replica. This is what keeps invariant I2/P1:
// a stale replica's deregister can never clear a freshly reconnected
// agent's entry on a different replica.
var deregisterScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local entry = cjson.decode(raw)
if entry.replica_id ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// touchScript extends the TTL and updates last_heartbeat only if the key
// still exists, returning 0 (caller must re-register) when it has expired.
var touchScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local entry = cjson.decode(raw)
entry.last_heartbeat = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(entry), "PX", ARGV[2])
return 1
`)

// RedisDirectory is the Presence Directory backed by Redis, using keys
// with a TTL for entries and Pub/Sub channels for point-to-point and
// broadcast delivery (spec §4.1).
type RedisDirectory struct {
	client      *redis.Client
	ttl         time.Duration
	log         zerolog.Logger
}

// NewRedisDirectory constructs a RedisDirectory. ttl should be T_presence
// (spec recommends 45s, strictly greater than 2×T_heartbeat and less
// than T_offline_declare).
func NewRedisDirectory(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisDirectory {
	return &RedisDirectory{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "presence").Logger(),
	}
}

func presenceKey(agentID string) string {
	return "presence:" + agentID
}

func replicaChannel(replicaID string) string {
	return "replica:" + replicaID
}

const statusEventsChannel = "presence:events"

func (d *RedisDirectory) Register(ctx context.Context, agentID, replicaID string, now time.Time) error {
	entry := redisEntry{
		Status:        StatusOnline,
		ReplicaID:     replicaID,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("presence: marshal entry: %w", err)
	}
	if err := d.client.Set(ctx, presenceKey(agentID), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("%w: register %s: %v", ErrUnavailable, agentID, err)
	}
	d.publishTransition(ctx, agentID, StatusOnline, replicaID)
	return nil
}

func (d *RedisDirectory) Touch(ctx context.Context, agentID string, now time.Time) error {
	res, err := touchScript.Run(ctx, d.client, []string{presenceKey(agentID)},
		now.Format(time.RFC3339Nano), d.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: touch %s: %v", ErrUnavailable, agentID, err)
	}
	if res == 0 {
		return ErrEvicted
	}
	return nil
}

func (d *RedisDirectory) Deregister(ctx context.Context, agentID, replicaID string) error {
	res, err := deregisterScript.Run(ctx, d.client, []string{presenceKey(agentID)}, replicaID).Int()
	if err != nil {
		return fmt.Errorf("%w: deregister %s: %v", ErrUnavailable, agentID, err)
	}
	if res == 1 {
		d.publishTransition(ctx, agentID, StatusOffline, replicaID)
	}
	return nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, agentID string) (Entry, error) {
	raw, err := d.client.Get(ctx, presenceKey(agentID)).Result()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: lookup %s: %v", ErrUnavailable, agentID, err)
	}
	var e redisEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("presence: corrupt entry for %s: %w", agentID, err)
	}
	return Entry{
		AgentID:       agentID,
		Status:        e.Status,
		ReplicaID:     e.ReplicaID,
		ConnectedAt:   e.ConnectedAt,
		LastHeartbeat: e.LastHeartbeat,
	}, nil
}

func (d *RedisDirectory) Deliver(ctx context.Context, replicaID string, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("presence: marshal envelope: %w", err)
	}
	n, err := d.client.Publish(ctx, replicaChannel(replicaID), data).Result()
	if err != nil {
		return fmt.Errorf("%w: deliver to %s: %v", ErrUnavailable, replicaID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: deliver to %s: no subscriber", ErrUnavailable, replicaID)
	}
	return nil
}

func (d *RedisDirectory) publishTransition(ctx context.Context, agentID string, status Status, replicaID string) {
	t := StatusTransition{AgentID: agentID, Status: status, ReplicaID: replicaID}
	data, err := json.Marshal(t)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal status transition")
		return
	}
	if err := d.client.Publish(ctx, statusEventsChannel, data).Err(); err != nil {
		d.log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to publish status transition")
	}
}

func (d *RedisDirectory) Subscribe(ctx context.Context, replicaID string) (<-chan Envelope, <-chan StatusTransition, error) {
	sub := d.client.Subscribe(ctx, replicaChannel(replicaID), statusEventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, replicaID, err)
	}

	envelopes := make(chan Envelope, 256)
	transitions := make(chan StatusTransition, 256)

	go func() {
		defer close(envelopes)
		defer close(transitions)
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				switch msg.Channel {
				case replicaChannel(replicaID):
					var e Envelope
					if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
						d.log.Warn().Err(err).Msg("failed to parse envelope")
						continue
					}
					select {
					case envelopes <- e:
					case <-ctx.Done():
						return
					}
				case statusEventsChannel:
					var t StatusTransition
					if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
						d.log.Warn().Err(err).Msg("failed to parse status transition")
						continue
					}
					select {
					case transitions <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return envelopes, transitions, nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
