package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/snapshot"
)

// Redis is the cross-process snapshot history sink. Keys are
// "stormstack:history:<match>:<tick>", JSON-encoded, expiring after TTL so
// abandoned matches don't accumulate.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client. ttl <= 0 selects one hour.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func key(matchID ids.MatchId, tick uint64) string {
	return fmt.Sprintf("stormstack:history:%s:%d", matchID, tick)
}

// Put stores a snapshot.
func (r *Redis) Put(matchID ids.MatchId, tick uint64, snap *snapshot.WorldSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return apierr.WrapTransport("encode snapshot", err)
	}
	if err := r.client.Set(context.Background(), key(matchID, tick), data, r.ttl).Err(); err != nil {
		return apierr.WrapTransport("store snapshot", err)
	}
	return nil
}

// Get fetches the snapshot stored for (matchID, tick).
func (r *Redis) Get(matchID ids.MatchId, tick uint64) (*snapshot.WorldSnapshot, error) {
	data, err := r.client.Get(context.Background(), key(matchID, tick)).Bytes()
	if err == redis.Nil {
		return nil, apierr.NotFound("no snapshot retained at that tick")
	}
	if err != nil {
		return nil, apierr.WrapTransport("fetch snapshot", err)
	}
	var snap snapshot.WorldSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apierr.WrapTransport("decode snapshot", err)
	}
	return &snap, nil
}

// Prune deletes snapshots at or below keepAfter. Redis entries also expire
// on their own TTL; Prune exists for parity with the memory sink and for
// immediate cleanup on match deletion.
func (r *Redis) Prune(matchID ids.MatchId, keepAfter uint64) error {
	ctx := context.Background()
	prefix := fmt.Sprintf("stormstack:history:%s:", matchID)
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		var tick uint64
		if _, err := fmt.Sscanf(k, prefix+"%d", &tick); err != nil {
			continue
		}
		if tick <= keepAfter {
			_ = r.client.Del(ctx, k).Err()
		}
	}
	if err := iter.Err(); err != nil {
		return apierr.WrapTransport("scan history keys", err)
	}
	return nil
}
