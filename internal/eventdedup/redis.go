package eventdedup

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type redisDeduplicator struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	window  time.Duration
	timeout time.Duration
}

// NewRedis returns a deduplicator shared across replicas. The first arrival
// wins a SET NX with the window as TTL.
func NewRedis(client redis.UniversalClient, window time.Duration, logger *slog.Logger) Deduplicator {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &redisDeduplicator{
		client:  client,
		logger:  logger,
		prefix:  "deploygate:event:",
		window:  window,
		timeout: 250 * time.Millisecond,
	}
}

// IsDuplicate treats Redis failures as "not a duplicate" so deliveries are not lost.
func (d *redisDeduplicator) IsDuplicate(identity string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	stored, err := d.client.SetNX(ctx, d.prefix+identity, time.Now().UTC().Format(time.RFC3339Nano), d.window).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Error("redis event dedup error", "error", err)
		}
		return false
	}
	return !stored
}

func (d *redisDeduplicator) Close() {}
