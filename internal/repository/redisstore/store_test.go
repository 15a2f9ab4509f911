package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/deploygate/internal/domain"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("DEPLOYGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEPLOYGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return client
}

func TestStoreRoundTrip(t *testing.T) {
	client := testClient(t)
	key := "deploygate:test:" + t.Name()
	t.Cleanup(func() { client.Del(context.Background(), key) })
	store := New(client, key)
	ctx := context.Background()

	if snapshot, err := store.Load(ctx); err != nil || snapshot != nil {
		t.Fatalf("expected empty load, got %+v, %v", snapshot, err)
	}
	want := domain.Snapshot{
		ActiveDeployments: map[string]domain.Deployment{"k": {Key: "k", Environment: "preview", Status: domain.StatusRunning}},
		Metrics:           domain.Metrics{TotalDeployments: 1},
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.ActiveDeployments) != 1 || got.Metrics.TotalDeployments != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestNewDefaultsKey(t *testing.T) {
	if s := New(nil, ""); s.key != DefaultKey {
		t.Fatalf("expected default key, got %q", s.key)
	}
}
