package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

// These tests run against a migrated database named by
// DEPLOYGATE_TEST_DATABASE_URL and are skipped otherwise.
func testRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("DEPLOYGATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DEPLOYGATE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	return New(pool)
}

func TestSnapshotUpsert(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	first := domain.Snapshot{Metrics: domain.Metrics{TotalDeployments: 1}, Timestamp: time.Now().UTC()}
	second := domain.Snapshot{Metrics: domain.Metrics{TotalDeployments: 2}, Timestamp: time.Now().UTC()}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Metrics.TotalDeployments != 2 {
		t.Fatalf("expected latest snapshot, got %+v", got.Metrics)
	}
}

func TestWebhookEventsAndSecrets(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	ev := &domain.WebhookEvent{Source: domain.SourceGitHub, EventType: "push", Status: "skipped", Reason: "rate_limit", ReceivedAt: time.Now().UTC()}
	if err := repo.InsertWebhookEvent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ev.ID == "" {
		t.Fatalf("expected generated id")
	}
	events, err := repo.ListWebhookEvents(ctx, 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("list: %v %+v", err, events)
	}

	if _, err := repo.GetWebhookSecret(ctx, "missing/"+ev.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	name := "acme/" + ev.ID
	if err := repo.UpsertWebhookSecret(ctx, name, []byte("sealed")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	secret, err := repo.GetWebhookSecret(ctx, name)
	if err != nil || string(secret) != "sealed" {
		t.Fatalf("unexpected secret %q %v", secret, err)
	}
}
