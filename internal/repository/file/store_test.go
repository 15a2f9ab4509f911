package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/splax/deploygate/internal/domain"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "deployment-state.json")
	store := New(path)
	ctx := context.Background()

	snapshot, err := store.Load(ctx)
	if err != nil || snapshot != nil {
		t.Fatalf("expected nil snapshot for missing file, got %+v, %v", snapshot, err)
	}

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := domain.Snapshot{
		ActiveDeployments: map[string]domain.Deployment{
			"k1": {Key: "k1", Source: domain.SourceGitHub, PRNumber: domain.IntPtr(42), CommitHash: "abc", Environment: "preview", Status: domain.StatusRunning, StartedAt: &started},
		},
		Queue:             []domain.Deployment{{Key: "k2", Source: domain.SourceGitLab, Branch: "main", Environment: "production", Status: domain.StatusQueued}},
		DeploymentHistory: []domain.Deployment{{Key: "k0", Status: domain.StatusFailed, Error: "boom"}},
		Metrics:           domain.Metrics{TotalDeployments: 3, Errors: 1},
		Timestamp:         started,
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ActiveDeployments["k1"].PRNumber == nil || *got.ActiveDeployments["k1"].PRNumber != 42 {
		t.Fatalf("active deployment not restored: %+v", got.ActiveDeployments)
	}
	if len(got.Queue) != 1 || got.Queue[0].Branch != "main" {
		t.Fatalf("queue not restored: %+v", got.Queue)
	}
	if got.Metrics != want.Metrics {
		t.Fatalf("metrics mismatch: %+v", got.Metrics)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestStoreLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(path).Load(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}
