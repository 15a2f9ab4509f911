package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/scheduler"
)

type snapshotStore struct {
	mu   sync.Mutex
	last *domain.Snapshot
}

func (s *snapshotStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	return nil, nil
}

func (s *snapshotStore) Save(ctx context.Context, snapshot domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &snapshot
	return nil
}

func TestShutdownFlushesTransitionsFromDrainingHandlers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &snapshotStore{}
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 3}, nil, store, logger)

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		sched.Submit(r.Context(), domain.Deployment{
			Key: "late", Source: domain.SourceGitHub, Branch: "main", CommitHash: "abc", Environment: "production",
		})
		w.WriteHeader(http.StatusOK)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()

	reqDone := make(chan error, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/", "application/json", nil)
		if err == nil {
			resp.Body.Close()
		}
		reqDone <- err
	}()
	<-entered

	var pipelineWaited bool
	stopped := make(chan error, 1)
	go func() {
		stopped <- shutdown(srv, func() { pipelineWaited = true }, stopScheduler, schedDone)
	}()

	// Give Shutdown time to close the listener while the handler is still busy.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-schedDone:
		t.Fatal("scheduler stopped before in-flight handler finished")
	default:
	}
	close(release)

	if err := <-stopped; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-reqDone; err != nil {
		t.Fatalf("in-flight request failed: %v", err)
	}
	if !pipelineWaited {
		t.Fatal("pipeline was not drained")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.last == nil {
		t.Fatal("no final snapshot written")
	}
	if _, ok := store.last.ActiveDeployments["late"]; !ok {
		t.Fatalf("final snapshot misses deployment admitted during shutdown: %+v", store.last.ActiveDeployments)
	}
}
