// Package scheduler owns admission and lifecycle of deployment requests:
// duplicate suppression, concurrency, per-PR and cooldown limits, the FIFO
// queue, completion accounting and timeout reaping.
package scheduler

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/pkg/config"
)

const (
	defaultCleanupInterval = time.Minute
	defaultDispatchTimeout = 30 * time.Second
	persistTimeout         = 10 * time.Second
)

// Dispatcher starts a CI build for an admitted deployment and returns the
// provider's run identifier.
type Dispatcher interface {
	Dispatch(ctx context.Context, d domain.Deployment) (string, error)
}

// Store persists whole scheduler snapshots. Load returns nil when nothing has
// been saved yet.
type Store interface {
	Load(ctx context.Context) (*domain.Snapshot, error)
	Save(ctx context.Context, snapshot domain.Snapshot) error
}

// Config carries the admission policy.
type Config struct {
	MaxConcurrent   int
	MaxPerPR        int
	Cooldown        time.Duration
	DuplicateWindow time.Duration
	MaxHistory      int
	CleanupInterval time.Duration
	Timeout         time.Duration
	DispatchTimeout time.Duration
}

// ConfigFrom maps gateway configuration onto scheduler policy.
func ConfigFrom(cfg config.GatewayConfig) Config {
	return Config{
		MaxConcurrent:   cfg.MaxConcurrentDeployments,
		MaxPerPR:        cfg.MaxDeploymentsPerPR,
		Cooldown:        cfg.DeploymentCooldown,
		DuplicateWindow: cfg.DuplicateWindow,
		MaxHistory:      cfg.MaxHistorySize,
		CleanupInterval: cfg.CleanupInterval,
		Timeout:         cfg.DeploymentTimeout,
		DispatchTimeout: cfg.ExternalTimeout,
	}
}

// Scheduler is the single owner of the active registry, the queue and the
// history. All state is guarded by mu; dispatch, persistence and observer
// calls happen after the lock is released.
type Scheduler struct {
	mu       sync.Mutex
	active   map[string]*domain.Deployment
	queue    []domain.Deployment
	history  []domain.Deployment
	metrics  domain.Metrics
	watchers []Observer

	cfg        Config
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger

	drainCh    chan struct{}
	persistCh  chan struct{}
	dispatches sync.WaitGroup

	now func() time.Time
}

// New constructs a Scheduler. store may be nil, in which case state lives only
// in memory.
func New(cfg Config, dispatcher Dispatcher, store Store, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		active:     make(map[string]*domain.Deployment),
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With("component", "scheduler"),
		drainCh:    make(chan struct{}, 1),
		persistCh:  make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Load restores state from the store. A missing or unreadable snapshot leaves
// the scheduler empty; the error is logged, never returned.
func (s *Scheduler) Load(ctx context.Context) {
	if s.store == nil {
		return
	}
	snapshot, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load scheduler state, starting empty", "error", err)
		return
	}
	if snapshot == nil {
		s.logger.Info("no persisted scheduler state found")
		return
	}

	s.mu.Lock()
	s.active = make(map[string]*domain.Deployment, len(snapshot.ActiveDeployments))
	for key, d := range snapshot.ActiveDeployments {
		d.Key = key
		s.active[key] = &d
	}
	s.queue = slices.Clone(snapshot.Queue)
	s.history = slices.Clone(snapshot.DeploymentHistory)
	if over := len(s.history) - s.cfg.MaxHistory; over > 0 {
		s.history = s.history[over:]
	}
	s.metrics = snapshot.Metrics
	active, queued := len(s.active), len(s.queue)
	s.mu.Unlock()

	s.logger.Info("scheduler state restored",
		"active", active,
		"queued", queued,
		"history", len(snapshot.DeploymentHistory),
		"saved_at", snapshot.Timestamp,
	)
	if queued > 0 {
		s.requestDrain()
	}
}

// Run services drain and persist requests and reaps stale deployments on the
// cleanup interval until ctx is cancelled. On exit it waits for background
// dispatches and writes a final snapshot.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		"max_concurrent", s.cfg.MaxConcurrent,
		"max_per_pr", s.cfg.MaxPerPR,
		"cleanup_interval", s.cfg.CleanupInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			s.Flush(flushCtx)
			cancel()
			s.logger.Info("scheduler stopped")
			return
		case <-s.drainCh:
			s.DrainQueue(ctx)
		case <-s.persistCh:
			s.Flush(ctx)
		case <-ticker.C:
			s.ReapStale(ctx)
		}
	}
}

// Flush writes the current state to the store synchronously.
func (s *Scheduler) Flush(ctx context.Context) {
	if s.store == nil {
		return
	}
	snapshot := s.Snapshot()
	opCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := s.store.Save(opCtx, snapshot); err != nil {
		s.logger.Warn("failed to persist scheduler state", "error", err)
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Scheduler) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[string]domain.Deployment, len(s.active))
	for key, d := range s.active {
		active[key] = *d
	}
	return domain.Snapshot{
		ActiveDeployments: active,
		Queue:             slices.Clone(s.queue),
		DeploymentHistory: slices.Clone(s.history),
		Metrics:           s.metrics,
		Timestamp:         s.now().UTC(),
	}
}

// Stats summarizes registry sizes and counters.
type Stats struct {
	Active  int            `json:"active"`
	Queued  int            `json:"queued"`
	History int            `json:"history"`
	Metrics domain.Metrics `json:"metrics"`
}

// Stats returns current sizes and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Active:  len(s.active),
		Queued:  len(s.queue),
		History: len(s.history),
		Metrics: s.metrics,
	}
}

// Lookup finds a deployment by key in the active registry, the queue or the
// history, newest first.
func (s *Scheduler) Lookup(key string) (domain.Deployment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.active[key]; ok {
		return *d, true
	}
	for _, d := range s.queue {
		if d.Key == key {
			return d, true
		}
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Key == key {
			return s.history[i], true
		}
	}
	return domain.Deployment{}, false
}

// activeKeys lists running deployment keys in no particular order.
func (s *Scheduler) activeKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Keys(s.active))
}

func (s *Scheduler) requestDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) requestPersist() {
	select {
	case s.persistCh <- struct{}{}:
	default:
	}
}
