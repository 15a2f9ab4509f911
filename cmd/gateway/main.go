package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/deploygate/internal/app/migrate"
	"github.com/splax/deploygate/internal/ci"
	"github.com/splax/deploygate/internal/eventdedup"
	"github.com/splax/deploygate/internal/events"
	httpx "github.com/splax/deploygate/internal/http"
	"github.com/splax/deploygate/internal/ratelimit"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/repository/file"
	"github.com/splax/deploygate/internal/repository/memory"
	"github.com/splax/deploygate/internal/repository/postgres"
	"github.com/splax/deploygate/internal/repository/redisstore"
	"github.com/splax/deploygate/internal/scheduler"
	"github.com/splax/deploygate/internal/service/auth"
	"github.com/splax/deploygate/internal/service/ingest"
	"github.com/splax/deploygate/internal/service/webhook"
	"github.com/splax/deploygate/internal/trigger"
	"github.com/splax/deploygate/internal/ws"
	"github.com/splax/deploygate/pkg/config"
	"github.com/splax/deploygate/pkg/logger"
)

const (
	adminRateLimit  = 60
	adminRateWindow = time.Minute
	connectTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg := config.LoadGatewayConfig()
	log := logger.New("gateway", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := make(map[string]httpx.HealthCheck)

	var rdb *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb = connectRedis(ctx, cfg, log)
		if rdb != nil {
			defer rdb.Close()
			health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
	}

	var pg *postgres.Repository
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pg = connectPostgres(ctx, cfg, log)
		if pg != nil {
			defer pg.Close()
			health["database"] = pg.Ping
		}
	}

	store := stateStore(cfg, rdb, pg, log)

	var audit repository.AuditRepository = memory.NewAuditLog(0)
	var secrets repository.SecretRepository = memory.NewSecrets()
	if pg != nil {
		audit, secrets = pg, pg
	}

	limiter := ratelimit.NewMemory(cfg.RateLimitMax, cfg.RateLimitWindow)
	dedup := eventdedup.NewMemory(cfg.EventDedupWindow)
	adminLimiter := ratelimit.NewMemory(adminRateLimit, adminRateWindow)
	if rdb != nil {
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimitMax, cfg.RateLimitWindow, log)
		dedup = eventdedup.NewRedis(rdb, cfg.EventDedupWindow, log)
	}
	defer limiter.Close()
	defer dedup.Close()

	dispatch := ci.Router{
		GitHub: ci.NewGitHub(cfg.GitHubAPIURL, cfg.GitHubToken, cfg.GitHubWorkflow, cfg.ExternalTimeout),
		GitLab: ci.NewGitLab(cfg.GitLabAPIURL, cfg.GitLabToken, cfg.ExternalTimeout),
	}
	if cfg.DispatchMode == "docker" {
		runner, err := ci.NewDockerRunner(cfg.DockerHost, cfg.RunnerImage)
		if err != nil {
			log.Warn("docker runner unavailable, dispatching to providers", "error", err)
		} else {
			defer runner.Close()
			dispatch.Runner = runner
			health["docker"] = runner.Ping
		}
	}

	basePolicy := trigger.DefaultPolicy(cfg.CommentTriggers)
	policy := basePolicy
	if path := strings.TrimSpace(cfg.TriggerConfigPath); path != "" {
		loaded, err := trigger.LoadPolicy(path, basePolicy)
		if err != nil {
			log.Warn("trigger policy file unusable, using defaults", "path", path, "error", err)
		} else {
			policy = loaded
		}
	}
	evaluator := trigger.New(policy, dispatch)
	if path := strings.TrimSpace(cfg.TriggerConfigPath); path != "" {
		go func() {
			if err := trigger.Watch(ctx, path, basePolicy, evaluator, log); err != nil {
				log.Warn("trigger policy watcher stopped", "error", err)
			}
		}()
	}

	sched := scheduler.New(scheduler.ConfigFrom(cfg), dispatch, store, log)
	sched.Load(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := scheduler.RegisterCollector(registry, sched)
	if err != nil {
		log.Warn("scheduler metrics unavailable", "error", err)
	} else {
		sched.Observe(collector)
	}

	hub := ws.NewHub(ctx)
	sched.Observe(ws.NewBroadcaster(hub, log))

	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		nc, err := events.Connect(url, log)
		if err != nil {
			log.Warn("nats unavailable, lifecycle events not published", "error", err)
		} else {
			defer nc.Drain()
			sched.Observe(events.NewPublisher(nc, cfg.NATSSubjectPrefix, log))
		}
	}

	// The scheduler outlives the signal context so that handlers still draining
	// during shutdown land in its final snapshot.
	schedCtx, stopScheduler := context.WithCancel(context.WithoutCancel(ctx))
	defer stopScheduler()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	pipeline := ingest.New(limiter, dedup, evaluator, sched, audit, log)

	router := httpx.NewRouter(httpx.Options{
		Logger:        log,
		Webhooks:      webhook.New(secrets, log, cfg),
		Pipeline:      pipeline,
		Deployments:   sched,
		Auth:          auth.New(log, cfg),
		Audit:         audit,
		Hub:           hub,
		AdminLimiter:  adminLimiter,
		Registry:      registry,
		Health:        health,
		CallbackToken: cfg.CallbackToken,
		AllowedOrigin: cfg.AllowedOrigin,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("gateway starting",
			"addr", cfg.Addr,
			"environment", cfg.Environment,
			"state_backend", cfg.StateBackend,
			"dispatch_mode", cfg.DispatchMode,
		)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if err := shutdown(srv, pipeline.Wait, stopScheduler, schedDone); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		hub.Stop()
		log.Info("gateway stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// shutdown stops intake first, waits for in-flight handlers and their audit
// writes, and only then stops the scheduler so its final snapshot includes
// every transition those handlers made.
func shutdown(srv *http.Server, waitPipeline func(), stopScheduler context.CancelFunc, schedDone <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	waitPipeline()
	stopScheduler()
	<-schedDone
	return err
}

func connectRedis(ctx context.Context, cfg config.GatewayConfig, log *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, using in-process limiter and dedup", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

func connectPostgres(ctx context.Context, cfg config.GatewayConfig, log *slog.Logger) *postgres.Repository {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Warn("database configuration invalid", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		log.Warn("database unavailable, audit and secrets kept in memory", "error", err)
		pool.Close()
		return nil
	}
	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Warn("migrations not configured", "error", err)
	} else if err := runner.Ensure(ctx); err != nil {
		log.Warn("migrations failed", "error", err)
	}
	return postgres.New(pool)
}

// stateStore picks the snapshot backend, falling back to the state file when
// the requested backend is not connected.
func stateStore(cfg config.GatewayConfig, rdb *redis.Client, pg *postgres.Repository, log *slog.Logger) scheduler.Store {
	switch cfg.StateBackend {
	case "redis":
		if rdb != nil {
			return redisstore.New(rdb, "")
		}
		log.Warn("redis state backend requested but redis is not connected, using state file")
	case "postgres":
		if pg != nil {
			return pg
		}
		log.Warn("postgres state backend requested but database is not connected, using state file")
	case "file", "":
	default:
		log.Warn("unknown state backend, using state file", "backend", cfg.StateBackend)
	}
	return file.New(cfg.StateFile)
}
