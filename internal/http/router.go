// Package httpx exposes the webhook endpoint, the admin API and the live
// deployment streams over HTTP.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/event"
	"github.com/splax/deploygate/internal/ratelimit"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/scheduler"
	"github.com/splax/deploygate/internal/service/auth"
	"github.com/splax/deploygate/internal/service/ingest"
	"github.com/splax/deploygate/internal/ws"
	jwtpkg "github.com/splax/deploygate/pkg/jwt"
)

// WebhookVerifier authenticates deliveries and stores per-repository secrets.
type WebhookVerifier interface {
	VerifySignature(ctx context.Context, repo string, payload []byte, provided string) error
	VerifyToken(ctx context.Context, repo, provided string) error
	UpsertSecret(ctx context.Context, repo, secret string) error
}

// Ingester runs a parsed event through admission.
type Ingester interface {
	Process(ctx context.Context, ev event.Event) (ingest.Result, error)
}

// Deployments is the scheduler surface the admin API needs.
type Deployments interface {
	Snapshot() domain.Snapshot
	Stats() scheduler.Stats
	Lookup(key string) (domain.Deployment, bool)
	Complete(ctx context.Context, key string, result domain.Result) (domain.Deployment, bool)
}

// Authenticator issues and checks admin tokens.
type Authenticator interface {
	Enabled() bool
	Login(password string) (auth.Token, error)
	Authorize(token string) (*jwtpkg.Claims, error)
}

// HealthCheck probes one backing component.
type HealthCheck func(context.Context) error

// Options carries the router's collaborators. Audit, Hub, AdminLimiter and
// Registry are optional.
type Options struct {
	Logger        *slog.Logger
	Webhooks      WebhookVerifier
	Pipeline      Ingester
	Deployments   Deployments
	Auth          Authenticator
	Audit         repository.AuditRepository
	Hub           *ws.Hub
	AdminLimiter  ratelimit.Limiter
	Registry      *prometheus.Registry
	Health        map[string]HealthCheck
	CallbackToken string
	AllowedOrigin string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	webhooks      WebhookVerifier
	pipeline      Ingester
	deployments   Deployments
	auth          Authenticator
	auditRepo     repository.AuditRepository
	hub           *ws.Hub
	limiter       ratelimit.Limiter
	health        map[string]HealthCheck
	callbackToken string
	allowedOrigin string
	upgrader      websocket.Upgrader
	preflight     http.HandlerFunc

	registry           *prometheus.Registry
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	webhookOutcomes    *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
	wsPingInterval     = 30 * time.Second
	maxWebhookBody     = 5 << 20
	defaultEventLimit  = 50
	maxEventLimit      = 500
)

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origin := strings.TrimSpace(opts.AllowedOrigin)
	if origin == "" {
		origin = "*"
	}
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		webhooks:      opts.Webhooks,
		pipeline:      opts.Pipeline,
		deployments:   opts.Deployments,
		auth:          opts.Auth,
		auditRepo:     opts.Audit,
		hub:           opts.Hub,
		limiter:       opts.AdminLimiter,
		health:        opts.Health,
		callbackToken: strings.TrimSpace(opts.CallbackToken),
		allowedOrigin: origin,
		registry:      opts.Registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP answers CORS preflight on every path and delegates everything
// else to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		r.preflight(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.preflight = r.audit("OPTIONS *", r.handlePreflight)
	r.mux.HandleFunc("/", r.audit("/", r.handleRoot))
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	if r.registry != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	} else {
		r.mux.Handle("/metrics", promhttp.Handler())
	}
	r.mux.HandleFunc("/api/auth/token", r.audit("/api/auth/token", r.withRateLimit("/api/auth/token", r.handleLogin)))
	r.mux.HandleFunc("/api/deployments", r.audit("/api/deployments", r.adminRoute("/api/deployments", r.handleDeployments)))
	r.mux.HandleFunc("/api/deployments/stream", r.audit("/api/deployments/stream", r.adminRoute("/api/deployments/stream", r.handleStreamSSE)))
	r.mux.HandleFunc("/api/deployments/", r.audit("/api/deployments/:key", r.withRateLimit("/api/deployments/:key", r.handleDeployment)))
	r.mux.HandleFunc("/api/events", r.audit("/api/events", r.adminRoute("/api/events", r.handleEvents)))
	r.mux.HandleFunc("/api/repositories/", r.audit("/api/repositories/:repo/secret", r.adminRoute("/api/repositories/:repo/secret", r.handleRepositorySecret)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.adminRoute("/ws/deployments", r.handleStreamWS)))
}

// handleRoot serves the liveness probe and webhook delivery on the same path.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		r.notFound(w)
		return
	}
	r.applyCORS(w)
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	case http.MethodPost:
		r.handleWebhook(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePreflight(w http.ResponseWriter, req *http.Request) {
	r.applyCORS(w)
	w.WriteHeader(http.StatusOK)
}

func (r *Router) applyCORS(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Access-Control-Allow-Origin", r.allowedOrigin)
	headers.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	headers.Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type",
		event.HeaderGitLabToken,
		event.HeaderGitHubSignature,
	}, ", "))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.health))
	status := "ok"
	for name, check := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.deployments != nil {
		payload["scheduler"] = r.deployments.Stats()
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case claimsFromContext(ctx) != nil:
			actor = "admin"
		case req.Header.Get(callbackTokenHeader) != "":
			actor = "ci"
		case req.Header.Get(event.HeaderGitHubEvent) != "":
			actor = "github"
		case req.Header.Get(event.HeaderGitLabEvent) != "":
			actor = "gitlab"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
