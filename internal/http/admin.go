package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/service/auth"
	"github.com/splax/deploygate/internal/service/webhook"
	"github.com/splax/deploygate/internal/ws"
)

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.auth == nil || !r.auth.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "admin api disabled")
		return
	}
	var payload struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := r.auth.Login(payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		r.logger.Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.deployments.Snapshot())
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.auditRepo == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []domain.WebhookEvent{}})
		return
	}
	limit := defaultEventLimit
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := r.auditRepo.ListWebhookEvents(req.Context(), limit)
	if err != nil {
		r.logger.Error("list webhook events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list events")
		return
	}
	if events == nil {
		events = []domain.WebhookEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleDeployment routes GET /api/deployments/{key} to the admin lookup and
// POST /api/deployments/{key}/complete to the CI callback.
func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/deployments/")
	parts := strings.Split(trimmed, "/")
	switch {
	case parts[0] == "":
		r.notFound(w)
	case len(parts) == 1:
		r.requireAdmin(func(w http.ResponseWriter, req *http.Request) {
			r.handleLookup(w, req, parts[0])
		})(w, req)
	case len(parts) == 2 && parts[1] == "complete":
		r.handleCallback(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleLookup(w http.ResponseWriter, req *http.Request, key string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	d, ok := r.deployments.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleCallback accepts POST /api/deployments/{key}/complete from CI.
// Unknown or already finished keys answer "ignored" so retries are harmless.
func (r *Router) handleCallback(w http.ResponseWriter, req *http.Request, key string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyCallbackToken(w, req) {
		return
	}
	var result domain.Result
	if err := json.NewDecoder(req.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch result.Status {
	case domain.StatusCompleted, domain.StatusFailed:
	case "":
		result.Status = domain.StatusCompleted
	default:
		writeError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}
	d, ok := r.deployments.Complete(req.Context(), key, result)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded", "deployment": d})
}

// handleRepositorySecret serves PUT /api/repositories/{owner/name}/secret.
// Repository names contain slashes, so the path is split from the right.
func (r *Router) handleRepositorySecret(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/repositories/")
	repo, ok := strings.CutSuffix(trimmed, "/secret")
	if !ok || strings.Trim(repo, "/") == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Secret) == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}
	if err := r.webhooks.UpsertSecret(req.Context(), repo, payload.Secret); err != nil {
		if errors.Is(err, webhook.ErrSecretStorageDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		r.logger.Error("store webhook secret failed", "repository", repo, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store secret")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

// streamTopic picks the hub topic from ?repository=, defaulting to every
// repository.
func streamTopic(req *http.Request) string {
	if repo := strings.TrimSpace(req.URL.Query().Get("repository")); repo != "" {
		return repo
	}
	return ws.TopicAll
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream not available")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	topic := streamTopic(req)
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		defer func() {
			close(done)
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		client.Drain()
	}()
}

func (r *Router) handleStreamSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := streamTopic(req)
	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if time.Since(client.LastActivity()) < sseHeartbeat {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
