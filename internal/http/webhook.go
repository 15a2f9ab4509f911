package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/deploygate/internal/event"
)

// handleWebhook authenticates, classifies and admits a provider delivery.
// Recognized-but-skipped outcomes are always 200 so providers do not retry.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if !json.Valid(body) {
		r.recordWebhookOutcome("invalid", "malformed_body")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Provider deliveries are checked even without a credential header, so a
	// configured secret cannot be bypassed by omitting it.
	repo := event.RepositoryName(body)
	signature := strings.TrimSpace(req.Header.Get(event.HeaderGitHubSignature))
	if signature != "" || req.Header.Get(event.HeaderGitHubEvent) != "" {
		if err := r.webhooks.VerifySignature(req.Context(), repo, body, signature); err != nil {
			reason, msg := "signature", "invalid signature"
			if signature == "" {
				reason, msg = "missing_signature", "missing signature"
			}
			r.logger.Warn("webhook signature rejected", "repository", repo, "reason", reason, "error", err)
			r.recordWebhookOutcome("unauthorized", reason)
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
	}
	token := req.Header.Get(event.HeaderGitLabToken)
	if token != "" || req.Header.Get(event.HeaderGitLabEvent) != "" {
		if err := r.webhooks.VerifyToken(req.Context(), repo, token); err != nil {
			reason, msg := "token", "invalid token"
			if token == "" {
				reason, msg = "missing_token", "missing token"
			}
			r.logger.Warn("webhook token rejected", "repository", repo, "reason", reason, "error", err)
			r.recordWebhookOutcome("unauthorized", reason)
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
	}

	ev, err := event.Parse(req.Header, body)
	if err != nil {
		reason := "malformed_payload"
		if errors.Is(err, event.ErrUnknownSource) {
			reason = "unknown_source"
		}
		r.recordWebhookOutcome("invalid", reason)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := r.pipeline.Process(req.Context(), ev)
	if err != nil {
		r.logger.Error("webhook processing failed", "source", ev.Source, "event", ev.Name, "repository", ev.Repository, "error", err)
		r.recordWebhookOutcome("error", "internal")
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	r.recordWebhookOutcome(res.Status, res.Reason)
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) recordWebhookOutcome(status, reason string) {
	if !r.metricsInitialized {
		return
	}
	r.webhookOutcomes.With(prometheus.Labels{"status": status, "reason": reason}).Inc()
}
