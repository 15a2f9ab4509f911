package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/deploygate/pkg/jwt"
)

type authContextKey string

const (
	contextKeyClaims    authContextKey = "deploygate-admin-claims"
	callbackTokenHeader                = "X-Callback-Token"
)

type contextSetter interface {
	SetContext(context.Context)
}

// adminRoute rate limits per client IP and then requires an admin token.
func (r *Router) adminRoute(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.withRateLimit(route, r.requireAdmin(next))
}

// requireAdmin ensures the request carries a valid admin bearer token.
// Websocket and SSE clients that cannot set headers may pass access_token in
// the query string instead.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.auth == nil || !r.auth.Enabled() {
			writeError(w, http.StatusServiceUnavailable, "admin api disabled")
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := r.auth.Authorize(token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyClaims, claims)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func claimsFromContext(ctx context.Context) *jwtpkg.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*jwtpkg.Claims)
	return claims
}

// verifyCallbackToken ensures CI callbacks include the configured secret.
func (r *Router) verifyCallbackToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.callbackToken
	if expected == "" {
		r.logger.Error("callback token not configured", "path", req.URL.Path)
		writeError(w, http.StatusServiceUnavailable, "callback authentication not configured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get(callbackTokenHeader))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("callback token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid callback token")
		return false
	}
	return true
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
