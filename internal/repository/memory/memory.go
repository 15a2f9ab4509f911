// Package memory provides process-local repositories used when no database is
// configured.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

const defaultAuditCapacity = 500

// AuditLog is a bounded ring of webhook events; the oldest entries are dropped
// once capacity is reached.
type AuditLog struct {
	mu       sync.Mutex
	events   []domain.WebhookEvent
	capacity int
}

var _ repository.AuditRepository = (*AuditLog)(nil)

// NewAuditLog returns an AuditLog holding at most capacity events.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &AuditLog{capacity: capacity}
}

// InsertWebhookEvent appends event.
func (a *AuditLog) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *event)
	if over := len(a.events) - a.capacity; over > 0 {
		a.events = slices.Delete(a.events, 0, over)
	}
	return nil
}

// ListWebhookEvents returns up to limit events, newest first.
func (a *AuditLog) ListWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.events) {
		limit = len(a.events)
	}
	out := make([]domain.WebhookEvent, 0, limit)
	for i := len(a.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.events[i])
	}
	return out, nil
}

// Secrets keeps encrypted webhook secrets in a map.
type Secrets struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

var _ repository.SecretRepository = (*Secrets)(nil)

// NewSecrets returns an empty secret store.
func NewSecrets() *Secrets {
	return &Secrets{secrets: make(map[string][]byte)}
}

// UpsertWebhookSecret stores secret for repo.
func (s *Secrets) UpsertWebhookSecret(ctx context.Context, repo string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[repo] = slices.Clone(secret)
	return nil
}

// GetWebhookSecret returns the secret for repo or repository.ErrNotFound.
func (s *Secrets) GetWebhookSecret(ctx context.Context, repo string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[repo]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return slices.Clone(secret), nil
}
