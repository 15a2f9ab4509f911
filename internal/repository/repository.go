package repository

import (
	"context"

	"github.com/splax/deploygate/internal/domain"
)

// SnapshotRepository stores the whole scheduler state as one document. Load
// returns nil, nil when nothing has been saved.
type SnapshotRepository interface {
	Load(ctx context.Context) (*domain.Snapshot, error)
	Save(ctx context.Context, snapshot domain.Snapshot) error
}

// AuditRepository records inbound webhook deliveries and their outcome.
type AuditRepository interface {
	InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	ListWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
}

// SecretRepository stores encrypted per-repository webhook secrets.
type SecretRepository interface {
	UpsertWebhookSecret(ctx context.Context, repository string, secret []byte) error
	GetWebhookSecret(ctx context.Context, repository string) ([]byte, error)
}
