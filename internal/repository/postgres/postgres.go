package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

const snapshotID = "scheduler"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SnapshotRepository = (*Repository)(nil)
	_ repository.AuditRepository    = (*Repository)(nil)
	_ repository.SecretRepository   = (*Repository)(nil)
)

// Load returns the stored scheduler snapshot, or nil when none exists.
func (r *Repository) Load(ctx context.Context) (*domain.Snapshot, error) {
	const query = `SELECT snapshot FROM scheduler_snapshots WHERE id = $1`
	var raw []byte
	if err := r.pool.QueryRow(ctx, query, snapshotID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Save upserts the single scheduler snapshot row.
func (r *Repository) Save(ctx context.Context, snapshot domain.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	const query = `INSERT INTO scheduler_snapshots (id, snapshot, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, saved_at = EXCLUDED.saved_at`
	_, err = r.pool.Exec(ctx, query, snapshotID, raw, snapshot.Timestamp)
	return err
}

// InsertWebhookEvent records an audit entry. An empty ID is filled in.
func (r *Repository) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	const query = `INSERT INTO webhook_events (id, source, event_type, action, repository, event_id, status, reason, deployment_key, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		string(event.Source),
		event.EventType,
		event.Action,
		event.Repository,
		event.EventID,
		event.Status,
		event.Reason,
		event.DeploymentKey,
		event.Error,
		event.ReceivedAt,
	)
	return err
}

// ListWebhookEvents returns the most recent audit entries.
func (r *Repository) ListWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, source, event_type, action, repository, event_id, status, reason, deployment_key, error, received_at
		FROM webhook_events
		ORDER BY received_at DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var (
			ev     domain.WebhookEvent
			source string
		)
		if err := rows.Scan(&ev.ID, &source, &ev.EventType, &ev.Action, &ev.Repository, &ev.EventID, &ev.Status, &ev.Reason, &ev.DeploymentKey, &ev.Error, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Source = domain.Source(source)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpsertWebhookSecret saves an encrypted webhook secret.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, repo string, secret []byte) error {
	const query = `INSERT INTO webhook_secrets (repository, secret, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (repository) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, repo, secret)
	return err
}

// GetWebhookSecret retrieves the stored secret for a repository.
func (r *Repository) GetWebhookSecret(ctx context.Context, repo string) ([]byte, error) {
	const query = `SELECT secret FROM webhook_secrets WHERE repository = $1`
	var secret []byte
	if err := r.pool.QueryRow(ctx, query, repo).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}
