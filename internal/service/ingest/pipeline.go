// Package ingest runs an authenticated webhook event through rate limiting,
// delivery deduplication, trigger evaluation and scheduling, and records the
// outcome in the audit trail.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/deploygate/internal/deploykey"
	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/event"
	"github.com/splax/deploygate/internal/eventdedup"
	"github.com/splax/deploygate/internal/ratelimit"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/scheduler"
	"github.com/splax/deploygate/internal/trigger"
)

// Response statuses.
const (
	StatusSuccess   = "success"
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Skip reasons produced before trigger evaluation.
const (
	ReasonRateLimit       = "rate_limit"
	ReasonDuplicate       = "duplicate"
	ReasonLookupFailed    = "pr_lookup_failed"
	ReasonDispatchFailed  = "dispatch_failed"
	ReasonDeploymentInUse = "deployment_in_progress"
)

const auditTimeout = 5 * time.Second

// Evaluator turns events into deployment decisions.
type Evaluator interface {
	Evaluate(ctx context.Context, ev event.Event) (trigger.Decision, error)
}

// Scheduler accepts deployment requests and records the ones that failed
// before admission.
type Scheduler interface {
	Submit(ctx context.Context, d domain.Deployment) scheduler.SubmitResult
	RecordFailure(ctx context.Context, d domain.Deployment, cause error) domain.Deployment
}

// Result is the JSON body returned to the webhook sender.
type Result struct {
	Status        string             `json:"status"`
	Reason        string             `json:"reason,omitempty"`
	Message       string             `json:"message,omitempty"`
	Event         string             `json:"event,omitempty"`
	DeploymentKey string             `json:"deploymentKey,omitempty"`
	QueuePosition int                `json:"queuePosition,omitempty"`
	Deployment    *domain.Deployment `json:"deployment,omitempty"`
}

// Pipeline wires the admission steps together.
type Pipeline struct {
	limiter   ratelimit.Limiter
	dedup     eventdedup.Deduplicator
	evaluator Evaluator
	scheduler Scheduler
	audit     repository.AuditRepository
	logger    *slog.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// New constructs a Pipeline. audit may be nil.
func New(limiter ratelimit.Limiter, dedup eventdedup.Deduplicator, evaluator Evaluator, sched Scheduler, audit repository.AuditRepository, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		limiter:   limiter,
		dedup:     dedup,
		evaluator: evaluator,
		scheduler: sched,
		audit:     audit,
		logger:    logger.With("component", "ingest"),
		now:       time.Now,
	}
}

// Process handles an authenticated, classified event. Admission policy
// outcomes are never errors; the returned error is reserved for failures the
// HTTP layer should answer with 500.
func (p *Pipeline) Process(ctx context.Context, ev event.Event) (Result, error) {
	receivedAt := p.now().UTC()
	res, err := p.process(ctx, ev)
	rec := &domain.WebhookEvent{
		ID:            uuid.NewString(),
		Source:        ev.Source,
		EventType:     ev.Name,
		Action:        ev.Action,
		Repository:    ev.Repository,
		EventID:       ev.ID(),
		Status:        res.Status,
		Reason:        res.Reason,
		DeploymentKey: res.DeploymentKey,
		ReceivedAt:    receivedAt,
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
	} else if res.Status == StatusFailed {
		rec.Error = res.Message
	}
	p.record(ctx, rec)
	return res, err
}

func (p *Pipeline) process(ctx context.Context, ev event.Event) (Result, error) {
	log := p.logger.With("source", ev.Source, "event", ev.Name, "action", ev.Action, "repository", ev.Repository)

	subject := string(ev.Source) + ":" + ev.RepositoryID
	if decision := p.limiter.Allow(subject); !decision.Allowed {
		log.Warn("webhook rate limited", "subject", subject, "count", decision.Count, "limit", decision.Limit)
		return Result{Status: StatusSkipped, Reason: ReasonRateLimit, Event: ev.Name}, nil
	}

	if id := ev.ID(); id != "" {
		if p.dedup.IsDuplicate(eventdedup.Identity(string(ev.Source), ev.RepositoryID, id)) {
			log.Info("duplicate webhook delivery ignored", "event_id", id)
			return Result{Status: StatusSkipped, Reason: ReasonDuplicate, Event: ev.Name}, nil
		}
	}

	decision, err := p.evaluator.Evaluate(ctx, ev)
	if err != nil {
		if errors.Is(err, trigger.ErrResolve) {
			log.Error("pull request lookup failed", "error", err)
			res := Result{Status: StatusFailed, Reason: ReasonLookupFailed, Message: err.Error(), Event: ev.Name}
			if decision.Deployment != nil {
				failed := p.scheduler.RecordFailure(ctx, *decision.Deployment, err)
				res.DeploymentKey = failed.Key
				res.Deployment = &failed
			}
			return res, nil
		}
		return Result{}, err
	}
	if decision.Skipped() {
		log.Debug("webhook skipped", "reason", decision.Reason)
		return Result{Status: StatusSkipped, Reason: string(decision.Reason), Event: ev.Name}, nil
	}

	submitted := p.scheduler.Submit(ctx, *decision.Deployment)
	d := submitted.Deployment
	res := Result{Event: ev.Name, DeploymentKey: submitted.Key, Deployment: &d}
	switch submitted.Outcome {
	case scheduler.OutcomeAdmitted:
		res.Status = StatusSuccess
		if d.Status == domain.StatusFailed {
			res.Status = StatusFailed
			res.Reason = ReasonDispatchFailed
			res.Message = d.Error
		}
	case scheduler.OutcomeQueued:
		res.Status = StatusQueued
		res.Reason = submitted.Reason
		res.QueuePosition = submitted.Position
	case scheduler.OutcomeDuplicate:
		res.Status = StatusDuplicate
		res.Reason = ReasonDeploymentInUse
	}
	log.Info("webhook processed", "status", res.Status, "reason", res.Reason, "key", deploykey.Short(submitted.Key))
	return res, nil
}

// record writes the audit entry in the background so the response never waits
// on the audit store.
func (p *Pipeline) record(ctx context.Context, rec *domain.WebhookEvent) {
	if p.audit == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		if err := p.audit.InsertWebhookEvent(opCtx, rec); err != nil {
			p.logger.Warn("failed to record webhook audit", "event_id", rec.EventID, "error", err)
		}
	}()
}

// Wait blocks until pending audit writes finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
