package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/deploygate/internal/deploykey"
	"github.com/splax/deploygate/internal/domain"
)

// Complete closes out an active deployment with result. Unknown keys are a
// no-op so repeated callbacks are harmless; the boolean reports whether a
// transition happened.
func (s *Scheduler) Complete(ctx context.Context, key string, result domain.Result) (domain.Deployment, bool) {
	now := s.now().UTC()

	s.mu.Lock()
	entry, ok := s.active[key]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("completion for unknown deployment ignored", "key", deploykey.Short(key), "status", result.Status)
		return domain.Deployment{}, false
	}
	delete(s.active, key)
	d := s.finishLocked(*entry, result, now)
	s.mu.Unlock()

	s.logger.Info("deployment finished",
		"key", deploykey.Short(key),
		"status", d.Status,
		"duration_ms", d.DurationMS,
		"error", d.Error,
	)
	s.requestPersist()
	s.requestDrain()
	s.notify(Event{Type: eventFor(d.Status), Deployment: d, At: now})
	return d, true
}

// Fail is Complete with a failed result carrying err.
func (s *Scheduler) Fail(ctx context.Context, key string, err error) (domain.Deployment, bool) {
	result := domain.Result{Status: domain.StatusFailed}
	if err != nil {
		result.Error = err.Error()
	}
	return s.Complete(ctx, key, result)
}

// RecordFailure stores d as a failed terminal record without admitting it.
// It is used for requests that never reached admission because an external
// lookup failed. Such records never ran, so they do not count toward
// duplicate or cooldown checks.
func (s *Scheduler) RecordFailure(ctx context.Context, d domain.Deployment, cause error) domain.Deployment {
	now := s.now().UTC()
	if d.Key == "" {
		d.Key = deploykey.For(d)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}
	d.StartedAt = nil
	result := domain.Result{Status: domain.StatusFailed}
	if cause != nil {
		result.Error = cause.Error()
	}

	s.mu.Lock()
	d = s.finishLocked(d, result, now)
	s.mu.Unlock()

	s.logger.Warn("deployment request failed before admission", "key", deploykey.Short(d.Key), "identity", d.Identity(), "error", d.Error)
	s.requestPersist()
	s.notify(Event{Type: EventFailed, Deployment: d, At: now})
	return d
}

// ReapStale force-fails deployments running longer than the configured
// timeout and evicts history older than both the duplicate window and the
// cooldown. State is always persisted afterwards.
func (s *Scheduler) ReapStale(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var reaped []domain.Deployment
	if s.cfg.Timeout > 0 {
		for key, entry := range s.active {
			if entry.StartedAt == nil || now.Sub(*entry.StartedAt) <= s.cfg.Timeout {
				continue
			}
			delete(s.active, key)
			msg := fmt.Sprintf("deployment timed out after %s", formatDuration(s.cfg.Timeout))
			reaped = append(reaped, s.finishLocked(*entry, domain.Result{Status: domain.StatusFailed, Error: msg}, now))
		}
	}
	evicted := 0
	// Cooldown checks read history too, so keep records for the longer of
	// the two windows.
	if retain := max(s.cfg.DuplicateWindow, s.cfg.Cooldown); retain > 0 {
		kept := s.history[:0]
		for _, h := range s.history {
			if now.Sub(finishedAt(h)) > retain {
				evicted++
				continue
			}
			kept = append(kept, h)
		}
		clear(s.history[len(kept):])
		s.history = kept
	}
	s.mu.Unlock()

	for _, d := range reaped {
		s.logger.Warn("deployment reaped after timeout", "key", deploykey.Short(d.Key), "started_at", d.StartedAt, "run_id", d.RunID)
		s.notify(Event{Type: EventFailed, Deployment: d, At: now})
	}
	if len(reaped) > 0 || evicted > 0 {
		s.logger.Info("stale state reaped", "timed_out", len(reaped), "history_evicted", evicted)
	}
	s.Flush(ctx)
	s.DrainQueue(ctx)
	return len(reaped)
}

// finishLocked records a terminal state for d and appends it to history.
func (s *Scheduler) finishLocked(d domain.Deployment, result domain.Result, now time.Time) domain.Deployment {
	d.Status = domain.StatusCompleted
	if result.Status == domain.StatusFailed {
		d.Status = domain.StatusFailed
		s.metrics.Errors++
	}
	d.Error = result.Error
	if result.RunID != "" {
		d.RunID = result.RunID
	}
	d.CompletedAt = &now
	if d.StartedAt != nil {
		d.DurationMS = now.Sub(*d.StartedAt).Milliseconds()
	}
	s.history = append(s.history, d)
	if over := len(s.history) - s.cfg.MaxHistory; over > 0 {
		clear(s.history[:over])
		s.history = s.history[over:]
	}
	return d
}

func eventFor(status domain.Status) EventType {
	if status == domain.StatusFailed {
		return EventFailed
	}
	return EventCompleted
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
