package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/deploygate/internal/deploykey"
	"github.com/splax/deploygate/internal/domain"
)

// Outcome is the admission result of Submit.
type Outcome string

const (
	OutcomeAdmitted  Outcome = "admitted"
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
)

// Reasons a request was queued instead of admitted.
const (
	BlockedConcurrency = "concurrency_limit"
	BlockedPRLimit     = "pr_limit"
	BlockedCooldown    = "cooldown"
)

// SubmitResult describes what Submit did with a request.
type SubmitResult struct {
	Outcome    Outcome           `json:"outcome"`
	Key        string            `json:"key"`
	Reason     string            `json:"reason,omitempty"`
	Position   int               `json:"queuePosition,omitempty"`
	Deployment domain.Deployment `json:"deployment"`
}

// Submit admits, queues or rejects d. An admitted request is dispatched before
// Submit returns; a dispatch failure turns it into a failed history record and
// is reported through the returned deployment's status.
func (s *Scheduler) Submit(ctx context.Context, d domain.Deployment) SubmitResult {
	now := s.now().UTC()
	if d.Key == "" {
		d.Key = deploykey.For(d)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}

	s.mu.Lock()
	if s.isDuplicateLocked(d, now) {
		s.metrics.DuplicatesPrevented++
		s.mu.Unlock()
		s.logger.Info("duplicate deployment rejected", "key", deploykey.Short(d.Key), "identity", d.Identity(), "environment", d.Environment)
		s.requestPersist()
		s.notify(Event{Type: EventDuplicate, Deployment: d, At: now})
		return SubmitResult{Outcome: OutcomeDuplicate, Key: d.Key, Deployment: d}
	}

	reason, wait := s.blockReasonLocked(d, now)
	if reason != "" {
		d.Status = domain.StatusQueued
		s.queue = append(s.queue, d)
		position := len(s.queue)
		s.mu.Unlock()

		s.logger.Info("deployment queued", "key", deploykey.Short(d.Key), "reason", reason, "position", position)
		s.requestPersist()
		s.requestDrain()
		if wait > 0 {
			time.AfterFunc(wait, s.requestDrain)
		}
		s.notify(Event{Type: EventQueued, Deployment: d, At: now, Reason: reason})
		return SubmitResult{Outcome: OutcomeQueued, Key: d.Key, Reason: reason, Position: position, Deployment: d}
	}

	started := s.startLocked(d, now)
	s.mu.Unlock()

	s.requestPersist()
	s.notify(Event{Type: EventStarted, Deployment: started, At: now})
	final := s.dispatch(ctx, started)
	return SubmitResult{Outcome: OutcomeAdmitted, Key: d.Key, Deployment: final}
}

// DrainQueue promotes queued requests in FIFO order while slots are free.
// Items that are still blocked stay in place and keep their order. Promoted
// requests are dispatched in the background; Wait blocks until they finish.
// Safe to call redundantly.
func (s *Scheduler) DrainQueue(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	if len(s.queue) == 0 || len(s.active) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return 0
	}
	var (
		started []domain.Deployment
		nextRun time.Duration
	)
	kept := make([]domain.Deployment, 0, len(s.queue))
	for _, d := range s.queue {
		if len(s.active) >= s.cfg.MaxConcurrent {
			kept = append(kept, d)
			continue
		}
		if reason, wait := s.blockReasonLocked(d, now); reason != "" {
			if wait > 0 && (nextRun == 0 || wait < nextRun) {
				nextRun = wait
			}
			kept = append(kept, d)
			continue
		}
		started = append(started, s.startLocked(d, now))
		s.metrics.QueueProcessed++
	}
	s.queue = kept
	s.mu.Unlock()

	if nextRun > 0 {
		time.AfterFunc(nextRun, s.requestDrain)
	}
	if len(started) == 0 {
		return 0
	}
	s.requestPersist()
	for _, d := range started {
		s.logger.Info("queued deployment promoted", "key", deploykey.Short(d.Key), "waited", now.Sub(d.Timestamp).Round(time.Millisecond))
		s.notify(Event{Type: EventStarted, Deployment: d, At: now})
	}

	// Promoted items dispatch in order on their own goroutine so the run loop
	// keeps servicing persist, drain and reap signals.
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		for _, d := range started {
			s.dispatch(ctx, d)
		}
	}()
	return len(started)
}

// Wait blocks until dispatches started by DrainQueue have returned.
func (s *Scheduler) Wait() {
	s.dispatches.Wait()
}

// startLocked moves d into the active registry as running.
func (s *Scheduler) startLocked(d domain.Deployment, now time.Time) domain.Deployment {
	d.Status = domain.StatusRunning
	d.Attempts++
	d.StartedAt = &now
	d.CompletedAt = nil
	d.Error = ""
	s.active[d.Key] = &d
	s.metrics.TotalDeployments++
	return d
}

// dispatch hands d to the CI provider outside the lock. Failures are recorded
// through Fail.
func (s *Scheduler) dispatch(ctx context.Context, d domain.Deployment) domain.Deployment {
	if s.dispatcher == nil {
		return d
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DispatchTimeout)
	defer cancel()

	runID, err := s.dispatcher.Dispatch(opCtx, d)
	if err != nil {
		s.logger.Error("deployment dispatch failed", "key", deploykey.Short(d.Key), "source", d.Source, "ref", d.Ref(), "error", err)
		if failed, ok := s.Fail(ctx, d.Key, fmt.Errorf("dispatch: %w", err)); ok {
			return failed
		}
		d.Status = domain.StatusFailed
		d.Error = err.Error()
		return d
	}

	s.mu.Lock()
	if entry, ok := s.active[d.Key]; ok {
		entry.RunID = runID
		d = *entry
	}
	s.mu.Unlock()
	s.logger.Info("deployment dispatched", "key", deploykey.Short(d.Key), "source", d.Source, "ref", d.Ref(), "run_id", runID)
	s.requestPersist()
	return d
}

// isDuplicateLocked matches on the exact key or, within the duplicate window,
// on the same source, PR or branch and environment regardless of commit.
func (s *Scheduler) isDuplicateLocked(d domain.Deployment, now time.Time) bool {
	if _, ok := s.active[d.Key]; ok {
		return true
	}
	for _, other := range s.active {
		if s.withinWindow(*other, now) && d.SameTarget(*other) {
			return true
		}
	}
	for _, other := range s.queue {
		if other.Key == d.Key || (s.withinWindow(other, now) && d.SameTarget(other)) {
			return true
		}
	}
	for _, other := range s.history {
		if other.StartedAt == nil || !s.withinWindow(other, now) {
			continue
		}
		if other.Key == d.Key || d.SameTarget(other) {
			return true
		}
	}
	return false
}

func (s *Scheduler) withinWindow(d domain.Deployment, now time.Time) bool {
	return s.cfg.DuplicateWindow > 0 && now.Sub(d.Timestamp) < s.cfg.DuplicateWindow
}

// blockReasonLocked returns why d cannot start now. For cooldown blocks it
// also returns how long until the cooldown expires.
func (s *Scheduler) blockReasonLocked(d domain.Deployment, now time.Time) (string, time.Duration) {
	if len(s.active) >= s.cfg.MaxConcurrent {
		return BlockedConcurrency, 0
	}
	if d.PRNumber != nil && s.cfg.MaxPerPR > 0 {
		count := 0
		for _, other := range s.active {
			if other.Source == d.Source && d.SameRepository(*other) && other.PRNumber != nil && *other.PRNumber == *d.PRNumber {
				count++
			}
		}
		if count >= s.cfg.MaxPerPR {
			return BlockedPRLimit, 0
		}
	}
	if !d.ForceDeploy && s.cfg.Cooldown > 0 {
		if last, ok := s.lastTerminalLocked(d); ok {
			if elapsed := now.Sub(finishedAt(last)); elapsed < s.cfg.Cooldown {
				return BlockedCooldown, s.cfg.Cooldown - elapsed
			}
		}
	}
	return "", 0
}

// lastTerminalLocked finds the newest history record for the same source,
// repository, identity and environment.
func (s *Scheduler) lastTerminalLocked(d domain.Deployment) (domain.Deployment, bool) {
	identity := d.Identity()
	for i := len(s.history) - 1; i >= 0; i-- {
		h := s.history[i]
		if h.StartedAt == nil {
			continue
		}
		if h.Source == d.Source && h.Environment == d.Environment && h.Identity() == identity && d.SameRepository(h) {
			return h, true
		}
	}
	return domain.Deployment{}, false
}

func finishedAt(d domain.Deployment) time.Time {
	if d.CompletedAt != nil {
		return *d.CompletedAt
	}
	return d.Timestamp
}
