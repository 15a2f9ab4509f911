// Package trigger decides whether a classified webhook event should become a
// deployment request.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/splax/deploygate/internal/deploykey"
	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/event"
)

// Reason explains why an event did not produce a deployment.
type Reason string

const (
	ReasonDisabled         Reason = "disabled"
	ReasonActionNotEnabled Reason = "action_not_enabled"
	ReasonBranchNotMatched Reason = "branch_not_matched"
	ReasonNoTriggerCommand Reason = "no_trigger_command"
	ReasonNotPullRequest   Reason = "not_a_pull_request"
	ReasonNotBranchPush    Reason = "not_a_branch_push"
	ReasonAutoDeployOff    Reason = "auto_deploy_disabled"
	ReasonUnsupportedEvent Reason = "unsupported_event"
)

// ErrResolve wraps failures of the pull request lookup behind comment triggers.
var ErrResolve = errors.New("trigger: resolve pull request")

// PullRequest is the subset of a pull or merge request needed to build a deployment.
type PullRequest struct {
	HeadBranch string
	BaseBranch string
	HeadSHA    string
}

// Resolver looks up a pull or merge request on the provider.
type Resolver interface {
	ResolvePullRequest(ctx context.Context, source domain.Source, repository string, number int) (PullRequest, error)
}

// Decision is either a deployment to submit or a skip reason.
type Decision struct {
	Deployment *domain.Deployment
	Reason     Reason
}

// Skipped reports whether the event was filtered out.
func (d Decision) Skipped() bool {
	return d.Deployment == nil
}

func skip(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Evaluator applies the current policy to events. The policy can be swapped at
// runtime.
type Evaluator struct {
	policy   atomic.Pointer[Policy]
	resolver Resolver
	now      func() time.Time
}

// New constructs an Evaluator.
func New(policy Policy, resolver Resolver) *Evaluator {
	e := &Evaluator{resolver: resolver, now: time.Now}
	e.policy.Store(&policy)
	return e
}

// SetPolicy replaces the active policy.
func (e *Evaluator) SetPolicy(policy Policy) {
	e.policy.Store(&policy)
}

// Policy returns the active policy.
func (e *Evaluator) Policy() Policy {
	return *e.policy.Load()
}

// Evaluate returns a Decision for ev. An error is returned only when an external
// lookup fails; the Decision then carries the partial request so the caller
// can record the failure.
func (e *Evaluator) Evaluate(ctx context.Context, ev event.Event) (Decision, error) {
	cfg, ok := e.Policy().For(ev.Source)
	if !ok {
		return skip(ReasonUnsupportedEvent), nil
	}
	if !cfg.Enabled {
		return skip(ReasonDisabled), nil
	}
	switch ev.Kind {
	case event.KindPullRequest:
		return e.pullRequest(cfg, ev), nil
	case event.KindComment:
		return e.comment(ctx, cfg, ev)
	case event.KindReview:
		return e.review(cfg, ev), nil
	case event.KindPush:
		return e.push(cfg, ev), nil
	default:
		return skip(ReasonUnsupportedEvent), nil
	}
}

func (e *Evaluator) pullRequest(cfg Config, ev event.Event) Decision {
	if !cfg.actionEnabled(ev.Kind, ev.Action) {
		return skip(ReasonActionNotEnabled)
	}
	if !BranchMatches(ev.Branch, cfg.Branches) {
		return skip(ReasonBranchNotMatched)
	}
	return Decision{Deployment: e.build(cfg, ev, ev.Branch, ev.BaseBranch, ev.CommitHash)}
}

func (e *Evaluator) comment(ctx context.Context, cfg Config, ev event.Event) (Decision, error) {
	if !cfg.actionEnabled(ev.Kind, ev.Action) {
		return skip(ReasonActionNotEnabled), nil
	}
	if !ev.OnPullRequest || ev.PRNumber == nil {
		return skip(ReasonNotPullRequest), nil
	}
	if !containsTrigger(ev.Comment, cfg.CommentTriggers) {
		return skip(ReasonNoTriggerCommand), nil
	}
	if e.resolver == nil {
		return e.unresolved(cfg, ev), fmt.Errorf("%w: no resolver configured", ErrResolve)
	}
	repository := ev.Repository
	if repository == "" {
		repository = ev.RepositoryID
	}
	pr, err := e.resolver.ResolvePullRequest(ctx, ev.Source, repository, *ev.PRNumber)
	if err != nil {
		return e.unresolved(cfg, ev), fmt.Errorf("%w #%d: %w", ErrResolve, *ev.PRNumber, err)
	}
	if !BranchMatches(pr.HeadBranch, cfg.Branches) {
		return skip(ReasonBranchNotMatched), nil
	}
	d := e.build(cfg, ev, pr.HeadBranch, pr.BaseBranch, pr.HeadSHA)
	d.Comment = ev.Comment
	lower := strings.ToLower(ev.Comment)
	if strings.Contains(lower, "--skip-tests") {
		d.SkipTests = true
	}
	if strings.Contains(lower, "--force") {
		d.ForceDeploy = true
	}
	d.Key = deploykey.For(*d)
	return Decision{Deployment: d}, nil
}

// unresolved is the request a comment trigger would have produced, minus the
// branch and commit the failed lookup should have supplied.
func (e *Evaluator) unresolved(cfg Config, ev event.Event) Decision {
	d := e.build(cfg, ev, "", "", "")
	d.Comment = ev.Comment
	return Decision{Deployment: d}
}

// review force-deploys approved pull requests regardless of action and branch
// filters; every other review state is skipped.
func (e *Evaluator) review(cfg Config, ev event.Event) Decision {
	if !strings.EqualFold(ev.ReviewState, "approved") {
		return skip(ReasonActionNotEnabled)
	}
	d := e.build(cfg, ev, ev.Branch, ev.BaseBranch, ev.CommitHash)
	d.ForceDeploy = true
	return Decision{Deployment: d}
}

func (e *Evaluator) push(cfg Config, ev event.Event) Decision {
	if ev.Branch == "" || ev.Deleted {
		return skip(ReasonNotBranchPush)
	}
	if !cfg.AutoDeploy {
		return skip(ReasonAutoDeployOff)
	}
	if !BranchMatches(ev.Branch, cfg.Branches) {
		return skip(ReasonBranchNotMatched)
	}
	return Decision{Deployment: e.build(cfg, ev, ev.Branch, "", ev.CommitHash)}
}

func (e *Evaluator) build(cfg Config, ev event.Event, branch, base, commit string) *domain.Deployment {
	d := &domain.Deployment{
		Source:      ev.Source,
		Repository:  ev.Repository,
		RepoID:      ev.RepositoryID,
		PRNumber:    ev.PRNumber,
		Branch:      branch,
		BaseBranch:  base,
		CommitHash:  commit,
		Environment: cfg.environmentFor(branch),
		SkipTests:   matchesAny(cfg.SkipTestsBranches, branch),
		Timestamp:   e.now().UTC(),
		Status:      domain.StatusQueued,
	}
	if ev.PRNumber != nil {
		d.Environment = cfg.Environment
	}
	d.Key = deploykey.For(*d)
	return d
}

func containsTrigger(comment string, triggers []string) bool {
	lower := strings.ToLower(comment)
	for _, token := range triggers {
		token = strings.ToLower(strings.TrimSpace(token))
		if token != "" && strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
