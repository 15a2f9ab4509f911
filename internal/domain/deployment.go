package domain

import (
	"strconv"
	"time"
)

// Source identifies the repository hosting provider that produced an event.
type Source string

const (
	SourceGitHub Source = "github"
	SourceGitLab Source = "gitlab"
)

// Status is the lifecycle state of a deployment request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Deployment is one logical request to build a commit into an environment,
// together with its lifecycle bookkeeping.
type Deployment struct {
	Key         string     `json:"key"`
	Source      Source     `json:"source"`
	Repository  string     `json:"repository,omitempty"`
	RepoID      string     `json:"repositoryId,omitempty"`
	PRNumber    *int       `json:"prNumber,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	BaseBranch  string     `json:"baseBranch,omitempty"`
	CommitHash  string     `json:"commitHash"`
	Environment string     `json:"environment"`
	SkipTests   bool       `json:"skipTests"`
	ForceDeploy bool       `json:"forceDeploy"`
	Comment     string     `json:"comment,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	RunID       string     `json:"runId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Identity is the PR number when present, otherwise the branch.
func (d Deployment) Identity() string {
	if d.PRNumber != nil {
		return "pr-" + strconv.Itoa(*d.PRNumber)
	}
	return d.Branch
}

// Ref is the git ref a CI provider should build.
func (d Deployment) Ref() string {
	if d.Branch != "" {
		return d.Branch
	}
	return d.CommitHash
}

// SameRepository compares provider repository ids when both are known and
// falls back to the full repository name.
func (d Deployment) SameRepository(other Deployment) bool {
	if d.RepoID != "" && other.RepoID != "" {
		return d.RepoID == other.RepoID
	}
	return d.Repository == other.Repository
}

// SameTarget reports whether other addresses the same source, repository, PR
// or branch and environment, regardless of commit.
func (d Deployment) SameTarget(other Deployment) bool {
	if d.Source != other.Source || d.Environment != other.Environment || !d.SameRepository(other) {
		return false
	}
	if d.PRNumber != nil && other.PRNumber != nil && *d.PRNumber == *other.PRNumber {
		return true
	}
	return d.Branch != "" && d.Branch == other.Branch
}

// Result is reported by a CI provider when a deployment finishes.
type Result struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	RunID  string `json:"runId,omitempty"`
}

// Metrics are process-lifetime counters persisted with scheduler state.
type Metrics struct {
	TotalDeployments    int64 `json:"totalDeployments"`
	DuplicatesPrevented int64 `json:"duplicatesPrevented"`
	QueueProcessed      int64 `json:"queueProcessed"`
	Errors              int64 `json:"errors"`
}

// Snapshot is the persisted form of the scheduler state.
type Snapshot struct {
	ActiveDeployments map[string]Deployment `json:"activeDeployments"`
	Queue             []Deployment          `json:"queue"`
	DeploymentHistory []Deployment          `json:"deploymentHistory"`
	Metrics           Metrics               `json:"metrics"`
	Timestamp         time.Time             `json:"timestamp"`
}

// IntPtr is a helper for optional PR numbers.
func IntPtr(v int) *int {
	return &v
}
