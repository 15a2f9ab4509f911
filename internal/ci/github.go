package ci

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/trigger"
)

// GitHub dispatches workflow_dispatch events to a GitHub Actions workflow.
type GitHub struct {
	baseURL  string
	token    string
	workflow string
	client   *http.Client
}

// NewGitHub returns a GitHub client. workflow is the workflow file name or id.
func NewGitHub(baseURL, token, workflow string, timeout time.Duration) *GitHub {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GitHub{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		workflow: workflow,
		client:   &http.Client{Timeout: timeout},
	}
}

type workflowDispatch struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// Dispatch triggers the workflow. GitHub does not return a run id for
// workflow_dispatch, so a correlation id is generated and passed as the
// dispatch_id input; it is what Dispatch returns.
func (g *GitHub) Dispatch(ctx context.Context, d domain.Deployment) (string, error) {
	if d.Repository == "" {
		return "", fmt.Errorf("%w: github deployment without repository", ErrDispatch)
	}
	dispatchID := uuid.NewString()
	inputs := map[string]string{
		"dispatch_id":    dispatchID,
		"deployment_key": d.Key,
		"environment":    d.Environment,
		"commit_sha":     d.CommitHash,
		"skip_tests":     strconv.FormatBool(d.SkipTests),
		"force_deploy":   strconv.FormatBool(d.ForceDeploy),
	}
	if d.PRNumber != nil {
		inputs["pr_number"] = strconv.Itoa(*d.PRNumber)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches", g.baseURL, d.Repository, url.PathEscape(g.workflow))
	if err := doJSON(ctx, g.client, http.MethodPost, endpoint, g.headers(), workflowDispatch{Ref: d.Ref(), Inputs: inputs}, nil); err != nil {
		return "", fmt.Errorf("%w: github workflow %s: %w", ErrDispatch, g.workflow, err)
	}
	return dispatchID, nil
}

type githubPull struct {
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// PullRequest fetches head and base of a pull request.
func (g *GitHub) PullRequest(ctx context.Context, repository string, number int) (trigger.PullRequest, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/pulls/%d", g.baseURL, repository, number)
	var pr githubPull
	if err := doJSON(ctx, g.client, http.MethodGet, endpoint, g.headers(), nil, &pr); err != nil {
		return trigger.PullRequest{}, fmt.Errorf("github pull %s#%d: %w", repository, number, err)
	}
	return trigger.PullRequest{HeadBranch: pr.Head.Ref, BaseBranch: pr.Base.Ref, HeadSHA: pr.Head.SHA}, nil
}

func (g *GitHub) headers() map[string]string {
	h := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if g.token != "" {
		h["Authorization"] = "Bearer " + g.token
	}
	return h
}
