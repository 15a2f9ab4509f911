package ci

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/trigger"
)

// GitLab creates pipelines through the GitLab REST API.
type GitLab struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGitLab returns a GitLab client for an API base such as
// https://gitlab.com/api/v4.
func NewGitLab(baseURL, token string, timeout time.Duration) *GitLab {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GitLab{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type pipelineVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type pipelineRequest struct {
	Ref       string             `json:"ref"`
	Variables []pipelineVariable `json:"variables"`
}

type pipelineResponse struct {
	ID     int64  `json:"id"`
	WebURL string `json:"web_url"`
}

// Dispatch creates a pipeline on the deployment ref and returns its id.
func (g *GitLab) Dispatch(ctx context.Context, d domain.Deployment) (string, error) {
	project := d.RepoID
	if project == "" {
		project = d.Repository
	}
	if project == "" {
		return "", fmt.Errorf("%w: gitlab deployment without project", ErrDispatch)
	}
	vars := []pipelineVariable{
		{Key: "DEPLOY_KEY", Value: d.Key},
		{Key: "DEPLOY_ENVIRONMENT", Value: d.Environment},
		{Key: "DEPLOY_COMMIT_SHA", Value: d.CommitHash},
		{Key: "DEPLOY_SKIP_TESTS", Value: strconv.FormatBool(d.SkipTests)},
		{Key: "DEPLOY_FORCE", Value: strconv.FormatBool(d.ForceDeploy)},
	}
	if d.PRNumber != nil {
		vars = append(vars, pipelineVariable{Key: "DEPLOY_MR_IID", Value: strconv.Itoa(*d.PRNumber)})
	}
	endpoint := fmt.Sprintf("%s/projects/%s/pipeline", g.baseURL, url.PathEscape(project))
	var resp pipelineResponse
	if err := doJSON(ctx, g.client, http.MethodPost, endpoint, g.headers(), pipelineRequest{Ref: d.Ref(), Variables: vars}, &resp); err != nil {
		return "", fmt.Errorf("%w: gitlab pipeline for %s: %w", ErrDispatch, project, err)
	}
	return strconv.FormatInt(resp.ID, 10), nil
}

type mergeRequest struct {
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	SHA          string `json:"sha"`
}

// PullRequest fetches a merge request by project and iid.
func (g *GitLab) PullRequest(ctx context.Context, project string, iid int) (trigger.PullRequest, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/merge_requests/%d", g.baseURL, url.PathEscape(project), iid)
	var mr mergeRequest
	if err := doJSON(ctx, g.client, http.MethodGet, endpoint, g.headers(), nil, &mr); err != nil {
		return trigger.PullRequest{}, fmt.Errorf("gitlab merge request %s!%d: %w", project, iid, err)
	}
	return trigger.PullRequest{HeadBranch: mr.SourceBranch, BaseBranch: mr.TargetBranch, HeadSHA: mr.SHA}, nil
}

func (g *GitLab) headers() map[string]string {
	if g.token == "" {
		return nil
	}
	return map[string]string{"PRIVATE-TOKEN": g.token}
}
