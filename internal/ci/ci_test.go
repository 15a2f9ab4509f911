package ci

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/trigger"
)

func deployment() domain.Deployment {
	return domain.Deployment{
		Key:         "0123456789abcdef0123",
		Source:      domain.SourceGitHub,
		Repository:  "acme/web",
		RepoID:      "77",
		PRNumber:    domain.IntPtr(42),
		Branch:      "feature/x",
		CommitHash:  "abc",
		Environment: "preview",
		SkipTests:   true,
		Attempts:    1,
	}
}

func TestGitHubDispatch(t *testing.T) {
	var got workflowDispatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/web/actions/workflows/preview.yml/dispatches" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gh := NewGitHub(srv.URL, "gh-token", "preview.yml", time.Second)
	runID, err := gh.Dispatch(context.Background(), deployment())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Ref != "feature/x" || got.Inputs["pr_number"] != "42" || got.Inputs["skip_tests"] != "true" {
		t.Fatalf("unexpected dispatch body %+v", got)
	}
	if runID == "" || got.Inputs["dispatch_id"] != runID {
		t.Fatalf("run id should match dispatch_id input, got %q vs %q", runID, got.Inputs["dispatch_id"])
	}
}

func TestGitHubDispatchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewGitHub(srv.URL, "", "preview.yml", time.Second).Dispatch(context.Background(), deployment())
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected wrapped 404, got %v", err)
	}
}

func TestGitHubPullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/web/pulls/7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"head":{"ref":"feature/y","sha":"def"},"base":{"ref":"main"}}`))
	}))
	defer srv.Close()

	pr, err := NewGitHub(srv.URL, "", "preview.yml", time.Second).PullRequest(context.Background(), "acme/web", 7)
	if err != nil {
		t.Fatalf("PullRequest: %v", err)
	}
	if pr != (trigger.PullRequest{HeadBranch: "feature/y", BaseBranch: "main", HeadSHA: "def"}) {
		t.Fatalf("unexpected pull request %+v", pr)
	}
}

func TestGitLabDispatchAndMergeRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("PRIVATE-TOKEN") != "gl-token" {
			t.Errorf("missing private token")
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/projects/77/pipeline":
			var req pipelineRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
			}
			if req.Ref != "feature/x" {
				t.Errorf("unexpected ref %q", req.Ref)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 991, "web_url": "https://gitlab.example/p/991"}`))
		case r.Method == http.MethodGet && r.URL.EscapedPath() == "/projects/group%2Fapp/merge_requests/3":
			_, _ = w.Write([]byte(`{"source_branch":"feature/z","target_branch":"develop","sha":"fed"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.EscapedPath())
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gl := NewGitLab(srv.URL, "gl-token", time.Second)
	d := deployment()
	d.Source = domain.SourceGitLab
	runID, err := gl.Dispatch(context.Background(), d)
	if err != nil || runID != "991" {
		t.Fatalf("unexpected dispatch result %q, %v", runID, err)
	}

	mr, err := gl.PullRequest(context.Background(), "group/app", 3)
	if err != nil {
		t.Fatalf("PullRequest: %v", err)
	}
	if mr.HeadBranch != "feature/z" || mr.BaseBranch != "develop" || mr.HeadSHA != "fed" {
		t.Fatalf("unexpected merge request %+v", mr)
	}
}

type stubProvider struct {
	dispatched int
	resolved   int
}

func (s *stubProvider) Dispatch(ctx context.Context, d domain.Deployment) (string, error) {
	s.dispatched++
	return "stub", nil
}

func (s *stubProvider) PullRequest(ctx context.Context, repository string, number int) (trigger.PullRequest, error) {
	s.resolved++
	return trigger.PullRequest{HeadBranch: "b"}, nil
}

func TestRouterSelectsProvider(t *testing.T) {
	gh := &stubProvider{}
	router := Router{GitHub: gh}
	if _, err := router.Dispatch(context.Background(), deployment()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := router.ResolvePullRequest(context.Background(), domain.SourceGitHub, "acme/web", 1); err != nil {
		t.Fatalf("ResolvePullRequest: %v", err)
	}
	if gh.dispatched != 1 || gh.resolved != 1 {
		t.Fatalf("unexpected provider calls %+v", gh)
	}

	d := deployment()
	d.Source = domain.SourceGitLab
	if _, err := router.Dispatch(context.Background(), d); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}

	runner := &stubProvider{}
	router.Runner = runner
	if _, err := router.Dispatch(context.Background(), d); err != nil {
		t.Fatalf("runner dispatch: %v", err)
	}
	if runner.dispatched != 1 {
		t.Fatalf("runner should take precedence over providers")
	}
}

func TestDockerRunnerDispatch(t *testing.T) {
	var (
		createdName string
		env         []string
		started     bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/containers/create"):
			createdName = r.URL.Query().Get("name")
			var body struct {
				Image string   `json:"Image"`
				Env   []string `json:"Env"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode: %v", err)
			}
			env = body.Env
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"Id":"c0ffee","Warnings":[]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/containers/c0ffee/start"):
			started = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected docker call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	t.Setenv("DOCKER_HOST", "")
	t.Setenv("DOCKER_TLS_VERIFY", "")
	t.Setenv("DOCKER_CERT_PATH", "")
	t.Setenv("DOCKER_API_VERSION", "")
	host := "tcp://" + strings.TrimPrefix(srv.URL, "http://")
	runner, err := NewDockerRunner(host, "deploygate/runner:test", client.WithVersion("1.45"))
	if err != nil {
		t.Fatalf("NewDockerRunner: %v", err)
	}
	defer runner.Close()

	id, err := runner.Dispatch(context.Background(), deployment())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if id != "c0ffee" || !started {
		t.Fatalf("container not started: id=%q started=%v", id, started)
	}
	if createdName != "deploygate-0123456789ab-1" {
		t.Fatalf("unexpected container name %q", createdName)
	}
	if !contains(env, "DEPLOY_PR_NUMBER=42") || !contains(env, "DEPLOY_REF=feature/x") {
		t.Fatalf("unexpected env %v", env)
	}
}

func TestNewDockerRunnerRequiresImage(t *testing.T) {
	if _, err := NewDockerRunner("", " "); err == nil {
		t.Fatalf("expected error for empty image")
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
