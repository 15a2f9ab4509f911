package event

import (
	"errors"
	"net/http"
	"testing"

	"github.com/splax/deploygate/internal/domain"
)

func githubHeaders(name string) http.Header {
	h := http.Header{}
	h.Set(HeaderGitHubEvent, name)
	h.Set(HeaderGitHubDelivery, "delivery-1")
	return h
}

func gitlabHeaders(name string) http.Header {
	h := http.Header{}
	h.Set(HeaderGitLabEvent, name)
	return h
}

func TestClassifyRequiresProviderHeader(t *testing.T) {
	if _, _, err := Classify(http.Header{}); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	source, name, err := Classify(gitlabHeaders("Push Hook"))
	if err != nil || source != domain.SourceGitLab || name != "Push Hook" {
		t.Fatalf("unexpected classification %s %q %v", source, name, err)
	}
}

func TestParseGitHubPullRequest(t *testing.T) {
	body := []byte(`{
		"action": "synchronize",
		"number": 42,
		"pull_request": {"id": 9, "number": 42, "head": {"ref": "feature/x", "sha": "abc"}, "base": {"ref": "main"}},
		"repository": {"id": 1234, "full_name": "acme/web"},
		"sender": {"login": "octocat"}
	}`)
	ev, err := Parse(githubHeaders("pull_request"), body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.Kind != KindPullRequest || ev.Action != "synchronize" {
		t.Fatalf("unexpected kind/action %s/%s", ev.Kind, ev.Action)
	}
	if ev.PRNumber == nil || *ev.PRNumber != 42 || ev.Branch != "feature/x" || ev.BaseBranch != "main" || ev.CommitHash != "abc" {
		t.Fatalf("unexpected pr fields: %+v", ev)
	}
	if ev.RepositoryID != "1234" || ev.Repository != "acme/web" {
		t.Fatalf("unexpected repository fields: %+v", ev)
	}
	if ev.ID() != "pr:42:synchronize:abc" {
		t.Fatalf("unexpected event id %q", ev.ID())
	}
	if ev.DeliveryID != "delivery-1" {
		t.Fatalf("expected delivery id to be captured, got %q", ev.DeliveryID)
	}
}

func TestParseGitHubIssueComment(t *testing.T) {
	body := []byte(`{
		"action": "created",
		"issue": {"number": 7, "pull_request": {"url": "https://api.github.com/repos/acme/web/pulls/7"}},
		"comment": {"id": 555, "body": "/deploy --skip-tests"},
		"repository": {"id": 1, "full_name": "acme/web"}
	}`)
	ev, err := Parse(githubHeaders("issue_comment"), body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.Kind != KindComment || !ev.OnPullRequest || ev.Comment != "/deploy --skip-tests" {
		t.Fatalf("unexpected comment event: %+v", ev)
	}
	if ev.ID() != "comment:555:created" {
		t.Fatalf("unexpected event id %q", ev.ID())
	}

	plain := []byte(`{"action": "created", "issue": {"number": 8}, "comment": {"id": 1, "body": "/deploy"}, "repository": {"id": 1}}`)
	ev, err = Parse(githubHeaders("issue_comment"), plain)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.OnPullRequest {
		t.Fatal("plain issue comment must not be flagged as pull request comment")
	}
}

func TestParseGitHubPush(t *testing.T) {
	body := []byte(`{"ref": "refs/heads/main", "after": "def", "repository": {"id": 1, "full_name": "acme/web"}}`)
	ev, err := Parse(githubHeaders("push"), body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.Kind != KindPush || ev.Branch != "main" || ev.CommitHash != "def" || ev.Deleted {
		t.Fatalf("unexpected push event: %+v", ev)
	}

	tag := []byte(`{"ref": "refs/tags/v1.0.0", "after": "def", "repository": {"id": 1}}`)
	ev, err = Parse(githubHeaders("push"), tag)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.Branch != "" {
		t.Fatalf("tag push must not yield a branch, got %q", ev.Branch)
	}
}

func TestParseGitLabMergeRequestMapsActions(t *testing.T) {
	body := []byte(`{
		"object_kind": "merge_request",
		"project": {"id": 99, "path_with_namespace": "group/app"},
		"user": {"username": "dev"},
		"object_attributes": {"id": 1, "iid": 12, "action": "open", "source_branch": "feature/y", "target_branch": "main", "last_commit": {"id": "c0ffee"}}
	}`)
	ev, err := Parse(gitlabHeaders("Merge Request Hook"), body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.Source != domain.SourceGitLab || ev.Kind != KindPullRequest || ev.Action != "opened" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.PRNumber == nil || *ev.PRNumber != 12 || ev.Branch != "feature/y" || ev.CommitHash != "c0ffee" {
		t.Fatalf("unexpected merge request fields: %+v", ev)
	}
}

func TestParseGitLabNoteAndPush(t *testing.T) {
	note := []byte(`{
		"project": {"id": 99, "path_with_namespace": "group/app"},
		"object_attributes": {"id": 31, "note": "/preview", "noteable_type": "MergeRequest"},
		"merge_request": {"iid": 12}
	}`)
	ev, err := Parse(gitlabHeaders("Note Hook"), note)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.Kind != KindComment || !ev.OnPullRequest || ev.PRNumber == nil || *ev.PRNumber != 12 || ev.ID() != "note:31" {
		t.Fatalf("unexpected note event: %+v", ev)
	}

	push := []byte(`{"ref": "refs/heads/main", "after": "0000000000000000000000000000000000000000", "project_id": 99, "project": {}}`)
	ev, err = Parse(gitlabHeaders("Push Hook"), push)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !ev.Deleted || ev.RepositoryID != "99" {
		t.Fatalf("expected deleted branch push for project 99, got %+v", ev)
	}
}

func TestParseUnsupportedEventFallsBackToDeliveryID(t *testing.T) {
	ev, err := Parse(githubHeaders("star"), []byte(`{"action": "created", "repository": {"id": 5}}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ev.Kind != KindUnsupported || ev.ID() != "delivery-1" {
		t.Fatalf("unexpected unsupported event: %+v", ev)
	}
}

func TestParseRejectsMismatchedShape(t *testing.T) {
	if _, err := Parse(githubHeaders("pull_request"), []byte(`{"number": "forty-two"}`)); err == nil {
		t.Fatal("expected decode error for mistyped payload")
	}
}

func TestRepositoryName(t *testing.T) {
	if got := RepositoryName([]byte(`{"repository":{"full_name":"acme/web"}}`)); got != "acme/web" {
		t.Fatalf("unexpected github repository %q", got)
	}
	if got := RepositoryName([]byte(`{"project":{"path_with_namespace":"group/app"}}`)); got != "group/app" {
		t.Fatalf("unexpected gitlab project %q", got)
	}
	if got := RepositoryName([]byte(`[1,2]`)); got != "" {
		t.Fatalf("expected empty name, got %q", got)
	}
}
