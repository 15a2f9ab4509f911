package event

import (
	"fmt"
	"strconv"
)

type gitlabProject struct {
	ID                int64  `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
}

type gitlabUser struct {
	Username string `json:"username"`
}

type gitlabMergeRequest struct {
	ID           int64  `json:"id"`
	IID          int    `json:"iid"`
	Action       string `json:"action"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	LastCommit   struct {
		ID string `json:"id"`
	} `json:"last_commit"`
}

type gitlabMergeRequestEvent struct {
	ObjectKind       string             `json:"object_kind"`
	Project          gitlabProject      `json:"project"`
	User             gitlabUser         `json:"user"`
	ObjectAttributes gitlabMergeRequest `json:"object_attributes"`
}

type gitlabNoteEvent struct {
	Project          gitlabProject `json:"project"`
	User             gitlabUser    `json:"user"`
	ObjectAttributes struct {
		ID           int64  `json:"id"`
		Note         string `json:"note"`
		NoteableType string `json:"noteable_type"`
		Action       string `json:"action"`
	} `json:"object_attributes"`
	MergeRequest *gitlabMergeRequest `json:"merge_request"`
}

type gitlabPushEvent struct {
	Ref         string        `json:"ref"`
	After       string        `json:"after"`
	CheckoutSHA string        `json:"checkout_sha"`
	ProjectID   int64         `json:"project_id"`
	Project     gitlabProject `json:"project"`
	UserName    string        `json:"user_username"`
}

// gitlabActions maps merge request actions onto their GitHub equivalents so one
// trigger policy vocabulary covers both providers.
var gitlabActions = map[string]string{
	"open":     "opened",
	"reopen":   "reopened",
	"update":   "synchronize",
	"close":    "closed",
	"merge":    "merged",
	"approved": "approved",
}

func parseGitLab(name string, body []byte) (Event, error) {
	switch name {
	case "Merge Request Hook":
		var p gitlabMergeRequestEvent
		if err := decode(body, &p); err != nil {
			return Event{}, err
		}
		mr := p.ObjectAttributes
		action := mr.Action
		if mapped, ok := gitlabActions[action]; ok {
			action = mapped
		}
		iid := mr.IID
		return Event{
			Kind:          KindPullRequest,
			Action:        action,
			RepositoryID:  strconv.FormatInt(p.Project.ID, 10),
			Repository:    p.Project.PathWithNamespace,
			ObjectID:      fmt.Sprintf("mr:%d:%s:%s", iid, mr.Action, mr.LastCommit.ID),
			PRNumber:      &iid,
			OnPullRequest: true,
			Branch:        mr.SourceBranch,
			BaseBranch:    mr.TargetBranch,
			CommitHash:    mr.LastCommit.ID,
			Sender:        p.User.Username,
		}, nil
	case "Note Hook":
		var p gitlabNoteEvent
		if err := decode(body, &p); err != nil {
			return Event{}, err
		}
		ev := Event{
			Kind:          KindComment,
			Action:        "created",
			RepositoryID:  strconv.FormatInt(p.Project.ID, 10),
			Repository:    p.Project.PathWithNamespace,
			ObjectID:      fmt.Sprintf("note:%d", p.ObjectAttributes.ID),
			OnPullRequest: p.ObjectAttributes.NoteableType == "MergeRequest" && p.MergeRequest != nil,
			Comment:       p.ObjectAttributes.Note,
			Sender:        p.User.Username,
		}
		if p.MergeRequest != nil {
			iid := p.MergeRequest.IID
			ev.PRNumber = &iid
		}
		return ev, nil
	case "Push Hook":
		var p gitlabPushEvent
		if err := decode(body, &p); err != nil {
			return Event{}, err
		}
		branch, _ := branchFromRef(p.Ref)
		projectID := p.Project.ID
		if projectID == 0 {
			projectID = p.ProjectID
		}
		commit := p.CheckoutSHA
		if commit == "" {
			commit = p.After
		}
		return Event{
			Kind:         KindPush,
			Action:       "push",
			RepositoryID: strconv.FormatInt(projectID, 10),
			Repository:   p.Project.PathWithNamespace,
			ObjectID:     fmt.Sprintf("push:%s:%s", p.Ref, p.After),
			Branch:       branch,
			CommitHash:   commit,
			Ref:          p.Ref,
			Deleted:      p.After == zeroSHA,
			Sender:       p.UserName,
		}, nil
	default:
		var p struct {
			Project gitlabProject `json:"project"`
		}
		_ = decode(body, &p)
		return Event{
			Kind:         KindUnsupported,
			RepositoryID: strconv.FormatInt(p.Project.ID, 10),
			Repository:   p.Project.PathWithNamespace,
		}, nil
	}
}
