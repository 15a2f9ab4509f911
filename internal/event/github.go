package event

import (
	"fmt"
	"strconv"
)

type githubRepository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

type githubUser struct {
	Login string `json:"login"`
}

type githubPullRequest struct {
	ID     int64 `json:"id"`
	Number int   `json:"number"`
	Head   struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

type githubPullRequestEvent struct {
	Action      string            `json:"action"`
	Number      int               `json:"number"`
	PullRequest githubPullRequest `json:"pull_request"`
	Repository  githubRepository  `json:"repository"`
	Sender      githubUser        `json:"sender"`
}

type githubIssueCommentEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int            `json:"number"`
		PullRequest map[string]any `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	} `json:"comment"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
}

type githubReviewEvent struct {
	Action string `json:"action"`
	Review struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
	} `json:"review"`
	PullRequest githubPullRequest `json:"pull_request"`
	Repository  githubRepository  `json:"repository"`
	Sender      githubUser        `json:"sender"`
}

type githubPushEvent struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Deleted    bool             `json:"deleted"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
}

func parseGitHub(name string, body []byte) (Event, error) {
	switch name {
	case "pull_request":
		var p githubPullRequestEvent
		if err := decode(body, &p); err != nil {
			return Event{}, err
		}
		number := p.PullRequest.Number
		if number == 0 {
			number = p.Number
		}
		return Event{
			Kind:          KindPullRequest,
			Action:        p.Action,
			RepositoryID:  strconv.FormatInt(p.Repository.ID, 10),
			Repository:    p.Repository.FullName,
			ObjectID:      fmt.Sprintf("pr:%d:%s:%s", number, p.Action, p.PullRequest.Head.SHA),
			PRNumber:      &number,
			OnPullRequest: true,
			Branch:        p.PullRequest.Head.Ref,
			BaseBranch:    p.PullRequest.Base.Ref,
			CommitHash:    p.PullRequest.Head.SHA,
			Sender:        p.Sender.Login,
		}, nil
	case "issue_comment":
		var p githubIssueCommentEvent
		if err := decode(body, &p); err != nil {
			return Event{}, err
		}
		number := p.Issue.Number
		return Event{
			Kind:          KindComment,
			Action:        p.Action,
			RepositoryID:  strconv.FormatInt(p.Repository.ID, 10),
			Repository:    p.Repository.FullName,
			ObjectID:      fmt.Sprintf("comment:%d:%s", p.Comment.ID, p.Action),
			PRNumber:      &number,
			OnPullRequest: p.Issue.PullRequest != nil,
			Comment:       p.Comment.Body,
			Sender:        p.Sender.Login,
		}, nil
	case "pull_request_review":
		var p githubReviewEvent
		if err := decode(body, &p); err != nil {
			return Event{}, err
		}
		number := p.PullRequest.Number
		return Event{
			Kind:          KindReview,
			Action:        p.Action,
			RepositoryID:  strconv.FormatInt(p.Repository.ID, 10),
			Repository:    p.Repository.FullName,
			ObjectID:      fmt.Sprintf("review:%d:%s", p.Review.ID, p.Action),
			PRNumber:      &number,
			OnPullRequest: true,
			Branch:        p.PullRequest.Head.Ref,
			BaseBranch:    p.PullRequest.Base.Ref,
			CommitHash:    p.PullRequest.Head.SHA,
			ReviewState:   p.Review.State,
			Sender:        p.Sender.Login,
		}, nil
	case "push":
		var p githubPushEvent
		if err := decode(body, &p); err != nil {
			return Event{}, err
		}
		branch, _ := branchFromRef(p.Ref)
		return Event{
			Kind:         KindPush,
			Action:       "push",
			RepositoryID: strconv.FormatInt(p.Repository.ID, 10),
			Repository:   p.Repository.FullName,
			ObjectID:     fmt.Sprintf("push:%s:%s", p.Ref, p.After),
			Branch:       branch,
			CommitHash:   p.After,
			Ref:          p.Ref,
			Deleted:      p.Deleted || p.After == zeroSHA,
			Sender:       p.Sender.Login,
		}, nil
	default:
		var p struct {
			Action     string           `json:"action"`
			Repository githubRepository `json:"repository"`
		}
		_ = decode(body, &p)
		return Event{
			Kind:         KindUnsupported,
			Action:       p.Action,
			RepositoryID: strconv.FormatInt(p.Repository.ID, 10),
			Repository:   p.Repository.FullName,
		}, nil
	}
}
