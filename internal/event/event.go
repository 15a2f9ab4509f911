// Package event classifies inbound webhook deliveries and decodes the provider
// payloads the gateway acts on into a single normalized Event.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/splax/deploygate/internal/domain"
)

// Provider headers.
const (
	HeaderGitHubEvent     = "X-GitHub-Event"
	HeaderGitHubDelivery  = "X-GitHub-Delivery"
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderGitLabEvent     = "X-Gitlab-Event"
	HeaderGitLabEventUUID = "X-Gitlab-Event-UUID"
	HeaderGitLabToken     = "X-Gitlab-Token"
)

// Kind is the provider-neutral category of an event.
type Kind string

const (
	KindPullRequest Kind = "pull_request"
	KindComment     Kind = "comment"
	KindReview      Kind = "review"
	KindPush        Kind = "push"
	KindUnsupported Kind = "unsupported"
)

// ErrUnknownSource is returned when no provider event header is present.
var ErrUnknownSource = errors.New("event: unknown webhook source")

// Event is the normalized form of a webhook delivery.
type Event struct {
	Source       domain.Source
	Name         string
	Kind         Kind
	Action       string
	RepositoryID string
	Repository   string
	ObjectID     string
	DeliveryID   string

	PRNumber      *int
	OnPullRequest bool
	Branch        string
	BaseBranch    string
	CommitHash    string
	Ref           string
	Deleted       bool
	Comment       string
	ReviewState   string
	Sender        string
}

// ID is the provider's own identity for the event, used to collapse
// retransmissions. The delivery id is only a fallback because redeliveries
// can carry fresh delivery ids.
func (e Event) ID() string {
	if e.ObjectID != "" {
		return e.ObjectID
	}
	return e.DeliveryID
}

// Classify determines the source and provider event name from headers.
func Classify(h http.Header) (domain.Source, string, error) {
	if name := strings.TrimSpace(h.Get(HeaderGitHubEvent)); name != "" {
		return domain.SourceGitHub, name, nil
	}
	if name := strings.TrimSpace(h.Get(HeaderGitLabEvent)); name != "" {
		return domain.SourceGitLab, name, nil
	}
	return "", "", ErrUnknownSource
}

// Parse classifies the delivery and decodes its payload. The body must already
// be known to be valid JSON; decoding errors here indicate a payload whose shape
// does not match its declared event.
func Parse(h http.Header, body []byte) (Event, error) {
	source, name, err := Classify(h)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	switch source {
	case domain.SourceGitHub:
		ev, err = parseGitHub(name, body)
		ev.DeliveryID = strings.TrimSpace(h.Get(HeaderGitHubDelivery))
	case domain.SourceGitLab:
		ev, err = parseGitLab(name, body)
		ev.DeliveryID = strings.TrimSpace(h.Get(HeaderGitLabEventUUID))
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s %q payload: %w", source, name, err)
	}
	ev.Source = source
	ev.Name = name
	return ev, nil
}

func decode(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

func branchFromRef(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, prefix), true
}

const zeroSHA = "0000000000000000000000000000000000000000"

// RepositoryName extracts the repository or project path from either
// provider's payload without classifying it. It is used to pick the
// per-repository secret before the delivery is authenticated.
func RepositoryName(body []byte) string {
	var p struct {
		Repository githubRepository `json:"repository"`
		Project    gitlabProject    `json:"project"`
	}
	if err := decode(body, &p); err != nil {
		return ""
	}
	if p.Repository.FullName != "" {
		return p.Repository.FullName
	}
	return p.Project.PathWithNamespace
}
