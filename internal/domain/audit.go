package domain

import "time"

// WebhookEvent is the audit record of one inbound webhook delivery and the
// outcome the gateway produced for it.
type WebhookEvent struct {
	ID            string    `json:"id"`
	Source        Source    `json:"source"`
	EventType     string    `json:"eventType"`
	Action        string    `json:"action,omitempty"`
	Repository    string    `json:"repository,omitempty"`
	EventID       string    `json:"eventId,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	DeploymentKey string    `json:"deploymentKey,omitempty"`
	Error         string    `json:"error,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}
