package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/splax/deploygate/internal/scheduler"
)

// Broadcaster publishes scheduler lifecycle events to a Hub. Each event goes to
// TopicAll and to the deployment's repository topic.
type Broadcaster struct {
	hub *Hub
	log *slog.Logger
}

var _ scheduler.Observer = (*Broadcaster)(nil)

// NewBroadcaster wraps hub as a scheduler observer.
func NewBroadcaster(hub *Hub, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, log: logger.With("component", "stream")}
}

// DeploymentChanged implements scheduler.Observer.
func (b *Broadcaster) DeploymentChanged(ev scheduler.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("encode lifecycle event", "error", err)
		return
	}
	topics := []string{TopicAll}
	if repo := ev.Deployment.Repository; repo != "" {
		topics = append(topics, repo)
	}
	if !b.hub.Broadcast(payload, topics...) {
		b.log.Warn("stream buffer full, lifecycle event dropped", "type", ev.Type, "key", ev.Deployment.Key)
	}
}
