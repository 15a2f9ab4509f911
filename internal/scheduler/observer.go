package scheduler

import (
	"time"

	"github.com/splax/deploygate/internal/domain"
)

// EventType names a committed lifecycle transition.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventDuplicate EventType = "duplicate"
)

// Event is delivered to observers after a transition commits.
type Event struct {
	Type       EventType         `json:"type"`
	Deployment domain.Deployment `json:"deployment"`
	Reason     string            `json:"reason,omitempty"`
	At         time.Time         `json:"at"`
}

// Observer receives lifecycle events synchronously, outside the scheduler
// lock. Implementations must not block for long.
type Observer interface {
	DeploymentChanged(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// DeploymentChanged implements Observer.
func (f ObserverFunc) DeploymentChanged(ev Event) { f(ev) }

// Observe registers o for every subsequent transition.
func (s *Scheduler) Observe(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, o)
	s.mu.Unlock()
}

func (s *Scheduler) notify(ev Event) {
	s.mu.Lock()
	watchers := s.watchers
	s.mu.Unlock()
	for _, o := range watchers {
		o.DeploymentChanged(ev)
	}
}
