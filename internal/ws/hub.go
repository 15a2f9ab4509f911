// Package ws fans deployment lifecycle events out to websocket and SSE
// subscribers.
package ws

import (
	"context"
	"sync"
)

// TopicAll receives every event regardless of repository.
const TopicAll = "*"

const broadcastBuffer = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic. A topic is a repository name or
// TopicAll.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once
}

type message struct {
	topics  []string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a Hub whose dispatch loop runs until ctx is cancelled or Stop
// is called.
func NewHub(ctx context.Context) *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

func (h *Hub) run(ctx context.Context) {
	defer h.Stop()
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.removeLocked(sub.topic, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := make(map[Subscriber]struct{})
	for _, topic := range msg.topics {
		for c := range h.clients[topic] {
			if _, ok := sent[c]; ok {
				continue
			}
			sent[c] = struct{}{}
			if err := c.Send(msg.payload); err != nil {
				c.Close()
				h.removeLocked(topic, c)
			}
		}
	}
}

func (h *Hub) removeLocked(topic string, client Subscriber) {
	if clients, ok := h.clients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
		delete(h.clients, topic)
	}
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of topics. It never blocks:
// when the buffer is full the message is dropped and false is returned.
func (h *Hub) Broadcast(payload []byte, topics ...string) bool {
	select {
	case h.broadcast <- message{topics: topics, payload: payload}:
		return true
	default:
		return false
	}
}

// Subscribers counts clients on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Stop terminates the dispatch loop and closes all subscribers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
