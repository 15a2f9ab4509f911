package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/scheduler"
)

type fakeSubscriber struct {
	msgs   chan []byte
	fail   bool
	closed chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{msgs: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeSubscriber) Send(p []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.msgs <- p
	return nil
}

func (f *fakeSubscriber) Close() {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHubDeliversOncePerSubscriber(t *testing.T) {
	hub := NewHub(context.Background())
	defer hub.Stop()

	all := newFakeSubscriber()
	repo := newFakeSubscriber()
	hub.Register(TopicAll, all)
	hub.Register("acme/web", repo)
	hub.Register("acme/web", all)

	hub.Broadcast([]byte("one"), TopicAll, "acme/web")
	if got := receive(t, all.msgs); string(got) != "one" {
		t.Fatalf("unexpected payload %q", got)
	}
	if got := receive(t, repo.msgs); string(got) != "one" {
		t.Fatalf("unexpected payload %q", got)
	}
	select {
	case extra := <-all.msgs:
		t.Fatalf("subscriber on two topics received a second copy %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub(context.Background())
	defer hub.Stop()

	bad := newFakeSubscriber()
	bad.fail = true
	hub.Register(TopicAll, bad)
	hub.Broadcast([]byte("x"), TopicAll)

	select {
	case <-bad.closed:
	case <-time.After(time.Second):
		t.Fatal("failing subscriber was not closed")
	}
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers(TopicAll) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("failing subscriber still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubStopClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(ctx)
	sub := newFakeSubscriber()
	hub.Register(TopicAll, sub)
	cancel()

	select {
	case <-sub.closed:
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed on shutdown")
	}
}

func TestBroadcasterStreamsOverWebsocket(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(context.Background())
	defer hub.Stop()

	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, logger)
		hub.Register("acme/web", client)
		close(registered)
		client.Drain()
		hub.Unregister("acme/web", client)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-registered

	b := NewBroadcaster(hub, logger)
	b.DeploymentChanged(scheduler.Event{
		Type:       scheduler.EventStarted,
		Deployment: domain.Deployment{Key: "abc", Repository: "acme/web", Status: domain.StatusRunning},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev scheduler.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != scheduler.EventStarted || ev.Deployment.Key != "abc" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	opened := client.LastActivity()
	time.Sleep(2 * time.Millisecond)
	if err := client.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !client.LastActivity().After(opened) {
		t.Fatalf("send should advance last activity")
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := rec.Body.String(); got != "data: {\"a\":1}\n\n: ping\n\n" {
		t.Fatalf("unexpected frames %q", got)
	}
	client.Close()
	if err := client.Send([]byte("x")); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
