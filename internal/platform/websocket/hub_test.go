package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func newTestHub() *Hub { return NewHub(zerolog.Nop()) }

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub()
	client := NewClient("job-1")

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("job-1") != 1 {
		t.Fatalf("expected 1 client on job-1, got %d", hub.TopicCount("job-1"))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := newTestHub()
	client := NewClient("job-2")

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("job-2") != 0 {
		t.Fatalf("expected 0 clients on job-2, got %d", hub.TopicCount("job-2"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// A second unregister must not panic on the closed channel.
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub()
	subscribed := NewClient("job-a")
	other := NewClient("job-b")
	hub.Register(subscribed)
	hub.Register(other)

	hub.Broadcast("job-a", Event{Type: "import.progress", Topic: "job-a", Timestamp: time.Now()})

	select {
	case msg := <-subscribed.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if ev.Topic != "job-a" {
			t.Fatalf("expected topic job-a, got %s", ev.Topic)
		}
	default:
		t.Fatal("expected subscribed client to receive the event")
	}

	select {
	case <-other.Send:
		t.Fatal("client on another topic should not receive the event")
	default:
	}
}

func TestHub_BroadcastDropsWhenBufferFull(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{"job"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast("job", Event{Topic: "job"})
	hub.Broadcast("job", Event{Topic: "job"})

	if hub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", hub.Dropped())
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := newTestHub()
	// Should not panic.
	hub.Broadcast("nobody-listens", Event{Topic: "nobody-listens"})
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := NewClient()
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"job-1", "job-2", ""}})
	if hub.TopicCount("job-1") != 1 || hub.TopicCount("job-2") != 1 {
		t.Fatal("expected client on job-1 and job-2")
	}
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"job-1"}})
	if hub.TopicCount("job-1") != 0 {
		t.Fatal("expected job-1 to be empty")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "job-2" {
		t.Fatalf("expected only job-2 to remain, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"job-3"}})
	if hub.TopicCount("job-3") != 0 {
		t.Fatal("unknown actions must be ignored")
	}
}

func TestHub_SubscribeUnregisteredClient(t *testing.T) {
	hub := newTestHub()
	hub.Subscribe(NewClient(), []string{"job-1"})
	if hub.TopicCount("job-1") != 0 {
		t.Fatal("unregistered clients must not be subscribed")
	}
}

func TestHub_ConcurrentRegisterBroadcast(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient("job")
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast("job", Event{Topic: "job"})
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after all unregistered, got %d", hub.ClientCount())
	}
}

func TestHub_Publish(t *testing.T) {
	hub := newTestHub()
	client := NewClient("job-p")
	hub.Register(client)

	var pub EventPublisher = hub
	if err := pub.Publish(context.Background(), Event{Type: "import.progress", Topic: "job-p"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(client.Send) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(client.Send))
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Error("requests without Origin should be accepted")
	}
	req.Header.Set("Origin", "http://localhost:3000")
	if !check(req) {
		t.Error("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "http://evil.example")
	if check(req) {
		t.Error("expected foreign origin to be rejected")
	}

	if !originChecker([]string{"*"})(req) {
		t.Error("wildcard should accept any origin")
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	handler := NewHandler(newTestHub(), nil, zerolog.Nop())

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewHandler(newTestHub(), nil, zerolog.Nop())

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

	err := handler.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithJobQuery(t *testing.T) {
	hub := newTestHub()
	handler := NewHandler(hub, nil, zerolog.Nop())

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?job=job-42"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("job-42") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("job-42") != 1 {
		t.Fatalf("expected 1 subscriber on job-42, got %d", hub.TopicCount("job-42"))
	}

	hub.Broadcast("job-42", Event{Type: "import.progress", Topic: "job-42", Timestamp: time.Now()})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "import.progress" {
		t.Fatalf("expected import.progress, got %s", received.Type)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"job-43"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for hub.TopicCount("job-43") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("job-43") != 1 {
		t.Fatalf("expected 1 subscriber on job-43, got %d", hub.TopicCount("job-43"))
	}
}
