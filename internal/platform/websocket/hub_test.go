package websocket

import (
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

func newTestClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 4)}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient("c1", PatientTopic("123"))

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(PatientTopic("123")) != 1 {
		t.Fatalf("expected client registered on topic")
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(PatientTopic("123")) != 0 {
		t.Fatalf("expected client removed")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := newTestClient("a", PatientTopic("1"))
	b := newTestClient("b", PatientTopic("2"))
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast(PatientTopic("1"), Event{Type: EventChartUpdated, PatientID: "1", Version: 3})

	select {
	case data := <-a.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != EventChartUpdated || ev.Topic != PatientTopic("1") || ev.Version != 3 {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	default:
		t.Fatal("expected event on subscribed client")
	}
	select {
	case <-b.Send:
		t.Fatal("client on another topic must not receive the event")
	default:
	}
}

func TestHub_FullBufferDrops(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{"T"}, Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast("T", Event{Type: EventChange})
	hub.Broadcast("T", Event{Type: EventChange})
	if hub.Dropped() != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", hub.Dropped())
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient("c")
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"A", "B", "A"}})
	if len(c.Topics) != 2 || hub.TopicCount("A") != 1 || hub.TopicCount("B") != 1 {
		t.Fatalf("unexpected topics after subscribe: %v", c.Topics)
	}
	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"A"}})
	if len(c.Topics) != 1 || c.Topics[0] != "B" || hub.TopicCount("A") != 0 {
		t.Fatalf("unexpected topics after unsubscribe: %v", c.Topics)
	}
	hub.ProcessMessage(c, ClientMessage{Action: "bogus", Topics: []string{"C"}})
	if hub.TopicCount("C") != 0 {
		t.Error("unknown action must be ignored")
	}
}

func TestHub_Listen(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var got []Event
	detach := hub.Listen(ChangeTopic("p1"), func(ev Event) { got = append(got, ev) })

	hub.Broadcast(ChangeTopic("p1"), Event{Type: EventChange, PatientID: "p1"})
	hub.Broadcast(ChangeTopic("p2"), Event{Type: EventChange, PatientID: "p2"})
	detach()
	detach()
	hub.Broadcast(ChangeTopic("p1"), Event{Type: EventChange, PatientID: "p1"})

	if len(got) != 1 || got[0].PatientID != "p1" {
		t.Errorf("expected exactly one event for p1, got %+v", got)
	}
	if hub.TopicCount(ChangeTopic("p1")) != 0 {
		t.Error("expected listener detached")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient("c", PatientTopic("x"))
			hub.Register(c)
			hub.Broadcast(PatientTopic("x"), Event{Type: EventChange})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop())).RegisterRoutes(e.Group(""))
	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	if err := NewHandler(NewHub(zerolog.Nop())).HandleConnect(e.NewContext(req, rec)); err == nil {
		t.Fatal("expected error for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?patient_id=p-ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(PatientTopic("p-ws")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not subscribed from the query parameter")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"Extra"}}); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	for hub.TopicCount("Extra") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscribe message not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(PatientTopic("p-ws"), Event{Type: EventChartUpdated, PatientID: "p-ws"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != EventChartUpdated || received.PatientID != "p-ws" {
		t.Fatalf("unexpected event: %+v", received)
	}
}
