package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wricardo/mcp-training/envserver/env/service"
	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
)

func newTestClient(hub *Hub, h session.Handle) *Client {
	return &Client{
		hub:    hub,
		handle: h,
		send:   make(chan []byte, 256),
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.sessions == nil {
		t.Error("Hub sessions map is nil")
	}
	if hub.broadcast == nil || hub.register == nil || hub.unregister == nil {
		t.Error("Hub channels are not initialized")
	}
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub(nil)

	client1 := newTestClient(hub, 7)
	client2 := newTestClient(hub, 7)
	hub.registerClient(client1)
	hub.registerClient(client2)

	if len(hub.sessions[7]) != 2 {
		t.Fatalf("Expected 2 clients for handle 7, got %d", len(hub.sessions[7]))
	}

	hub.unregisterClient(client1)
	if !hub.sessions[7][client2] {
		t.Error("client2 should still be registered")
	}
	if _, ok := <-client1.send; ok {
		t.Error("send channel of an unregistered client should be closed")
	}

	hub.unregisterClient(client2)
	if _, exists := hub.sessions[7]; exists {
		t.Error("Handle should have been cleaned up after last client unregistered")
	}

	// Unregistering twice is harmless.
	hub.unregisterClient(client2)
}

func TestHubBroadcastOnlyToWatchers(t *testing.T) {
	hub := NewHub(nil)
	watcher := newTestClient(hub, 1)
	other := newTestClient(hub, 2)
	hub.registerClient(watcher)
	hub.registerClient(other)

	hub.broadcastMessage(&Message{
		Handle: 1,
		Event:  EventStep,
		Observation: &service.Observation{
			Handle:   1,
			State:    session.StateReady,
			Snapshot: sim.Snapshot{Observation: "count 1", Reward: 0.5},
		},
	})

	select {
	case data := <-watcher.send:
		var message struct {
			Handle      int64  `json:"handle"`
			Event       string `json:"event"`
			Observation struct {
				Observation string  `json:"observation"`
				Reward      float64 `json:"reward"`
				State       string  `json:"state"`
			} `json:"observation"`
		}
		if err := json.Unmarshal(data, &message); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if message.Handle != 1 || message.Event != EventStep {
			t.Errorf("Unexpected message header: %+v", message)
		}
		if message.Observation.Observation != "count 1" || message.Observation.Reward != 0.5 {
			t.Errorf("Observation not correctly transmitted: %+v", message.Observation)
		}
		if message.Observation.State != "ready" {
			t.Errorf("Expected state ready, got %q", message.Observation.State)
		}
	default:
		t.Error("watcher received no message")
	}

	select {
	case <-other.send:
		t.Error("a client of another handle received the message")
	default:
	}
}

func TestHubSlowClientIsDropped(t *testing.T) {
	hub := NewHub(nil)
	slow := &Client{hub: hub, handle: 3, send: make(chan []byte, 1)}
	hub.registerClient(slow)

	hub.broadcastMessage(&Message{Handle: 3, Event: EventReset})
	hub.broadcastMessage(&Message{Handle: 3, Event: EventReset})

	if _, exists := hub.sessions[3]; exists {
		t.Error("slow client should have been unregistered")
	}
}

func TestHubEnqueueNeverBlocks(t *testing.T) {
	hub := NewHub(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.BroadcastEvent(1, "tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BroadcastEvent blocked without a running hub")
	}
	if len(hub.broadcast) != broadcastBuffer {
		t.Errorf("Expected a full buffer of %d, got %d", broadcastBuffer, len(hub.broadcast))
	}
}

func startHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, err := session.ParseHandle(r.URL.Query().Get("handle"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.ServeWS(w, r, h)
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server
}

func TestWebSocketReceivesUpdates(t *testing.T) {
	hub, server := startHubServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?handle=42"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	// Registration happens on the hub goroutine.
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastObservation(EventReset, &service.Observation{
		Handle:   42,
		State:    session.StateReady,
		Snapshot: sim.Snapshot{Observation: "fresh board"},
	})
	hub.BroadcastEvent(42, EventClosed, nil)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var events []string
	for len(events) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read WebSocket message: %v", err)
		}
		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if message.Handle != 42 {
			t.Errorf("Expected handle 42, got %d", message.Handle)
		}
		events = append(events, message.Event)
	}

	if events[0] != EventReset || events[1] != EventClosed {
		t.Errorf("Unexpected events: %v", events)
	}
}
