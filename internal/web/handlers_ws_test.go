package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"relay-sync/internal/events"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func ev(typ string) events.Event {
	return events.Event{Type: typ, Data: events.Connection{DeviceID: "AA:BB:CC:DD:EE:01"}}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	time.Sleep(10 * time.Millisecond)
	if n := hub.Clients(); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client

	time.Sleep(10 * time.Millisecond)
	if n := hub.Clients(); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}

	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(ev(events.DeviceConnected))
	time.Sleep(10 * time.Millisecond)

	for name, c := range map[string]*wsClient{"c1": c1, "c2": c2} {
		select {
		case msg := <-c.send:
			var got events.Event
			if err := json.Unmarshal(msg, &got); err != nil {
				t.Fatal(err)
			}
			if got.Type != events.DeviceConnected {
				t.Errorf("%s received %q", name, got.Type)
			}
		default:
			t.Errorf("%s did not receive broadcast", name)
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(ev(events.DeviceConnected))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(ev(events.DeviceDisconnected))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Not running: nothing drains the channel.
	for i := 0; i < 256; i++ {
		hub.Broadcast(ev(events.Activity))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(ev(events.Activity))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	hub.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestObserverReceivesSnapshotThenEvents(t *testing.T) {
	env := setupTestServer(t)
	seedDevice(t, env.db, testMAC)
	env.gw.connected = []string{testMAC}

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var snap struct {
		Type string       `json:"type"`
		Data snapshotData `json:"data"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Type != Snapshot || len(snap.Data.Devices) != 1 || len(snap.Data.Connected) != 1 {
		t.Fatalf("snapshot = %s", data)
	}

	// Registration with the hub races the first emit.
	deadline := time.Now().Add(2 * time.Second)
	for env.srv.wsHub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.bus.Emit(ev(events.DeviceDisconnected))

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != events.DeviceDisconnected {
		t.Errorf("event type = %q", got.Type)
	}
}
