package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	keys      map[string]string
	failPub   error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub != nil {
		return redis.NewIntResult(0, f.failPub)
	}
	f.published = append(f.published, channel+" "+string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed bool
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
}

func stateEvent() events.Event {
	dev := &store.Device{MAC: "AA:BB:CC:DD:EE:01", Location: "Block A", Switches: []store.Switch{
		{ID: "light", Type: store.TypeLight, GPIO: 16, State: true},
		{ID: "ac", Type: store.TypeAC, GPIO: 17},
	}}
	return events.Event{Type: events.DeviceStateChanged, Data: events.StateChange{
		DeviceID: dev.MAC, State: dev, Seq: 3, Source: events.SourceDevice,
		TS: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}}
}

func TestRedisPublishesAndCachesState(t *testing.T) {
	fr := &fakeRedis{keys: map[string]string{}}
	bus := events.NewBus(slog.Default())
	r := newRedis(fr, RedisConfig{}, slog.Default())
	r.Start(bus)

	bus.Emit(stateEvent())
	bus.Emit(events.Event{Type: events.DeviceConnected, Data: events.Connection{DeviceID: "AA:BB:CC:DD:EE:01"}})
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	if len(fr.published) != 2 {
		t.Fatalf("published = %d, want 2", len(fr.published))
	}
	state, ok := fr.keys["relay-sync:device:AA:BB:CC:DD:EE:01"]
	if !ok {
		t.Fatal("device state not cached")
	}
	var dev store.Device
	if err := json.Unmarshal([]byte(state), &dev); err != nil {
		t.Fatal(err)
	}
	if !dev.Switches[0].State {
		t.Error("cached state mismatch")
	}
}

func TestRedisPublishErrorDoesNotStopWorker(t *testing.T) {
	fr := &fakeRedis{keys: map[string]string{}, failPub: errors.New("connection refused")}
	bus := events.NewBus(slog.Default())
	r := newRedis(fr, RedisConfig{Channel: "c", KeyPrefix: "p:"}, slog.Default())
	r.Start(bus)
	bus.Emit(stateEvent())
	r.Stop()
	if _, ok := fr.keys["p:device:AA:BB:CC:DD:EE:01"]; !ok {
		t.Error("state should still be cached after publish failure")
	}
}

func TestInfluxPoints(t *testing.T) {
	fw := &fakeWriter{}
	bus := events.NewBus(slog.Default())
	i := newInflux(fw, slog.Default())
	i.Start(bus)

	bus.Emit(stateEvent())
	bus.Emit(events.Event{Type: events.MotionDetected, Data: events.Motion{DeviceID: "AA:BB:CC:DD:EE:01", At: time.Now()}})
	bus.Emit(events.Event{Type: events.SecurityAlert, Data: &store.SecurityAlert{Type: store.AlertTimeoutExceeded, Severity: store.SeverityHigh}})
	bus.Emit(events.Event{Type: events.DeviceConnected, Data: events.Connection{DeviceID: "x"}})
	i.Stop()

	names := map[string]int{}
	for _, p := range fw.points {
		names[p.Name()]++
	}
	if names["switch_state"] != 2 || names["motion"] != 1 || names["alert"] != 1 || len(fw.points) != 4 {
		t.Errorf("points = %v", names)
	}
	if !fw.flushed {
		t.Error("stop should flush")
	}

	p := fw.points[0]
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["device"] != "AA:BB:CC:DD:EE:01" || tags["switch"] != "light" || tags["category"] != store.CategoryLighting {
		t.Errorf("tags = %v", tags)
	}
}

func TestWorkerDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	w := newWorker("test", func(context.Context, events.Event) { <-block }, slog.Default())
	for i := 0; i < queueSize+10; i++ {
		w.enqueue(events.Event{Type: "x"})
	}
	close(block)
	if got := w.dropped.Load(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}
