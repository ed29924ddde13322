//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relay-sync/internal/dispatch"
	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type toggleCall struct {
	mac, switchID string
	desired       *bool
}

type fakeToggler struct {
	mu    sync.Mutex
	calls []toggleCall
}

func (f *fakeToggler) RequestToggle(_ context.Context, mac, switchID string, desired *bool) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toggleCall{mac, switchID, desired})
	return dispatch.Result{Status: dispatch.StatusSent}, nil
}

type fakeDevices map[string]*store.Device

func (f fakeDevices) GetDevice(mac string) (*store.Device, error) {
	if d, ok := f[mac]; ok {
		return d, nil
	}
	return nil, store.ErrNotFound
}

func (f fakeDevices) ListDevices() ([]*store.Device, error) {
	var out []*store.Device
	for _, d := range f {
		out = append(out, d)
	}
	return out, nil
}

func testDevice() *store.Device {
	return &store.Device{
		MAC:      "AA:BB:CC:DD:EE:01",
		Name:     "Room 101",
		Location: "Block A",
		Status:   store.StatusOnline,
		Switches: []store.Switch{
			{ID: "light", Name: "Light", Type: store.TypeLight, GPIO: 16, State: true},
			{ID: "fan", Name: "Fan", Type: store.TypeFan, GPIO: 17},
		},
		Motion: &store.MotionSensor{Enabled: true, GPIO: 34},
	}
}

func newTestBridge() (*Bridge, *fakeToggler, *[]published) {
	dev := testDevice()
	tog := &fakeToggler{}
	bus := events.NewBus(slog.Default())
	b := newBridge(fakeDevices{dev.MAC: dev}, tog, bus, "relays", slog.Default())
	var out []published
	var mu sync.Mutex
	b.publishFn = func(topic string, payload []byte, retained bool) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, published{topic, payload, retained})
	}
	return b, tog, &out
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}

func TestDiscoveryPerSwitch(t *testing.T) {
	msgs := buildDiscovery(testDevice(), "relays")
	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/light/relay_aabbccddee01/light/config",
		"homeassistant/switch/relay_aabbccddee01/fan/config",
		"homeassistant/binary_sensor/relay_aabbccddee01/motion/config",
	} {
		if !topics[want] {
			t.Errorf("missing discovery topic %s", want)
		}
	}

	var fan haDiscovery
	for _, m := range msgs {
		if m.Topic == "homeassistant/switch/relay_aabbccddee01/fan/config" {
			if err := json.Unmarshal(m.Payload, &fan); err != nil {
				t.Fatal(err)
			}
		}
	}
	if fan.Name != "Room 101 Fan" {
		t.Errorf("name = %q", fan.Name)
	}
	if fan.StateTopic != "relays/aabbccddee01/fan" || fan.CommandTopic != "relays/aabbccddee01/fan/set" {
		t.Errorf("topics = %q, %q", fan.StateTopic, fan.CommandTopic)
	}
	if fan.AvailabilityTopic != "relays/aabbccddee01/availability" {
		t.Errorf("availability_topic = %q", fan.AvailabilityTopic)
	}
	if fan.Device.SuggestedArea != "Block A" || fan.Icon != "mdi:fan" {
		t.Errorf("device = %+v icon = %q", fan.Device, fan.Icon)
	}
}

func TestDiscoveryWithoutMotion(t *testing.T) {
	dev := testDevice()
	dev.Motion = nil
	if extractTopics(buildDiscovery(dev, "relays"))["homeassistant/binary_sensor/relay_aabbccddee01/motion/config"] {
		t.Error("motion sensor published for a device without PIR")
	}
}

func TestRemoveDiscoveryEmptyPayloads(t *testing.T) {
	for _, m := range buildRemoveDiscovery(testDevice()) {
		if len(m.Payload) != 0 {
			t.Errorf("%s: payload should be empty", m.Topic)
		}
	}
}

func TestParseCommandTopic(t *testing.T) {
	b, _, _ := newTestBridge()
	tests := []struct {
		topic  string
		mac    string
		sw     string
		wantOK bool
	}{
		{"relays/aabbccddee01/light/set", "AA:BB:CC:DD:EE:01", "light", true},
		{"relays/AA-BB-CC-DD-EE-01/fan/set", "AA:BB:CC:DD:EE:01", "fan", true},
		{"relays/aabbccddee01/light", "", "", false},
		{"other/aabbccddee01/light/set", "", "", false},
		{"relays/notamac/light/set", "", "", false},
		{"relays/aabbccddee01//set", "", "", false},
	}
	for _, tt := range tests {
		mac, sw, ok := b.parseCommandTopic(tt.topic)
		if ok != tt.wantOK || mac != tt.mac || sw != tt.sw {
			t.Errorf("parseCommandTopic(%q) = %q, %q, %v", tt.topic, mac, sw, ok)
		}
	}
}

func TestParseCommandPayload(t *testing.T) {
	tests := []struct {
		payload string
		want    *bool
		wantErr bool
	}{
		{"ON", ptr(true), false},
		{"off", ptr(false), false},
		{"TOGGLE", nil, false},
		{`{"state":"ON"}`, ptr(true), false},
		{`{"state":`, nil, true},
		{"dim", nil, true},
	}
	for _, tt := range tests {
		got, err := parseCommandPayload([]byte(tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.payload, err)
			continue
		}
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("%q: got %v, want %v", tt.payload, got, tt.want)
		}
	}
}

func ptr(b bool) *bool { return &b }

func TestCommandRoutesToDispatcher(t *testing.T) {
	b, tog, _ := newTestBridge()
	b.handleCommand("relays/aabbccddee01/fan/set", []byte("ON"))
	b.handleCommand("relays/aabbccddee01/fan/set", []byte("bogus"))
	if len(tog.calls) != 1 {
		t.Fatalf("calls = %+v", tog.calls)
	}
	c := tog.calls[0]
	if c.mac != "AA:BB:CC:DD:EE:01" || c.switchID != "fan" || c.desired == nil || !*c.desired {
		t.Errorf("call = %+v", c)
	}
}

func TestStateEventPublishesRetainedSwitches(t *testing.T) {
	b, _, out := newTestBridge()
	dev := testDevice()
	dev.Switches[0].LastStateChange = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b.handleEvent(events.Event{Type: events.DeviceStateChanged, Data: events.StateChange{DeviceID: dev.MAC, State: dev}})

	if len(*out) != 2 {
		t.Fatalf("published = %d, want 2", len(*out))
	}
	first := (*out)[0]
	if first.topic != "relays/aabbccddee01/light" || !first.retained {
		t.Errorf("first = %+v", first)
	}
	var p switchPayload
	if err := json.Unmarshal(first.payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.State != "ON" || p.LastChange != "2026-03-02T09:00:00Z" {
		t.Errorf("payload = %+v", p)
	}
}

func TestAvailabilityAndAlerts(t *testing.T) {
	b, _, out := newTestBridge()
	b.handleEvent(events.Event{Type: events.DeviceDisconnected, Data: events.Connection{DeviceID: "AA:BB:CC:DD:EE:01"}})
	b.handleEvent(events.Event{Type: events.SecurityAlert, Data: &store.SecurityAlert{Type: store.AlertDeviceOffline, Severity: store.SeverityLow}})

	topics := map[string]string{}
	for _, p := range *out {
		topics[p.topic] = string(p.payload)
	}
	if topics["relays/aabbccddee01/availability"] != "offline" {
		t.Errorf("availability = %q", topics["relays/aabbccddee01/availability"])
	}
	if _, ok := topics["relays/alerts"]; !ok {
		t.Error("alert not published")
	}
}

func TestConnectPublishesDiscovery(t *testing.T) {
	b, _, out := newTestBridge()
	b.handleEvent(events.Event{Type: events.DeviceConnected, Data: events.Connection{DeviceID: "AA:BB:CC:DD:EE:01"}})
	var discovery int
	for _, p := range *out {
		if len(p.topic) > 14 && p.topic[:14] == "homeassistant/" {
			discovery++
		}
	}
	if discovery != 3 {
		t.Errorf("discovery messages = %d, want 3", discovery)
	}
}
