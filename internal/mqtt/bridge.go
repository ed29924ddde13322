//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"relay-sync/internal/dispatch"
	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Devices is the registry view the bridge needs.
type Devices interface {
	GetDevice(mac string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

// Toggler routes switch commands received over MQTT.
type Toggler interface {
	RequestToggle(ctx context.Context, mac, switchID string, desired *bool) (dispatch.Result, error)
}

// Subscriber delivers bus events.
type Subscriber interface {
	OnAll(handler events.Handler) func()
}

// Bridge mirrors switch state, availability and alerts to MQTT with Home
// Assistant discovery, and accepts <prefix>/<mac>/<switch>/set commands.
type Bridge struct {
	client  pahomqtt.Client
	devices Devices
	toggler Toggler
	bus     Subscriber
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc

	publishFn func(topic string, payload []byte, retained bool)
}

func newBridge(devices Devices, toggler Toggler, bus Subscriber, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		devices: devices,
		toggler: toggler,
		bus:     bus,
		prefix:  prefix,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.publishFn = b.clientPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(devices Devices, toggler Toggler, bus Subscriber, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(devices, toggler, bus, cfg.TopicPrefix, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "relay-sync"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bus events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	switch event.Type {
	case events.DeviceStateChanged:
		sc, ok := event.Data.(events.StateChange)
		if !ok || sc.State == nil {
			return
		}
		b.publishDeviceState(sc.State)
	case events.DeviceConnected:
		if c, ok := event.Data.(events.Connection); ok {
			b.publishAvailability(c.DeviceID, true)
			if dev, err := b.devices.GetDevice(c.DeviceID); err == nil {
				b.publishDiscovery(dev)
			}
		}
	case events.DeviceDisconnected:
		if c, ok := event.Data.(events.Connection); ok {
			b.publishAvailability(c.DeviceID, false)
		}
	case events.MotionDetected:
		if m, ok := event.Data.(events.Motion); ok {
			b.publish(b.deviceTopic(m.DeviceID)+"/motion", mustJSON(map[string]any{
				"motion": true,
				"at":     m.At.Format(time.RFC3339),
			}), false)
		}
	case events.SecurityAlert:
		if a, ok := event.Data.(*store.SecurityAlert); ok {
			b.publish(b.prefix+"/alerts", mustJSON(a), false)
		}
	}
}

type switchPayload struct {
	State      string `json:"state"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type,omitempty"`
	LastChange string `json:"last_change,omitempty"`
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) publishDeviceState(dev *store.Device) {
	base := b.deviceTopic(dev.MAC)
	for _, sw := range dev.Switches {
		p := switchPayload{State: onOff(sw.State), Name: sw.Name, Type: sw.Type}
		if !sw.LastStateChange.IsZero() {
			p.LastChange = sw.LastStateChange.Format(time.RFC3339)
		}
		b.publish(base+"/"+sw.ID, mustJSON(p), true)
	}
}

func (b *Bridge) publishAvailability(mac string, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	b.publish(b.deviceTopic(mac)+"/availability", []byte(state), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAll() {
	devices, err := b.devices.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDiscovery(dev)
		b.publishAvailability(dev.MAC, dev.Online())
		b.publishDeviceState(dev)
	}
}

func (b *Bridge) publishDiscovery(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Debug("published HA discovery", "mac", dev.MAC, "name", deviceDisplayName(dev))
}

// RemoveDevice clears the retained discovery entries of a deleted device.
func (b *Bridge) RemoveDevice(dev *store.Device) {
	for _, msg := range buildRemoveDiscovery(dev) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Warn("MQTT subscribe failed", "topic", topic, "err", token.Error())
		}
	}()
}

// parseCommandTopic splits <prefix>/<mac>/<switch>/set.
func (b *Bridge) parseCommandTopic(topic string) (mac, switchID string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[1] == "" {
		return "", "", false
	}
	mac, err := store.NormalizeMAC(parts[0])
	if err != nil {
		return "", "", false
	}
	return mac, parts[1], true
}

// parseCommandPayload accepts ON, OFF, TOGGLE or {"state":"ON"}. A nil
// result means toggle.
func parseCommandPayload(payload []byte) (*bool, error) {
	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") {
		var cmd struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("invalid command JSON: %w", err)
		}
		raw = cmd.State
	}
	on, off := true, false
	switch strings.ToUpper(raw) {
	case "ON":
		return &on, nil
	case "OFF":
		return &off, nil
	case "TOGGLE":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown command %q", raw)
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	mac, switchID, ok := b.parseCommandTopic(topic)
	if !ok {
		b.logger.Warn("ignoring command on unexpected topic", "topic", topic)
		return
	}
	desired, err := parseCommandPayload(payload)
	if err != nil {
		b.logger.Warn("invalid command", "mac", mac, "switch", switchID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	res, err := b.toggler.RequestToggle(ctx, mac, switchID, desired)
	if err != nil {
		b.logger.Warn("mqtt toggle failed", "mac", mac, "switch", switchID, "err", err)
		return
	}
	b.logger.Info("mqtt toggle", "mac", mac, "switch", switchID, "status", res.Status, "reason", res.Reason)
}

func (b *Bridge) deviceTopic(mac string) string {
	return b.prefix + "/" + macTopic(mac)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	b.publishFn(topic, payload, retained)
}

func (b *Bridge) clientPublish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
