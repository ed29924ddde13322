package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"relay-sync/internal/clock"
	"relay-sync/internal/protocol"
	"relay-sync/internal/store"
)

// ErrOffline is returned by Send while no gateway connection is open.
var ErrOffline = errors.New("not connected to gateway")

// ConnState is the node's view of its gateway link.
type ConnState int

const (
	Disconnected ConnState = iota
	NetworkOnly            // socket open, not identified yet
	Connected
)

func (s ConnState) String() string {
	switch s {
	case NetworkOnly:
		return "network_only"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// NodeConfig configures the device runtime.
type NodeConfig struct {
	URL               string
	MAC               string
	Secret            string
	HeartbeatInterval time.Duration
	IdentifyRetry     time.Duration
	SampleInterval    time.Duration
	MotionInterval    time.Duration
	WriteTimeout      time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	// LEDGPIO is the status LED pin, or -1 for none.
	LEDGPIO int
	// StatePath keeps the last applied pin map across restarts. Empty
	// disables it.
	StatePath string
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		HeartbeatInterval: 30 * time.Second,
		IdentifyRetry:     5 * time.Second,
		SampleInterval:    10 * time.Millisecond,
		MotionInterval:    100 * time.Millisecond,
		WriteTimeout:      5 * time.Second,
		ReconnectMin:      time.Second,
		ReconnectMax:      30 * time.Second,
		LEDGPIO:           -1,
	}
}

// ledInterval is the status LED blink period per link state.
func ledInterval(s ConnState) time.Duration {
	switch s {
	case Connected:
		return 120 * time.Millisecond
	case NetworkOnly:
		return 400 * time.Millisecond
	default:
		return time.Second
	}
}

// Node connects a Controller to the gateway and runs the periodic tasks.
type Node struct {
	cfg    NodeConfig
	ctrl   *Controller
	pins   Pins
	clock  clock.Clock
	runner *Runner
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	ledOn   bool
	ledLast time.Time
}

func NewNode(cfg NodeConfig, ctrlCfg ControllerConfig, pins Pins, clk clock.Clock, logger *slog.Logger) (*Node, error) {
	mac, err := store.NormalizeMAC(cfg.MAC)
	if err != nil {
		return nil, err
	}
	cfg.MAC = mac
	if cfg.URL == "" {
		return nil, fmt.Errorf("node: gateway url is required")
	}
	n := &Node{
		cfg:    cfg,
		pins:   pins,
		clock:  clk,
		runner: NewRunner(clk, logger.With("component", "runner")),
		logger: logger.With("component", "node", "mac", mac),
	}
	n.ctrl = NewController(ctrlCfg, mac, cfg.Secret, pins, n, clk, logger)
	n.restore()
	return n, nil
}

// restore applies the saved pin map, if any. A bad file only costs the
// head start; the gateway sends the configuration again on identify.
func (n *Node) restore() {
	if n.cfg.StatePath == "" {
		return
	}
	sc, err := LoadConfig(n.cfg.StatePath)
	if err != nil {
		n.logger.Warn("saved config ignored", "path", n.cfg.StatePath, "err", err)
		return
	}
	if sc == nil {
		return
	}
	if err := n.ctrl.Restore(*sc); err != nil {
		n.logger.Error("restore saved config", "err", err)
	}
	n.logger.Info("saved config restored", "switches", len(sc.Switches))
}

func (n *Node) save(switches []protocol.SwitchConfig, motionGPIO *int) {
	if n.cfg.StatePath == "" {
		return
	}
	if err := SaveConfig(n.cfg.StatePath, switches, motionGPIO); err != nil {
		n.logger.Warn("save config", "path", n.cfg.StatePath, "err", err)
	}
}

// Controller returns the node's switch controller.
func (n *Node) Controller() *Controller { return n.ctrl }

// State returns the current link state.
func (n *Node) State() ConnState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s ConnState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != s {
		n.logger.Info("link state", "state", s.String())
	}
	n.state = s
}

// Send implements Outbox.
func (n *Node) Send(m protocol.Message) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (n *Node) tasks() []Task {
	tasks := []Task{
		{Name: "debounce", Every: n.cfg.SampleInterval, Run: n.ctrl.SampleInputs},
		{Name: "motion", Every: n.cfg.MotionInterval, Run: n.ctrl.SampleMotion},
		{Name: "heartbeat", Every: n.cfg.HeartbeatInterval, Run: n.heartbeat},
		{Name: "identify", Every: n.cfg.IdentifyRetry, Run: n.retryIdentify},
	}
	if n.cfg.LEDGPIO >= 0 {
		tasks = append(tasks, Task{Name: "led", Every: 20 * time.Millisecond, Run: n.blink})
	}
	return tasks
}

func (n *Node) heartbeat() {
	if n.State() != Connected {
		return
	}
	if err := n.Send(&protocol.Heartbeat{MAC: n.cfg.MAC}); err != nil {
		n.logger.Debug("heartbeat", "err", err)
	}
}

func (n *Node) retryIdentify() {
	if n.State() != NetworkOnly {
		return
	}
	n.identify()
}

func (n *Node) identify() {
	if err := n.Send(&protocol.Identify{MAC: n.cfg.MAC, Secret: n.cfg.Secret}); err != nil {
		n.logger.Debug("identify", "err", err)
	}
}

func (n *Node) blink() {
	now := n.clock.Now()
	n.mu.Lock()
	if now.Sub(n.ledLast) < ledInterval(n.state) {
		n.mu.Unlock()
		return
	}
	n.ledLast = now
	n.ledOn = !n.ledOn
	on := n.ledOn
	n.mu.Unlock()
	n.pins.Write(n.cfg.LEDGPIO, on)
}

// Run keeps a gateway session open until ctx is cancelled, reconnecting
// with exponential backoff.
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.LEDGPIO >= 0 {
		if err := n.pins.Output(n.cfg.LEDGPIO); err != nil {
			return fmt.Errorf("status led: %w", err)
		}
	}
	n.runner.Start(n.tasks()...)
	defer n.runner.Stop()

	backoff := n.cfg.ReconnectMin
	for {
		identified, err := n.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if identified {
			backoff = n.cfg.ReconnectMin
		}
		n.logger.Warn("gateway session ended", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > n.cfg.ReconnectMax {
			backoff = n.cfg.ReconnectMax
		}
	}
}

// session runs one connection. It reports whether the gateway identified
// the node before the connection ended.
func (n *Node) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, n.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(64 << 10)

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	n.setState(NetworkOnly)
	defer func() {
		n.mu.Lock()
		n.conn = nil
		n.mu.Unlock()
		n.setState(Disconnected)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	n.identify()
	identified := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return identified, err
		}
		if n.handle(data) {
			identified = true
		}
	}
}

// handle processes one gateway message and reports whether it was an
// identified reply.
func (n *Node) handle(data []byte) bool {
	msg, err := protocol.Parse(data)
	if err != nil {
		n.logger.Warn("bad message from gateway", "err", err)
		return false
	}
	switch m := msg.(type) {
	case *protocol.Identified:
		n.setState(Connected)
		if err := n.ctrl.Identified(m); err != nil {
			n.logger.Error("apply identified config", "err", err)
		}
		n.save(m.Switches, m.MotionGPIO)
		return true
	case *protocol.ConfigUpdate:
		if err := n.ctrl.ApplyConfig(m); err != nil {
			n.logger.Error("apply config update", "err", err)
		}
		n.save(m.Switches, m.MotionGPIO)
	case *protocol.SwitchCommand:
		if m.MAC != "" && m.MAC != n.cfg.MAC {
			n.logger.Warn("command for another device", "target", m.MAC)
			return false
		}
		n.ctrl.HandleCommand(m)
	case *protocol.StateAck:
		n.logger.Debug("state acknowledged", "ts", m.TS, "changed", m.Changed)
	case *protocol.Error:
		n.logger.Warn("gateway error", "code", m.Code, "message", m.Message)
	default:
		n.logger.Debug("ignoring message", "type", msg.Type())
	}
	return false
}
