// Package protocol defines the JSON messages exchanged between relay
// controllers and the gateway. Every message is a JSON object tagged by a
// "type" field; Parse validates required fields strictly.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned for malformed JSON or missing/invalid fields.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownType is returned for a well-formed message with an unknown type tag.
	ErrUnknownType = errors.New("unknown message type")
)

// Message type tags.
const (
	TypeIdentify      = "identify"
	TypeHeartbeat     = "heartbeat"
	TypeStateUpdate   = "state_update"
	TypeSwitchResult  = "switch_result"
	TypeMotion        = "motion"
	TypeIdentified    = "identified"
	TypeSwitchCommand = "switch_command"
	TypeConfigUpdate  = "config_update"
	TypeStateAck      = "state_ack"
	TypeError         = "error"
)

// Error codes sent in Error messages.
const (
	CodeDeviceNotRegistered = "device_not_registered"
	CodeInvalidSecret       = "invalid_or_missing_secret"
	CodeNotIdentified       = "not_identified"
	CodeInvalidMessage      = "invalid_message"
	CodeRegistryUnavailable = "registry_unavailable"
)

// Switch result reasons.
const (
	ReasonStaleSeq    = "stale_seq"
	ReasonUnknownGPIO = "unknown_gpio"
	ReasonHardware    = "hardware_error"
)

// Identify modes.
const (
	ModeSecure   = "secure"
	ModeInsecure = "insecure"
)

// Message is any tagged protocol message.
type Message interface {
	Type() string
}

// Identify is the first message a device sends after connecting.
type Identify struct {
	MAC    string `json:"mac"`
	Secret string `json:"secret,omitempty"`
}

// Heartbeat refreshes a device's last-seen time.
type Heartbeat struct {
	MAC string `json:"mac,omitempty"`
}

// PinState is the level of one control pin.
type PinState struct {
	GPIO  int  `json:"gpio"`
	State bool `json:"state"`
}

// StateUpdate reports the current level of some or all control pins.
type StateUpdate struct {
	Seq      int64      `json:"seq"`
	TS       int64      `json:"ts"`
	Switches []PinState `json:"switches"`
	Sig      string     `json:"sig,omitempty"`
}

// SwitchResult answers a SwitchCommand. Seq echoes the command's seq.
type SwitchResult struct {
	GPIO           int    `json:"gpio"`
	RequestedState bool   `json:"requestedState"`
	ActualState    *bool  `json:"actualState,omitempty"`
	Success        bool   `json:"success"`
	Reason         string `json:"reason,omitempty"`
	Seq            int64  `json:"seq"`
	TS             int64  `json:"ts"`
	Sig            string `json:"sig,omitempty"`
}

// Motion reports a PIR sensor edge.
type Motion struct {
	Triggered bool  `json:"triggered"`
	Seq       int64 `json:"seq"`
	TS        int64 `json:"ts"`
}

// ManualConfig describes a wall switch input.
type ManualConfig struct {
	GPIO      int    `json:"gpio"`
	Mode      string `json:"mode"`
	ActiveLow bool   `json:"activeLow"`
}

// SwitchConfig is the per-switch configuration pushed to a device.
type SwitchConfig struct {
	GPIO   int           `json:"gpio"`
	Name   string        `json:"name"`
	Type   string        `json:"type,omitempty"`
	Manual *ManualConfig `json:"manual,omitempty"`
	State  bool          `json:"state"`
}

// Identified acknowledges a successful Identify.
type Identified struct {
	MAC        string         `json:"mac"`
	Mode       string         `json:"mode"`
	Switches   []SwitchConfig `json:"switches"`
	MotionGPIO *int           `json:"motionGpio,omitempty"`
}

// SwitchCommand asks a device to drive a control pin.
type SwitchCommand struct {
	MAC   string `json:"mac"`
	GPIO  int    `json:"gpio"`
	State bool   `json:"state"`
	Seq   int64  `json:"seq"`
}

// ConfigUpdate replaces a device's switch configuration.
type ConfigUpdate struct {
	Switches   []SwitchConfig `json:"switches"`
	MotionGPIO *int           `json:"motionGpio,omitempty"`
}

// StateAck acknowledges an accepted StateUpdate.
type StateAck struct {
	TS      int64 `json:"ts"`
	Changed bool  `json:"changed"`
}

// Error reports a connection-level protocol error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (*Identify) Type() string      { return TypeIdentify }
func (*Heartbeat) Type() string     { return TypeHeartbeat }
func (*StateUpdate) Type() string   { return TypeStateUpdate }
func (*SwitchResult) Type() string  { return TypeSwitchResult }
func (*Motion) Type() string        { return TypeMotion }
func (*Identified) Type() string    { return TypeIdentified }
func (*SwitchCommand) Type() string { return TypeSwitchCommand }
func (*ConfigUpdate) Type() string  { return TypeConfigUpdate }
func (*StateAck) Type() string      { return TypeStateAck }
func (*Error) Type() string         { return TypeError }

// Encode marshals m and injects its type tag as the first field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	head := fmt.Sprintf(`{"type":%q`, m.Type())
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	return append([]byte(head+","), body[1:]...), nil
}

func invalid(typ, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, typ, fmt.Sprintf(format, args...))
}
