package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type *string `json:"type"`
}

// Parse decodes one tagged message. Unknown tags return ErrUnknownType,
// anything else that fails validation returns ErrInvalidMessage.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	switch *env.Type {
	case TypeIdentify:
		return parseIdentify(data)
	case TypeHeartbeat:
		var m Heartbeat
		if err := decode(data, &m); err != nil {
			return nil, invalid(TypeHeartbeat, "%v", err)
		}
		return &m, nil
	case TypeStateUpdate:
		return parseStateUpdate(data)
	case TypeSwitchResult:
		return parseSwitchResult(data)
	case TypeMotion:
		return parseMotion(data)
	case TypeIdentified:
		var m Identified
		if err := decode(data, &m); err != nil {
			return nil, invalid(TypeIdentified, "%v", err)
		}
		if m.MAC == "" {
			return nil, invalid(TypeIdentified, "missing mac")
		}
		if err := validateConfig(TypeIdentified, m.Switches); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeSwitchCommand:
		return parseSwitchCommand(data)
	case TypeConfigUpdate:
		var m ConfigUpdate
		if err := decode(data, &m); err != nil {
			return nil, invalid(TypeConfigUpdate, "%v", err)
		}
		if err := validateConfig(TypeConfigUpdate, m.Switches); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeStateAck:
		var m StateAck
		if err := decode(data, &m); err != nil {
			return nil, invalid(TypeStateAck, "%v", err)
		}
		return &m, nil
	case TypeError:
		var m Error
		if err := decode(data, &m); err != nil {
			return nil, invalid(TypeError, "%v", err)
		}
		if m.Code == "" {
			return nil, invalid(TypeError, "missing code")
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *env.Type)
	}
}

// decode rejects fields that are not part of the message.
func decode(data []byte, v any) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	delete(probe, "type")
	rest, err := json.Marshal(probe)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(rest))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIdentify(data []byte) (Message, error) {
	var raw struct {
		MAC    *string `json:"mac"`
		Secret string  `json:"secret"`
	}
	if err := decode(data, &raw); err != nil {
		return nil, invalid(TypeIdentify, "%v", err)
	}
	if raw.MAC == nil || *raw.MAC == "" {
		return nil, invalid(TypeIdentify, "missing mac")
	}
	return &Identify{MAC: *raw.MAC, Secret: raw.Secret}, nil
}

func parseStateUpdate(data []byte) (Message, error) {
	var raw struct {
		Seq      *int64 `json:"seq"`
		TS       *int64 `json:"ts"`
		Switches *[]struct {
			GPIO  *int  `json:"gpio"`
			State *bool `json:"state"`
		} `json:"switches"`
		Sig string `json:"sig"`
	}
	if err := decode(data, &raw); err != nil {
		return nil, invalid(TypeStateUpdate, "%v", err)
	}
	if raw.Seq == nil || *raw.Seq < 0 {
		return nil, invalid(TypeStateUpdate, "missing or negative seq")
	}
	if raw.TS == nil || *raw.TS < 0 {
		return nil, invalid(TypeStateUpdate, "missing or negative ts")
	}
	if raw.Switches == nil {
		return nil, invalid(TypeStateUpdate, "missing switches")
	}
	m := &StateUpdate{Seq: *raw.Seq, TS: *raw.TS, Sig: raw.Sig, Switches: make([]PinState, 0, len(*raw.Switches))}
	for i, p := range *raw.Switches {
		if p.GPIO == nil || *p.GPIO < 0 || p.State == nil {
			return nil, invalid(TypeStateUpdate, "switch %d: missing gpio or state", i)
		}
		m.Switches = append(m.Switches, PinState{GPIO: *p.GPIO, State: *p.State})
	}
	return m, nil
}

func parseSwitchResult(data []byte) (Message, error) {
	var raw struct {
		GPIO           *int   `json:"gpio"`
		RequestedState *bool  `json:"requestedState"`
		ActualState    *bool  `json:"actualState"`
		Success        *bool  `json:"success"`
		Reason         string `json:"reason"`
		Seq            *int64 `json:"seq"`
		TS             *int64 `json:"ts"`
		Sig            string `json:"sig"`
	}
	if err := decode(data, &raw); err != nil {
		return nil, invalid(TypeSwitchResult, "%v", err)
	}
	switch {
	case raw.GPIO == nil || *raw.GPIO < 0:
		return nil, invalid(TypeSwitchResult, "missing gpio")
	case raw.RequestedState == nil:
		return nil, invalid(TypeSwitchResult, "missing requestedState")
	case raw.Success == nil:
		return nil, invalid(TypeSwitchResult, "missing success")
	case raw.Seq == nil || *raw.Seq < 0:
		return nil, invalid(TypeSwitchResult, "missing or negative seq")
	case raw.TS == nil || *raw.TS < 0:
		return nil, invalid(TypeSwitchResult, "missing or negative ts")
	case !*raw.Success && raw.Reason == "":
		return nil, invalid(TypeSwitchResult, "failure without reason")
	}
	return &SwitchResult{
		GPIO:           *raw.GPIO,
		RequestedState: *raw.RequestedState,
		ActualState:    raw.ActualState,
		Success:        *raw.Success,
		Reason:         raw.Reason,
		Seq:            *raw.Seq,
		TS:             *raw.TS,
		Sig:            raw.Sig,
	}, nil
}

func parseMotion(data []byte) (Message, error) {
	var raw struct {
		Triggered *bool  `json:"triggered"`
		Seq       *int64 `json:"seq"`
		TS        *int64 `json:"ts"`
	}
	if err := decode(data, &raw); err != nil {
		return nil, invalid(TypeMotion, "%v", err)
	}
	if raw.Triggered == nil || raw.Seq == nil || raw.TS == nil {
		return nil, invalid(TypeMotion, "missing triggered, seq or ts")
	}
	return &Motion{Triggered: *raw.Triggered, Seq: *raw.Seq, TS: *raw.TS}, nil
}

func parseSwitchCommand(data []byte) (Message, error) {
	var raw struct {
		MAC   string `json:"mac"`
		GPIO  *int   `json:"gpio"`
		State *bool  `json:"state"`
		Seq   *int64 `json:"seq"`
	}
	if err := decode(data, &raw); err != nil {
		return nil, invalid(TypeSwitchCommand, "%v", err)
	}
	if raw.GPIO == nil || raw.State == nil || raw.Seq == nil {
		return nil, invalid(TypeSwitchCommand, "missing gpio, state or seq")
	}
	return &SwitchCommand{MAC: raw.MAC, GPIO: *raw.GPIO, State: *raw.State, Seq: *raw.Seq}, nil
}

func validateConfig(typ string, switches []SwitchConfig) error {
	seen := make(map[int]bool)
	for _, sw := range switches {
		pins := []int{sw.GPIO}
		if sw.Manual != nil {
			if sw.Manual.Mode != "maintained" && sw.Manual.Mode != "momentary" {
				return invalid(typ, "gpio %d: manual mode %q", sw.GPIO, sw.Manual.Mode)
			}
			pins = append(pins, sw.Manual.GPIO)
		}
		for _, p := range pins {
			if p < 0 {
				return invalid(typ, "negative gpio")
			}
			if seen[p] {
				return invalid(typ, "gpio %d used twice", p)
			}
			seen[p] = true
		}
	}
	return nil
}
