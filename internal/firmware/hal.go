package firmware

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPinNotClaimed is returned when a pin is read or written before it was
// claimed as an input or output.
var ErrPinNotClaimed = errors.New("pin not claimed")

// Pins is the hardware abstraction the controller drives.
type Pins interface {
	// Output claims gpio as an output without changing its current level.
	Output(gpio int) error
	// Input claims gpio as an input, optionally with the internal pull-up.
	Input(gpio int, pullUp bool) error
	Write(gpio int, high bool) error
	Read(gpio int) (bool, error)
	Release(gpio int) error
	Close() error
}

// PinWrite is one recorded output write.
type PinWrite struct {
	GPIO int
	High bool
}

// MemoryPins is an in-process Pins used by tests and the simulator.
type MemoryPins struct {
	mu      sync.Mutex
	levels  map[int]bool
	outputs map[int]bool
	inputs  map[int]bool
	fail    map[int]error
	writes  []PinWrite
}

func NewMemoryPins() *MemoryPins {
	return &MemoryPins{
		levels:  make(map[int]bool),
		outputs: make(map[int]bool),
		inputs:  make(map[int]bool),
		fail:    make(map[int]error),
	}
}

func (m *MemoryPins) Output(gpio int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inputs, gpio)
	m.outputs[gpio] = true
	return nil
}

func (m *MemoryPins) Input(gpio int, pullUp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outputs, gpio)
	if !m.inputs[gpio] {
		if _, set := m.levels[gpio]; !set {
			m.levels[gpio] = pullUp
		}
	}
	m.inputs[gpio] = true
	return nil
}

func (m *MemoryPins) Write(gpio int, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[gpio]; err != nil {
		return err
	}
	if !m.outputs[gpio] {
		return fmt.Errorf("write gpio %d: %w", gpio, ErrPinNotClaimed)
	}
	m.levels[gpio] = high
	m.writes = append(m.writes, PinWrite{GPIO: gpio, High: high})
	return nil
}

func (m *MemoryPins) Read(gpio int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.outputs[gpio] && !m.inputs[gpio] {
		return false, fmt.Errorf("read gpio %d: %w", gpio, ErrPinNotClaimed)
	}
	return m.levels[gpio], nil
}

func (m *MemoryPins) Release(gpio int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outputs, gpio)
	delete(m.inputs, gpio)
	return nil
}

func (m *MemoryPins) Close() error { return nil }

// Set drives the external level seen on gpio.
func (m *MemoryPins) Set(gpio int, high bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[gpio] = high
}

// Level returns the current level of gpio.
func (m *MemoryPins) Level(gpio int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[gpio]
}

// Fail makes writes to gpio return err. A nil err clears the fault.
func (m *MemoryPins) Fail(gpio int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, gpio)
		return
	}
	m.fail[gpio] = err
}

// Writes returns the recorded output writes in order.
func (m *MemoryPins) Writes() []PinWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PinWrite(nil), m.writes...)
}

// IsOutput reports whether gpio is currently claimed as an output.
func (m *MemoryPins) IsOutput(gpio int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs[gpio]
}

// SplitPins routes relay outputs and sensor inputs to different backends,
// such as a USB relay board plus the board's own GPIO chip.
type SplitPins struct {
	Outputs Pins
	Inputs  Pins

	mu  sync.Mutex
	out map[int]bool
}

func (s *SplitPins) backend(gpio int) Pins {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out[gpio] {
		return s.Outputs
	}
	return s.Inputs
}

func (s *SplitPins) Output(gpio int) error {
	if err := s.Outputs.Output(gpio); err != nil {
		return err
	}
	s.mu.Lock()
	if s.out == nil {
		s.out = make(map[int]bool)
	}
	s.out[gpio] = true
	s.mu.Unlock()
	return nil
}

func (s *SplitPins) Input(gpio int, pullUp bool) error {
	s.mu.Lock()
	delete(s.out, gpio)
	s.mu.Unlock()
	return s.Inputs.Input(gpio, pullUp)
}

func (s *SplitPins) Write(gpio int, high bool) error { return s.backend(gpio).Write(gpio, high) }

func (s *SplitPins) Read(gpio int) (bool, error) { return s.backend(gpio).Read(gpio) }

func (s *SplitPins) Release(gpio int) error {
	b := s.backend(gpio)
	s.mu.Lock()
	delete(s.out, gpio)
	s.mu.Unlock()
	return b.Release(gpio)
}

func (s *SplitPins) Close() error {
	return errors.Join(s.Outputs.Close(), s.Inputs.Close())
}
