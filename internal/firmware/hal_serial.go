package firmware

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// ErrInputUnsupported is returned by boards that only drive relays.
var ErrInputUnsupported = errors.New("relay board has no inputs")

// SerialRelay drives an LC-Technology USB relay board. Each relay is switched
// with a 4-byte frame: 0xA0, channel, state, checksum. The board cannot be
// read back, so Read returns the last level written.
type SerialRelay struct {
	mu       sync.Mutex
	port     io.WriteCloser
	channels map[int]byte
	levels   map[int]bool
	claimed  map[int]bool
}

// OpenSerialRelay opens the board on portName. channels maps a logical gpio
// number to a 1-based relay channel.
func OpenSerialRelay(portName string, baudRate int, channels map[int]int) (*SerialRelay, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("relay board: open %s: %w", portName, err)
	}
	r, err := NewSerialRelay(port, channels)
	if err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

// NewSerialRelay wraps an already open port.
func NewSerialRelay(port io.WriteCloser, channels map[int]int) (*SerialRelay, error) {
	ch := make(map[int]byte, len(channels))
	for gpio, c := range channels {
		if c < 1 || c > 255 {
			return nil, fmt.Errorf("relay board: gpio %d: channel %d out of range", gpio, c)
		}
		ch[gpio] = byte(c)
	}
	return &SerialRelay{
		port:     port,
		channels: ch,
		levels:   make(map[int]bool),
		claimed:  make(map[int]bool),
	}, nil
}

func relayFrame(channel byte, on bool) []byte {
	var state byte
	if on {
		state = 1
	}
	return []byte{0xA0, channel, state, 0xA0 + channel + state}
}

func (r *SerialRelay) Output(gpio int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[gpio]; !ok {
		return fmt.Errorf("relay board: no channel for gpio %d", gpio)
	}
	r.claimed[gpio] = true
	return nil
}

func (r *SerialRelay) Input(gpio int, _ bool) error {
	return fmt.Errorf("gpio %d: %w", gpio, ErrInputUnsupported)
}

func (r *SerialRelay) Write(gpio int, high bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.claimed[gpio] {
		return fmt.Errorf("write gpio %d: %w", gpio, ErrPinNotClaimed)
	}
	if _, err := r.port.Write(relayFrame(r.channels[gpio], high)); err != nil {
		return fmt.Errorf("relay board: write: %w", err)
	}
	r.levels[gpio] = high
	return nil
}

func (r *SerialRelay) Read(gpio int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.claimed[gpio] {
		return false, fmt.Errorf("read gpio %d: %w", gpio, ErrPinNotClaimed)
	}
	return r.levels[gpio], nil
}

func (r *SerialRelay) Release(gpio int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, gpio)
	return nil
}

func (r *SerialRelay) Close() error {
	return r.port.Close()
}
