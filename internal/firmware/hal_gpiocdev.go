//go:build linux

package firmware

import (
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// ChipPins drives pins through the Linux GPIO character device.
type ChipPins struct {
	mu    sync.Mutex
	chip  *gpiod.Chip
	lines map[int]*gpiod.Line
	out   map[int]bool
}

// OpenChip opens a GPIO chip such as "gpiochip0".
func OpenChip(name string) (*ChipPins, error) {
	chip, err := gpiod.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &ChipPins{chip: chip, lines: make(map[int]*gpiod.Line), out: make(map[int]bool)}, nil
}

// Output reads the line's current level first and requests it as an output
// at that level, so claiming a relay never flips it.
func (p *ChipPins) Output(gpio int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out[gpio] {
		return nil
	}
	current := 0
	if l, ok := p.lines[gpio]; ok {
		l.Close()
		delete(p.lines, gpio)
	}
	if in, err := p.chip.RequestLine(gpio, gpiod.AsInput); err == nil {
		if v, err := in.Value(); err == nil {
			current = v
		}
		in.Close()
	}
	line, err := p.chip.RequestLine(gpio, gpiod.AsOutput(current))
	if err != nil {
		return fmt.Errorf("request output %d: %w", gpio, err)
	}
	p.lines[gpio] = line
	p.out[gpio] = true
	return nil
}

func (p *ChipPins) Input(gpio int, pullUp bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.lines[gpio]; ok {
		l.Close()
		delete(p.lines, gpio)
	}
	opts := []gpiod.LineReqOption{gpiod.AsInput}
	if pullUp {
		opts = append(opts, gpiod.WithPullUp)
	}
	line, err := p.chip.RequestLine(gpio, opts...)
	if err != nil {
		return fmt.Errorf("request input %d: %w", gpio, err)
	}
	p.lines[gpio] = line
	delete(p.out, gpio)
	return nil
}

func (p *ChipPins) Write(gpio int, high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lines[gpio]
	if !ok || !p.out[gpio] {
		return fmt.Errorf("write gpio %d: %w", gpio, ErrPinNotClaimed)
	}
	v := 0
	if high {
		v = 1
	}
	return l.SetValue(v)
}

func (p *ChipPins) Read(gpio int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lines[gpio]
	if !ok {
		return false, fmt.Errorf("read gpio %d: %w", gpio, ErrPinNotClaimed)
	}
	v, err := l.Value()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (p *ChipPins) Release(gpio int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lines[gpio]
	if !ok {
		return nil
	}
	delete(p.lines, gpio)
	delete(p.out, gpio)
	return l.Close()
}

func (p *ChipPins) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for gpio, l := range p.lines {
		l.Close()
		delete(p.lines, gpio)
	}
	return p.chip.Close()
}
