//go:build !linux

package main

import (
	"fmt"

	"relay-sync/internal/firmware"
)

func openChipPins(chip string) (firmware.Pins, error) {
	return nil, fmt.Errorf("gpio chip %s: character device GPIO requires linux", chip)
}
