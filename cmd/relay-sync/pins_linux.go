//go:build linux

package main

import "relay-sync/internal/firmware"

func openChipPins(chip string) (firmware.Pins, error) {
	p, err := firmware.OpenChip(chip)
	if err != nil {
		return nil, err
	}
	return p, nil
}
