package firmware

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"relay-sync/internal/protocol"
)

// SavedConfig is the pin map kept on local storage so a restarted device
// drives its relays and wall switches before the gateway answers.
type SavedConfig struct {
	Switches   []protocol.SwitchConfig `yaml:"switches"`
	MotionGPIO *int                    `yaml:"motion_gpio,omitempty"`
}

// LoadConfig reads a saved pin map. A missing file yields (nil, nil).
func LoadConfig(path string) (*SavedConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var sc SavedConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sc, nil
}

// SaveConfig writes the pin map atomically. Relay levels are not kept.
func SaveConfig(path string, switches []protocol.SwitchConfig, motionGPIO *int) error {
	sc := SavedConfig{Switches: make([]protocol.SwitchConfig, len(switches)), MotionGPIO: motionGPIO}
	for i, sw := range switches {
		sw.State = false
		sc.Switches[i] = sw
	}
	data, err := yaml.Marshal(&sc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".relay-node-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
