package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relay-sync/internal/clock"
	"relay-sync/internal/config"
	"relay-sync/internal/firmware"
)

func newNodeCmd(a *app) *cobra.Command {
	var mac, url string
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the relay controller runtime against a gateway",
		Long: `node runs the device side of the protocol: it claims relay, wall-switch and
PIR pins through the configured HAL (memory, gpio or serial), identifies to
the gateway and keeps hardware and server state in sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Node
			if mac != "" {
				cfg.MAC = mac
			}
			if url != "" {
				cfg.URL = url
			}

			pins, err := openPins(cfg, a.logger)
			if err != nil {
				return err
			}
			defer pins.Close()

			nodeCfg := firmware.DefaultNodeConfig()
			nodeCfg.URL = cfg.URL
			nodeCfg.MAC = cfg.MAC
			nodeCfg.Secret = cfg.Secret
			nodeCfg.LEDGPIO = cfg.LEDGPIO
			nodeCfg.HeartbeatInterval = cfg.HeartbeatInterval
			nodeCfg.IdentifyRetry = cfg.IdentifyRetry
			nodeCfg.ReconnectMax = cfg.ReconnectMax
			nodeCfg.StatePath = cfg.StatePath

			ctrlCfg := firmware.ControllerConfig{
				Debounce:    cfg.Debounce,
				Stagger:     cfg.Stagger,
				PIRDebounce: cfg.PIRDebounce,
			}

			node, err := firmware.NewNode(nodeCfg, ctrlCfg, pins, clock.Real(), a.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.logger.Info("node starting", "mac", nodeCfg.MAC, "gateway", nodeCfg.URL, "hal", cfg.HAL)
			return node.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&mac, "mac", "", "device hardware address (overrides node.mac)")
	cmd.Flags().StringVar(&url, "url", "", "gateway websocket url (overrides node.url)")
	return cmd
}

// openPins builds the HAL selected by node.hal. A serial relay board drives
// outputs only, so its inputs come from the GPIO chip when node.input_chip
// is set.
func openPins(cfg config.NodeConfig, logger *slog.Logger) (firmware.Pins, error) {
	switch cfg.HAL {
	case "memory":
		logger.Warn("using in-memory pins; no hardware is driven")
		return firmware.NewMemoryPins(), nil
	case "gpio":
		return openChipPins(cfg.Chip)
	case "serial":
		relay, err := firmware.OpenSerialRelay(cfg.Serial.Port, cfg.Serial.Baud, cfg.Serial.ChannelMap())
		if err != nil {
			return nil, err
		}
		if cfg.InputChip == "" {
			return relay, nil
		}
		inputs, err := openChipPins(cfg.InputChip)
		if err != nil {
			relay.Close()
			return nil, err
		}
		return &firmware.SplitPins{Outputs: relay, Inputs: inputs}, nil
	default:
		return nil, fmt.Errorf("unknown hal %q", cfg.HAL)
	}
}
