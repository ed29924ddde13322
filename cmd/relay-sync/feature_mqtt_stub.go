//go:build no_mqtt

package main

import (
	"log/slog"

	"relay-sync/internal/config"
	"relay-sync/internal/dispatch"
	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ store.Store, _ *dispatch.Dispatcher, _ *events.Bus, cfg *config.Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but binary built with no_mqtt")
	}
	return &mqttStopper{}
}
