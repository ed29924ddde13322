package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "relay-sync.yaml", "log:\n  level: info\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Gateway.StaleAfter != 60*time.Second || cfg.Gateway.StateBurst != 5 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Dispatch.Cooldown != time.Second || cfg.Dispatch.FlushDelay != 2*time.Second {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Node.Stagger != 80*time.Millisecond || cfg.Node.LEDGPIO != -1 || cfg.Node.HAL != "memory" || cfg.Node.StatePath != "relay-node.yaml" {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.MQTT.Enabled || cfg.Redis.Enabled || cfg.InfluxDB.Enabled {
		t.Error("optional sinks enabled by default")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "relay-sync.yaml", `
server:
  listen: ":8081"
  allowed_origins: ["https://ops.example"]
gateway:
  ping_interval: 10s
mqtt:
  enabled: true
  topic_prefix: campus
schedule:
  timezone: UTC
  holidays: ["2026-12-25"]
node:
  hal: serial
  serial:
    port: /dev/ttyUSB0
    channels:
      - gpio: 16
        channel: 1
      - gpio: 17
        channel: 2
`)
	t.Setenv("RELAYSYNC_SERVER_LISTEN", ":9090")
	t.Setenv("RELAYSYNC_MQTT_PASSWORD", "hunter2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("env override: listen = %q", cfg.Server.Listen)
	}
	if cfg.MQTT.Password != "hunter2" || cfg.MQTT.TopicPrefix != "campus" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Gateway.PingInterval != 10*time.Second {
		t.Errorf("ping_interval = %v", cfg.Gateway.PingInterval)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || len(cfg.Schedule.Holidays) != 1 {
		t.Errorf("lists = %v %v", cfg.Server.AllowedOrigins, cfg.Schedule.Holidays)
	}
	if got := cfg.Node.Serial.ChannelMap(); got[16] != 1 || got[17] != 2 {
		t.Errorf("channels = %v", got)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("location = %v, %v", loc, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(writeFile(t, "relay-sync.yaml", "dispatch:\n  cooldown: 0s\n"))
	if err == nil || !strings.Contains(err.Error(), "dispatch.cooldown") {
		t.Errorf("err = %v", err)
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeFile(t, "relay-sync.yaml", "log:\n  level: info\n"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
		{"empty store", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"zero ping", func(c *Config) { c.Gateway.PingInterval = 0 }, "gateway.ping_interval"},
		{"negative stale", func(c *Config) { c.Gateway.StaleAfter = -time.Second }, "gateway.stale_after"},
		{"zero burst", func(c *Config) { c.Gateway.StateBurst = 0 }, "gateway.state_burst"},
		{"negative stagger", func(c *Config) { c.Node.Stagger = -1 }, "node.stagger"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled, c.MQTT.Broker = true, "" }, "mqtt.broker"},
		{"influx without bucket", func(c *Config) { c.InfluxDB.Enabled, c.InfluxDB.Bucket = true, "" }, "influxdb"},
		{"unknown hal", func(c *Config) { c.Node.HAL = "spi" }, "node.hal"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"valid", func(*Config) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "RELAYSYNC_TEST_DOTENV_LEVEL"
	t.Cleanup(func() { os.Unsetenv(key) })

	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}

	path := writeFile(t, ".env", key+"=debug\n")
	if err := loadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv(key); got != "debug" {
		t.Errorf("%s = %q", key, got)
	}

	// Existing variables are not overwritten.
	os.Setenv(key, "warn")
	if err := loadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv(key); got != "warn" {
		t.Errorf("%s = %q, want existing value", key, got)
	}
}
