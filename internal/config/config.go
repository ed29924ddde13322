// Package config loads relay-sync settings from a YAML file, an optional
// .env file and RELAYSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with dots in the
// key replaced by underscores: RELAYSYNC_SERVER_LISTEN.
const EnvPrefix = "RELAYSYNC"

// Config holds the complete configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Security SecurityConfig `mapstructure:"security"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Redis    RedisConfig    `mapstructure:"redis"`
	InfluxDB InfluxConfig   `mapstructure:"influxdb"`
	Log      LogConfig      `mapstructure:"log"`
	Node     NodeConfig     `mapstructure:"node"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	APIKey         string        `mapstructure:"api_key"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig locates the registry database.
type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// GatewayConfig holds session liveness and rate settings.
type GatewayConfig struct {
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	OfflineSweepInterval time.Duration `mapstructure:"offline_sweep_interval"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	StateWindow          time.Duration `mapstructure:"state_window"`
	StateBurst           int           `mapstructure:"state_burst"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
}

// SecurityConfig controls device authentication.
type SecurityConfig struct {
	RequireSignatures     bool `mapstructure:"require_signatures"`
	AllowInsecureIdentify bool `mapstructure:"allow_insecure_identify"`
}

// DispatchConfig holds command guard timings.
type DispatchConfig struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	ReconcileDelay time.Duration `mapstructure:"reconcile_delay"`
	FlushDelay     time.Duration `mapstructure:"flush_delay"`
}

// ScheduleConfig configures the schedule engine and its holiday calendar.
type ScheduleConfig struct {
	Timezone      string        `mapstructure:"timezone"`
	MotionWindow  time.Duration `mapstructure:"motion_window"`
	Holidays      []string      `mapstructure:"holidays"`
	HolidayScript string        `mapstructure:"holiday_script"`
}

// MQTTConfig holds the MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// RedisConfig holds the Redis event sink settings.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Channel   string `mapstructure:"channel"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// InfluxConfig holds the InfluxDB history sink settings.
type InfluxConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NodeConfig configures the device runtime started by `relay-sync node`.
type NodeConfig struct {
	URL               string        `mapstructure:"url"`
	MAC               string        `mapstructure:"mac"`
	Secret            string        `mapstructure:"secret"`
	HAL               string        `mapstructure:"hal"` // memory, gpio, serial
	Chip              string        `mapstructure:"chip"`
	InputChip         string        `mapstructure:"input_chip"`
	Serial            SerialConfig  `mapstructure:"serial"`
	LEDGPIO           int           `mapstructure:"led_gpio"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdentifyRetry     time.Duration `mapstructure:"identify_retry"`
	Debounce          time.Duration `mapstructure:"debounce"`
	Stagger           time.Duration `mapstructure:"stagger"`
	PIRDebounce       time.Duration `mapstructure:"pir_debounce"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	StatePath         string        `mapstructure:"state_path"`
}

// SerialConfig maps relay GPIO numbers to channels of a USB relay board.
type SerialConfig struct {
	Port     string          `mapstructure:"port"`
	Baud     int             `mapstructure:"baud"`
	Channels []SerialChannel `mapstructure:"channels"`
}

type SerialChannel struct {
	GPIO    int `mapstructure:"gpio"`
	Channel int `mapstructure:"channel"`
}

// ChannelMap returns the channels keyed by GPIO.
func (s SerialConfig) ChannelMap() map[int]int {
	out := make(map[int]int, len(s.Channels))
	for _, c := range s.Channels {
		out[c.GPIO] = c.Channel
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("store.path", "relay-sync.db")
	v.SetDefault("store.open_timeout", "5s")

	v.SetDefault("gateway.ping_interval", "30s")
	v.SetDefault("gateway.offline_sweep_interval", "30s")
	v.SetDefault("gateway.stale_after", "60s")
	v.SetDefault("gateway.state_window", "1s")
	v.SetDefault("gateway.state_burst", 5)
	v.SetDefault("gateway.write_timeout", "10s")

	v.SetDefault("security.require_signatures", false)
	v.SetDefault("security.allow_insecure_identify", false)

	v.SetDefault("dispatch.cooldown", "1s")
	v.SetDefault("dispatch.reconcile_delay", "5s")
	v.SetDefault("dispatch.flush_delay", "2s")

	v.SetDefault("schedule.timezone", "Local")
	v.SetDefault("schedule.motion_window", "5m")
	v.SetDefault("schedule.holidays", []string{})
	v.SetDefault("schedule.holiday_script", "")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "relay-sync")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "relay-sync")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "relay-sync:events")
	v.SetDefault("redis.key_prefix", "relay-sync:")

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "relay-sync")
	v.SetDefault("influxdb.batch_size", 100)
	v.SetDefault("influxdb.flush_interval", "1s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("node.url", "ws://127.0.0.1:8080/device-ws")
	v.SetDefault("node.mac", "")
	v.SetDefault("node.secret", "")
	v.SetDefault("node.hal", "memory")
	v.SetDefault("node.chip", "gpiochip0")
	v.SetDefault("node.input_chip", "")
	v.SetDefault("node.serial.port", "")
	v.SetDefault("node.serial.baud", 9600)
	v.SetDefault("node.led_gpio", -1)
	v.SetDefault("node.heartbeat_interval", "30s")
	v.SetDefault("node.identify_retry", "5s")
	v.SetDefault("node.debounce", "50ms")
	v.SetDefault("node.stagger", "80ms")
	v.SetDefault("node.pir_debounce", "2s")
	v.SetDefault("node.reconnect_max", "30s")
	v.SetDefault("node.state_path", "relay-node.yaml")
}

// Load reads the config file at path (or ./relay-sync.yaml when path is
// empty and the file exists), applies a .env file from the working
// directory and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("relay-sync")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv exports the variables of a .env file. Variables already set
// in the environment win. A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Location resolves schedule.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" || c.Schedule.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	positive := []struct {
		key string
		d   time.Duration
	}{
		{"store.open_timeout", c.Store.OpenTimeout},
		{"gateway.ping_interval", c.Gateway.PingInterval},
		{"gateway.offline_sweep_interval", c.Gateway.OfflineSweepInterval},
		{"gateway.stale_after", c.Gateway.StaleAfter},
		{"gateway.state_window", c.Gateway.StateWindow},
		{"gateway.write_timeout", c.Gateway.WriteTimeout},
		{"dispatch.cooldown", c.Dispatch.Cooldown},
		{"dispatch.reconcile_delay", c.Dispatch.ReconcileDelay},
		{"dispatch.flush_delay", c.Dispatch.FlushDelay},
		{"schedule.motion_window", c.Schedule.MotionWindow},
		{"node.heartbeat_interval", c.Node.HeartbeatInterval},
		{"node.identify_retry", c.Node.IdentifyRetry},
		{"node.debounce", c.Node.Debounce},
		{"node.pir_debounce", c.Node.PIRDebounce},
		{"node.reconnect_max", c.Node.ReconnectMax},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.key, p.d)
		}
	}
	if c.Node.Stagger < 0 {
		return fmt.Errorf("node.stagger must not be negative")
	}
	if c.Gateway.StateBurst <= 0 {
		return fmt.Errorf("gateway.state_burst must be positive, got %d", c.Gateway.StateBurst)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	switch c.Node.HAL {
	case "memory", "gpio", "serial":
	default:
		return fmt.Errorf("node.hal must be memory, gpio or serial, got %q", c.Node.HAL)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}
