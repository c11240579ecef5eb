package server

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Config holds all dashboard configuration. It is loaded once at startup
// and not mutated afterwards.
type Config struct {
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`
	Poll    PollConfig    `yaml:"poll" json:"poll"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Vendor PIDs appended to the built-in extended commands
	Extended []ExtendedPIDConfig `yaml:"extended" json:"extended"`

	path string
}

type AdapterConfig struct {
	Type      string `yaml:"type" json:"type"`            // "elm327", "simulated" or "none"
	PortPath  string `yaml:"port_path" json:"portPath"`   // empty = auto-discover
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`   // 38400 or 115200 typically
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"` // per-command response timeout
	Reconnect bool   `yaml:"reconnect" json:"reconnect"`  // retry with backoff after a failed connect
}

type PollConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"intervalMs"` // delay between ticks
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	SendBuffer int    `yaml:"send_buffer" json:"sendBuffer"` // per-viewer queued messages
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

// ExtendedPIDConfig declares one vendor PID.
type ExtendedPIDConfig struct {
	Name    string  `yaml:"name" json:"name"`
	Request string  `yaml:"request" json:"request"` // hex, e.g. "22F194"
	Decode  string  `yaml:"decode" json:"decode"`   // u8, s8, u16be, s16be, u32be
	Scale   float64 `yaml:"scale" json:"scale"`
	Offset  float64 `yaml:"offset" json:"offset"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Type:      "elm327",
			PortPath:  "",
			BaudRate:  38400,
			TimeoutMs: 1000,
			Reconnect: false,
		},
		Poll: PollConfig{
			IntervalMs: 500,
		},
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:5000",
			SendBuffer: 16,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithField("path", path).Info("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("config parse error, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.WithField("path", path).Info("config loaded")
	}

	// .env next to the config wins over one in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment take precedence.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.WithField("path", path).Debug("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ADAPTER_TYPE, ADAPTER_PORT, ADAPTER_BAUD, ADAPTER_TIMEOUT_MS,
// ADAPTER_RECONNECT, POLL_INTERVAL_MS, LISTEN_ADDR, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ADAPTER_TYPE"); v != "" {
		c.Adapter.Type = v
	}
	if v := os.Getenv("ADAPTER_PORT"); v != "" {
		c.Adapter.PortPath = v
	}
	if v := os.Getenv("ADAPTER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.BaudRate = n
		}
	}
	if v := os.Getenv("ADAPTER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.TimeoutMs = n
		}
	}
	if v := os.Getenv("ADAPTER_RECONNECT"); v != "" {
		c.Adapter.Reconnect = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.IntervalMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// PollInterval is the fixed delay between ticks.
func (c *Config) PollInterval() time.Duration {
	if c.Poll.IntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// Registry builds the command registry: the built-in commands plus any vendor
// PIDs declared in the config.
func (c *Config) Registry() (*obd.Registry, error) {
	extended := obd.DefaultExtended()
	for _, p := range c.Extended {
		req, err := hex.DecodeString(strings.ReplaceAll(p.Request, " ", ""))
		if err != nil {
			return nil, errors.Wrapf(err, "extended %q: request", p.Name)
		}
		decode, size, err := obd.Decoder(p.Decode, p.Scale, p.Offset)
		if err != nil {
			return nil, errors.Wrapf(err, "extended %q", p.Name)
		}
		extended = append(extended, obd.NewExtended(p.Name, req, size, decode))
	}
	return obd.NewRegistry(obd.DefaultStandard(), extended)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}
