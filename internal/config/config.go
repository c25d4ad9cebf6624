// Package config loads the daemon configuration from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"example.com/kolibri/internal/transport"
)

const DefaultConfigPath = "config/kolibrid.yaml"

var ErrUnknownFormat = errors.New("config: unknown file extension")

type Config struct {
	Transport  TransportConfig `yaml:"transport" toml:"transport"`
	Session    SessionConfig   `yaml:"session" toml:"session"`
	HTTP       HTTPConfig      `yaml:"http" toml:"http"`
	StorageDir string          `yaml:"storageDir" toml:"storageDir"`
	Logs       LogConfig       `yaml:"logs" toml:"logs"`
	Blackbox   BlackboxConfig  `yaml:"blackbox" toml:"blackbox"`
	// TrafficLog is the JSONL file receiving every decoded command. Empty
	// disables it.
	TrafficLog string `yaml:"trafficLog" toml:"trafficLog"`

	path string
}

type TransportConfig struct {
	// Address is tcp://host:port or serial:///dev/ttyACM0. Empty leaves the
	// daemon disconnected until a client connects it.
	Address string `yaml:"address" toml:"address"`
	Baud    int    `yaml:"baud" toml:"baud"`
}

type SessionConfig struct {
	TimeoutMs        int `yaml:"timeoutMs" toml:"timeoutMs"`
	Retries          int `yaml:"retries" toml:"retries"`
	PingIntervalMs   int `yaml:"pingIntervalMs" toml:"pingIntervalMs"`
	StatusIntervalMs int `yaml:"statusIntervalMs" toml:"statusIntervalMs"`
	PollIntervalMs   int `yaml:"pollIntervalMs" toml:"pollIntervalMs"`
}

type HTTPConfig struct {
	Addr           string `yaml:"addr" toml:"addr"`
	ReadTimeoutMs  int    `yaml:"readTimeoutMs" toml:"readTimeoutMs"`
	WriteTimeoutMs int    `yaml:"writeTimeoutMs" toml:"writeTimeoutMs"`
}

type LogConfig struct {
	Directory  string `yaml:"directory" toml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

type BlackboxConfig struct {
	IFalloff float64 `yaml:"iFalloff" toml:"iFalloff"`
	Derive   bool    `yaml:"derive" toml:"derive"`
}

func Default() Config {
	return Config{
		Transport: TransportConfig{Baud: 115200},
		Session: SessionConfig{
			TimeoutMs:        700,
			Retries:          2,
			PingIntervalMs:   200,
			StatusIntervalMs: 1000,
			PollIntervalMs:   3,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			ReadTimeoutMs:  60000,
			WriteTimeoutMs: 60000,
		},
		StorageDir: filepath.Join(".", "data"),
		Logs: LogConfig{
			MaxSizeMB:  25,
			MaxAgeDays: 7,
			MaxBackups: 5,
		},
		Blackbox: BlackboxConfig{IFalloff: 0.998, Derive: true},
	}
}

// Load reads path and fails when it does not exist.
func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, fmt.Errorf("load config %s: %w", path, os.ErrNotExist)
	}
	return cfg, nil
}

// LoadOrDefault reads path over the defaults. A missing file yields the
// defaults and exists=false.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}
	if err := unmarshal(path, data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// Save writes the configuration in the format implied by the extension.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		data, err = toml.Marshal(c)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Path is the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) normalize(path string) {
	c.path = path
	def := Default()
	baseDir := filepath.Dir(path)
	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	c.Transport.Address = strings.TrimSpace(c.Transport.Address)
	if c.Transport.Baud <= 0 {
		c.Transport.Baud = def.Transport.Baud
	}
	if c.Session.TimeoutMs <= 0 {
		c.Session.TimeoutMs = def.Session.TimeoutMs
	}
	if c.Session.PollIntervalMs <= 0 {
		c.Session.PollIntervalMs = def.Session.PollIntervalMs
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.ReadTimeoutMs <= 0 {
		c.HTTP.ReadTimeoutMs = def.HTTP.ReadTimeoutMs
	}
	if c.HTTP.WriteTimeoutMs <= 0 {
		c.HTTP.WriteTimeoutMs = def.HTTP.WriteTimeoutMs
	}
	if c.StorageDir == "" {
		c.StorageDir = def.StorageDir
	}
	c.StorageDir = resolve(c.StorageDir)
	if c.Logs.Directory == "" {
		c.Logs.Directory = filepath.Join(c.StorageDir, "logs")
	}
	c.Logs.Directory = resolve(c.Logs.Directory)
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = def.Logs.MaxSizeMB
	}
	if c.Logs.MaxAgeDays <= 0 {
		c.Logs.MaxAgeDays = def.Logs.MaxAgeDays
	}
	if c.Logs.MaxBackups <= 0 {
		c.Logs.MaxBackups = def.Logs.MaxBackups
	}
	if c.Blackbox.IFalloff == 0 {
		c.Blackbox.IFalloff = def.Blackbox.IFalloff
	}
	c.TrafficLog = resolve(c.TrafficLog)
}

func (c *Config) Validate() error {
	if c.Session.Retries < -1 {
		return fmt.Errorf("session.retries out of range: %d", c.Session.Retries)
	}
	if c.Blackbox.IFalloff <= 0 || c.Blackbox.IFalloff > 1 {
		return fmt.Errorf("blackbox.iFalloff must be in (0, 1]: %g", c.Blackbox.IFalloff)
	}
	if c.Transport.Address != "" {
		if _, err := transport.ParseAddress(c.Transport.Address); err != nil {
			return fmt.Errorf("transport.address: %w", err)
		}
	}
	return nil
}

// Timeout is the per-attempt command timeout.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (s SessionConfig) PingInterval() time.Duration {
	return ms(s.PingIntervalMs)
}

func (s SessionConfig) StatusInterval() time.Duration {
	return ms(s.StatusIntervalMs)
}

func (s SessionConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// ms maps a configured interval; zero or negative disables the task.
func ms(v int) time.Duration {
	if v <= 0 {
		return -1
	}
	return time.Duration(v) * time.Millisecond
}
