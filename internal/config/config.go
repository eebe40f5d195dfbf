package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/danmuck/rangectl/internal/transport"
)

const (
	TransportUDP      = "udp"
	TransportSerial   = "serial"
	TransportLoopback = "loopback"
)

// Config is the resolved runtime configuration of rangectl.
type Config struct {
	Engine    session.Config
	Timeouts  map[command.Command]time.Duration
	Transport TransportConfig
	Devices   []Device
	Metrics   MetricsConfig
	Journal   JournalConfig
}

type TransportConfig struct {
	Kind   string
	UDP    transport.UDPConfig
	Serial SerialConfig
}

type SerialConfig struct {
	Path    string
	Device  string
	Options transport.PortOptions
}

// Device binds a device id (its broadcast code) to a UDP endpoint.
type Device struct {
	ID   string `toml:"id"`
	Addr string `toml:"addr"`
}

type MetricsConfig struct {
	Addr        string
	CORSOrigins []string
}

type JournalConfig struct {
	Path string
}

func Default() Config {
	return Config{
		Engine:   session.DefaultConfig(),
		Timeouts: map[command.Command]time.Duration{},
		Transport: TransportConfig{
			Kind: TransportUDP,
			UDP:  transport.DefaultUDPConfig(),
		},
	}
}

// Registry builds the command registry with the configured overrides.
func (c Config) Registry() (*command.Registry, error) {
	return command.NewRegistry(c.Timeouts)
}

type fileConfig struct {
	Engine    fileEngine        `toml:"engine"`
	Timeouts  map[string]string `toml:"timeouts"`
	Transport fileTransport     `toml:"transport"`
	Devices   []Device          `toml:"devices"`
	Metrics   struct {
		Addr        string   `toml:"addr"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"metrics"`
	Journal struct {
		Path string `toml:"path"`
	} `toml:"journal"`
}

type fileEngine struct {
	TickInterval string `toml:"tick_interval"`
	MaxAttempts  int    `toml:"max_attempts"`
	Backoff      struct {
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"backoff"`
}

type fileTransport struct {
	Kind         string `toml:"kind"`
	Listen       string `toml:"listen"`
	WriteTimeout string `toml:"write_timeout"`
	ReadBuffer   int    `toml:"read_buffer"`
	Serial       struct {
		Path   string `toml:"path"`
		Device string `toml:"device"`
		transport.PortOptions
	} `toml:"serial"`
}

// Load reads path, overlays the keys it defines onto Default and validates
// the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text the same way Load does.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	cfg := Default()
	if err := overlayEngine(&cfg, raw.Engine, meta); err != nil {
		return Config{}, err
	}

	for name, value := range raw.Timeouts {
		cmd, err := command.Parse(name)
		if err != nil {
			return Config{}, fmt.Errorf("timeouts: %w", err)
		}
		d, err := parseDuration("timeouts."+name, value)
		if err != nil {
			return Config{}, err
		}
		cfg.Timeouts[cmd] = d
	}

	if err := overlayTransport(&cfg, raw.Transport, meta); err != nil {
		return Config{}, err
	}

	for _, d := range raw.Devices {
		cfg.Devices = append(cfg.Devices, Device{ID: strings.TrimSpace(d.ID), Addr: strings.TrimSpace(d.Addr)})
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("metrics", "cors_origins") {
		for _, o := range raw.Metrics.CORSOrigins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				cfg.Metrics.CORSOrigins = append(cfg.Metrics.CORSOrigins, o)
			}
		}
	}
	if meta.IsDefined("journal", "path") {
		cfg.Journal.Path = strings.TrimSpace(raw.Journal.Path)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayEngine(cfg *Config, raw fileEngine, meta toml.MetaData) error {
	if meta.IsDefined("engine", "tick_interval") {
		d, err := parseDuration("engine.tick_interval", raw.TickInterval)
		if err != nil {
			return err
		}
		cfg.Engine.TickInterval = d
	}
	if meta.IsDefined("engine", "max_attempts") {
		cfg.Engine.Retry.MaxAttempts = raw.MaxAttempts
	}
	backoff := &cfg.Engine.Retry.Backoff
	if meta.IsDefined("engine", "backoff", "initial_delay") {
		d, err := parseDuration("engine.backoff.initial_delay", raw.Backoff.InitialDelay)
		if err != nil {
			return err
		}
		backoff.InitialDelay = d
	}
	if meta.IsDefined("engine", "backoff", "multiplier") {
		backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("engine", "backoff", "max_delay") {
		d, err := parseDuration("engine.backoff.max_delay", raw.Backoff.MaxDelay)
		if err != nil {
			return err
		}
		backoff.MaxDelay = d
	}
	if meta.IsDefined("engine", "backoff", "jitter") {
		backoff.Jitter = raw.Backoff.Jitter
	}
	return nil
}

func overlayTransport(cfg *Config, raw fileTransport, meta toml.MetaData) error {
	t := &cfg.Transport
	if meta.IsDefined("transport", "kind") {
		t.Kind = strings.ToLower(strings.TrimSpace(raw.Kind))
	}
	if meta.IsDefined("transport", "listen") {
		t.UDP.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("transport", "write_timeout") {
		d, err := parseDuration("transport.write_timeout", raw.WriteTimeout)
		if err != nil {
			return err
		}
		t.UDP.WriteTimeout = d
	}
	if meta.IsDefined("transport", "read_buffer") {
		t.UDP.ReadBuffer = raw.ReadBuffer
	}
	if meta.IsDefined("transport", "serial") {
		t.Serial = SerialConfig{
			Path:    strings.TrimSpace(raw.Serial.Path),
			Device:  strings.TrimSpace(raw.Serial.Device),
			Options: raw.Serial.PortOptions,
		}
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// Validate checks a resolved config.
func Validate(cfg Config) error {
	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := cfg.Engine.Validate(registry); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	switch cfg.Transport.Kind {
	case TransportUDP:
		if strings.TrimSpace(cfg.Transport.UDP.Listen) == "" {
			return fmt.Errorf("transport: listen address required for udp")
		}
	case TransportSerial:
		if cfg.Transport.Serial.Path == "" || cfg.Transport.Serial.Device == "" {
			return fmt.Errorf("transport: serial requires path and device")
		}
		if _, err := cfg.Transport.Serial.Options.Normalize(); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	case TransportLoopback:
	default:
		return fmt.Errorf("transport: unknown kind %q", cfg.Transport.Kind)
	}

	seen := make(map[string]struct{}, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if d.Addr == "" && cfg.Transport.Kind == TransportUDP {
			return fmt.Errorf("devices[%d] %s: addr is required", i, d.ID)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("devices[%d]: duplicate id %s", i, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}
