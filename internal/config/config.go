// Package config loads offq settings.
//
// Settings come from, in increasing precedence: built-in defaults, the
// config file (offq.toml or offq.yaml in ./.offq/ or $HOME/.config/offq/,
// or an explicit --config path), and OFFQ_* environment variables
// (OFFQ_RETRY_MAX_RETRIES overrides retry.max_retries).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/offq/offq/internal/retry"
	"github.com/offq/offq/internal/storage"
	"github.com/offq/offq/internal/trigger"
)

// DefaultDir holds the database, inbox and logs unless configured otherwise.
const DefaultDir = ".offq"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Remote modes.
const (
	RemoteHTTP   = "http"
	RemoteMemory = "memory"
)

type Config struct {
	Storage      Storage      `mapstructure:"storage"`
	Queue        Queue        `mapstructure:"queue"`
	Retry        Retry        `mapstructure:"retry"`
	Coordinator  Coordinator  `mapstructure:"coordinator"`
	Trigger      Trigger      `mapstructure:"trigger"`
	Connectivity Connectivity `mapstructure:"connectivity"`
	Remote       Remote       `mapstructure:"remote"`
	Dashboard    Dashboard    `mapstructure:"dashboard"`
	Log          Log          `mapstructure:"log"`

	// Source is the config file that was read, empty when none was found.
	Source string `mapstructure:"-"`
}

type Storage struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Driver  string `mapstructure:"driver"`
	Codec   string `mapstructure:"codec"`
	NoSync  bool   `mapstructure:"no_sync"`
}

type Queue struct {
	ExecuteTimeout     time.Duration `mapstructure:"execute_timeout"`
	PreserveRetryCount bool          `mapstructure:"preserve_retry_count"`
	InboxDir           string        `mapstructure:"inbox_dir"`

	// AutoProcess makes the daemon sync due mutations while online without
	// waiting for the background trigger.
	AutoProcess  bool          `mapstructure:"auto_process"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Retry struct {
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	MaxRetries int           `mapstructure:"max_retries"`
	Jitter     float64       `mapstructure:"jitter"`
}

type Coordinator struct {
	DisplayWindow time.Duration `mapstructure:"display_window"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

type Trigger struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Network     string        `mapstructure:"network"`
	Power       string        `mapstructure:"power"`
	WindowStart string        `mapstructure:"window_start"`
	WindowEnd   string        `mapstructure:"window_end"`

	// NetworkType describes the usual connection: unmetered or metered.
	NetworkType    string `mapstructure:"network_type"`
	PowerSupplyDir string `mapstructure:"power_supply_dir"`
}

type Connectivity struct {
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type Remote struct {
	Mode      string `mapstructure:"mode"`
	URL       string `mapstructure:"url"`
	Token     string `mapstructure:"token"`
	ServeAddr string `mapstructure:"serve_addr"`
}

type Dashboard struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Default returns the built-in settings.
func Default() *Config {
	p := retry.DefaultPolicy()
	return &Config{
		Storage: Storage{Backend: BackendSQLite, Driver: "sqlite3", Codec: "json"},
		Queue: Queue{
			ExecuteTimeout: 30 * time.Second,
			InboxDir:       filepath.Join(DefaultDir, "inbox"),
			AutoProcess:    true,
			PollInterval:   250 * time.Millisecond,
		},
		Retry:       Retry{Base: p.Base, Max: p.Max, MaxRetries: p.MaxRetries},
		Coordinator: Coordinator{DisplayWindow: 3 * time.Second, HistoryLimit: 100},
		Trigger: Trigger{
			Enabled:        true,
			Interval:       trigger.DefaultInterval,
			Network:        string(trigger.NetworkAny),
			Power:          string(trigger.PowerAny),
			NetworkType:    string(trigger.NetworkTypeUnmetered),
			PowerSupplyDir: trigger.DefaultPowerSupplyDir,
		},
		Connectivity: Connectivity{Interval: 10 * time.Second, Timeout: 3 * time.Second, FailureThreshold: 2},
		Remote:       Remote{Mode: RemoteHTTP, URL: "http://127.0.0.1:8788", ServeAddr: "127.0.0.1:8788"},
		Dashboard:    Dashboard{Addr: "127.0.0.1:8787"},
		Log:          Log{Level: "info", Format: "auto"},
	}
}

// Load reads settings. An empty path searches the default locations; a
// missing file there is not an error, a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("offq")
		v.AddConfigPath(DefaultDir)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "offq"))
		}
	}

	v.SetEnvPrefix("OFFQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and parses the trigger window.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendPebble:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q (want memory, sqlite or pebble)", c.Storage.Backend)
	}
	if _, err := storage.CodecByName(c.Storage.Codec); err != nil {
		return fmt.Errorf("storage.codec: %w", err)
	}
	switch c.Remote.Mode {
	case RemoteHTTP, RemoteMemory:
	default:
		return fmt.Errorf("remote.mode: unknown mode %q (want http or memory)", c.Remote.Mode)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if _, err := c.Conditions(); err != nil {
		return err
	}
	return nil
}

// StoragePath returns the backend location, defaulting per backend.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Backend == BackendPebble {
		return filepath.Join(DefaultDir, "pebble")
	}
	return filepath.Join(DefaultDir, "offq.db")
}

// Policy returns the retry policy.
func (c *Config) Policy() retry.Policy {
	return retry.Policy{
		Base:         c.Retry.Base,
		Max:          c.Retry.Max,
		MaxRetries:   c.Retry.MaxRetries,
		JitterFactor: c.Retry.Jitter,
	}
}

// Conditions returns the parsed trigger conditions.
func (c *Config) Conditions() (trigger.Conditions, error) {
	network, err := trigger.ParseNetworkRequirement(c.Trigger.Network)
	if err != nil {
		return trigger.Conditions{}, fmt.Errorf("trigger.network: %w", err)
	}
	power, err := trigger.ParsePowerRequirement(c.Trigger.Power)
	if err != nil {
		return trigger.Conditions{}, fmt.Errorf("trigger.power: %w", err)
	}
	cond := trigger.Conditions{Network: network, Power: power}

	if c.Trigger.WindowStart != "" || c.Trigger.WindowEnd != "" {
		w, err := trigger.ParseWindow(c.Trigger.WindowStart, c.Trigger.WindowEnd)
		if err != nil {
			return trigger.Conditions{}, fmt.Errorf("trigger window: %w", err)
		}
		cond.Window = w
	}
	return cond, nil
}

// WriteFile writes c as TOML. It refuses to overwrite unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	return c.Encode(f)
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.Map()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Map renders the settings as nested maps keyed like the config file, with
// durations spelled out. It is the same shape Load reads back.
func (c *Config) Map() map[string]any {
	return map[string]any{
		"storage": map[string]any{
			"backend": c.Storage.Backend,
			"path":    c.Storage.Path,
			"driver":  c.Storage.Driver,
			"codec":   c.Storage.Codec,
			"no_sync": c.Storage.NoSync,
		},
		"queue": map[string]any{
			"execute_timeout":      c.Queue.ExecuteTimeout.String(),
			"preserve_retry_count": c.Queue.PreserveRetryCount,
			"inbox_dir":            c.Queue.InboxDir,
			"auto_process":         c.Queue.AutoProcess,
			"poll_interval":        c.Queue.PollInterval.String(),
		},
		"retry": map[string]any{
			"base":        c.Retry.Base.String(),
			"max":         c.Retry.Max.String(),
			"max_retries": c.Retry.MaxRetries,
			"jitter":      c.Retry.Jitter,
		},
		"coordinator": map[string]any{
			"display_window": c.Coordinator.DisplayWindow.String(),
			"history_limit":  c.Coordinator.HistoryLimit,
		},
		"trigger": map[string]any{
			"enabled":          c.Trigger.Enabled,
			"interval":         c.Trigger.Interval.String(),
			"network":          c.Trigger.Network,
			"power":            c.Trigger.Power,
			"window_start":     c.Trigger.WindowStart,
			"window_end":       c.Trigger.WindowEnd,
			"network_type":     c.Trigger.NetworkType,
			"power_supply_dir": c.Trigger.PowerSupplyDir,
		},
		"connectivity": map[string]any{
			"interval":          c.Connectivity.Interval.String(),
			"timeout":           c.Connectivity.Timeout.String(),
			"failure_threshold": c.Connectivity.FailureThreshold,
		},
		"remote": map[string]any{
			"mode":       c.Remote.Mode,
			"url":        c.Remote.URL,
			"token":      c.Remote.Token,
			"serve_addr": c.Remote.ServeAddr,
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"addr":    c.Dashboard.Addr,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
			"file":   c.Log.File,
		},
	}
}

// setDefaults registers every key so environment overrides apply even when
// no config file mentions them.
func setDefaults(v *viper.Viper, d *Config) {
	for section, values := range d.Map() {
		for key, value := range values.(map[string]any) {
			v.SetDefault(section+"."+key, value)
		}
	}
}
