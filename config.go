package driftsync

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxClockDrift bounds how far ahead of wall time the logical clock
// may run before stamping fails.
const DefaultMaxClockDrift = 5 * time.Minute

// Config defines client configuration. Collaborators are supplied in code;
// plain settings additionally load from YAML via LoadConfigFile.
type Config struct {
	// Store is the durable persistence collaborator. Required. The client
	// does not close it: stores are commonly shared by several clients.
	Store Store `yaml:"-"`

	// ClockStore persists the logical clock. Optional when Store also
	// implements ClockStore, which both built-in stores do.
	ClockStore ClockStore `yaml:"-"`

	// CRDT supplies delta stamping, merge and projection.
	// Default: NewLWWMap().
	CRDT CRDT `yaml:"-"`

	// Network builds the transport. Default: OfflineNetwork().
	Network NetworkFactory `yaml:"-"`

	// Bus propagates changes between contexts sharing Store. Optional; a
	// lone client needs none.
	Bus PeerBus `yaml:"-"`

	// Logger receives engine events. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`

	// Clock holds logical clock settings.
	Clock ClockConfig `json:"clock" yaml:"clock"`

	// Telemetry configures the optional Prometheus remote-write exporter.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Snapshot configures the optional S3 snapshot archiver.
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
}

// ClockConfig holds logical clock settings.
type ClockConfig struct {
	// MaxDrift bounds how far ahead of wall time local or remote clocks
	// may run before stamping fails. Default: 5m.
	MaxDrift time.Duration `json:"max_drift" yaml:"-"`

	// Now overrides the wall clock source. Tests use it; leave nil
	// otherwise.
	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig returns a config with every tunable at its default. Store
// must still be supplied.
func DefaultConfig() Config {
	return Config{
		Clock: ClockConfig{MaxDrift: DefaultMaxClockDrift},
		Telemetry: TelemetryConfig{
			Interval:     15 * time.Second,
			Timeout:      10 * time.Second,
			MaxRetries:   3,
			RetryBackoff: time.Second,
		},
		Snapshot: SnapshotConfig{
			MaxRetries: 3,
		},
	}
}

// withDefaults fills zero fields without touching what the caller set.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CRDT == nil {
		c.CRDT = NewLWWMap()
	}
	if c.Network == nil {
		c.Network = OfflineNetwork()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock.MaxDrift <= 0 {
		c.Clock.MaxDrift = def.Clock.MaxDrift
	}
	if c.Telemetry.Interval <= 0 {
		c.Telemetry.Interval = def.Telemetry.Interval
	}
	if c.Telemetry.Timeout <= 0 {
		c.Telemetry.Timeout = def.Telemetry.Timeout
	}
	if c.Telemetry.MaxRetries <= 0 {
		c.Telemetry.MaxRetries = def.Telemetry.MaxRetries
	}
	if c.Telemetry.RetryBackoff <= 0 {
		c.Telemetry.RetryBackoff = def.Telemetry.RetryBackoff
	}
	if c.Snapshot.MaxRetries <= 0 {
		c.Snapshot.MaxRetries = def.Snapshot.MaxRetries
	}
	return c
}

// Validate checks settings that would otherwise fail far from their cause.
func (c Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("config: Store is required")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config: telemetry enabled without endpoint")
	}
	if c.Snapshot.Enabled && c.Snapshot.Bucket == "" {
		return fmt.Errorf("config: snapshot enabled without bucket")
	}
	return nil
}

// fileConfig is the YAML schema for LoadConfigFile. Durations are Go
// duration strings ("5m", "1h30m").
type fileConfig struct {
	Clock struct {
		MaxDrift string `yaml:"max_drift"`
	} `yaml:"clock"`
	Transport struct {
		URL          string `yaml:"url"`
		Compression  bool   `yaml:"compression"`
		PingInterval string `yaml:"ping_interval"`
		PollInterval string `yaml:"poll_interval"`
		Debounce     string `yaml:"debounce"`
	} `yaml:"transport"`
	Telemetry struct {
		Enabled  bool              `yaml:"enabled"`
		Endpoint string            `yaml:"endpoint"`
		Interval string            `yaml:"interval"`
		Labels   map[string]string `yaml:"labels"`
	} `yaml:"telemetry"`
	Snapshot struct {
		Enabled         bool   `yaml:"enabled"`
		Bucket          string `yaml:"bucket"`
		Prefix          string `yaml:"prefix"`
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		UsePathStyle    bool   `yaml:"use_path_style"`
		Interval        string `yaml:"interval"`
		Compression     bool   `yaml:"compression"`
	} `yaml:"snapshot"`
}

// LoadConfigFile reads a YAML config file into a Config with defaults
// applied. When transport.url is set, the websocket transport is wired as
// the Network factory. Collaborators (store, CRDT, bus) still need to be
// set in code before Open.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := setDuration(&cfg.Clock.MaxDrift, fc.Clock.MaxDrift, "clock.max_drift"); err != nil {
		return Config{}, err
	}

	cfg.Telemetry.Enabled = fc.Telemetry.Enabled
	cfg.Telemetry.Endpoint = fc.Telemetry.Endpoint
	cfg.Telemetry.Labels = fc.Telemetry.Labels
	if err := setDuration(&cfg.Telemetry.Interval, fc.Telemetry.Interval, "telemetry.interval"); err != nil {
		return Config{}, err
	}

	cfg.Snapshot.Enabled = fc.Snapshot.Enabled
	cfg.Snapshot.Bucket = fc.Snapshot.Bucket
	cfg.Snapshot.Prefix = fc.Snapshot.Prefix
	cfg.Snapshot.Region = fc.Snapshot.Region
	cfg.Snapshot.Endpoint = fc.Snapshot.Endpoint
	cfg.Snapshot.AccessKeyID = fc.Snapshot.AccessKeyID
	cfg.Snapshot.SecretAccessKey = fc.Snapshot.SecretAccessKey
	cfg.Snapshot.UsePathStyle = fc.Snapshot.UsePathStyle
	cfg.Snapshot.Compression = fc.Snapshot.Compression
	if err := setDuration(&cfg.Snapshot.Interval, fc.Snapshot.Interval, "snapshot.interval"); err != nil {
		return Config{}, err
	}

	if fc.Transport.URL != "" {
		ws := DefaultWebSocketConfig(fc.Transport.URL)
		ws.Compression = fc.Transport.Compression
		if err := setDuration(&ws.PingInterval, fc.Transport.PingInterval, "transport.ping_interval"); err != nil {
			return Config{}, err
		}
		if err := setDuration(&ws.PollInterval, fc.Transport.PollInterval, "transport.poll_interval"); err != nil {
			return Config{}, err
		}
		if err := setDuration(&ws.Debounce, fc.Transport.Debounce, "transport.debounce"); err != nil {
			return Config{}, err
		}
		cfg.Network = WebSocketNetwork(ws)
	}
	return cfg, nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse config: %s: %w", field, err)
	}
	*dst = d
	return nil
}
