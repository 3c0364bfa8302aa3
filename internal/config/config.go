// Package config loads and validates the shipsync configuration.
//
// Configuration layers, highest precedence first: command-line flags bound
// by cmd/shipsync, SHIPSYNC_* environment variables, shipsync.yaml, then
// built-in defaults. Validation fails fast at startup; a bad config never
// reaches the components.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Mode selects the process role.
type Mode string

const (
	ModeMaster  Mode = "master"
	ModeReplica Mode = "replica"
)

// Strategy names accepted for conflict resolution.
const (
	StrategyLastWriteWins = "last-write-wins"
	StrategyMasterWins    = "master-wins"
	StrategyManual        = "manual"
	StrategyMerge         = "merge"
)

var validStrategies = map[string]bool{
	StrategyLastWriteWins: true,
	StrategyMasterWins:    true,
	StrategyManual:        true,
	StrategyMerge:         true,
}

// Config is the fully resolved engine configuration.
type Config struct {
	Mode   Mode   `mapstructure:"mode"`
	ShipID string `mapstructure:"shipId"`
	// ShipName is a human-readable label sent with heartbeats.
	ShipName string `mapstructure:"shipName"`
	DBPath   string `mapstructure:"dbPath"`
	HTTPAddr string `mapstructure:"httpAddr"`

	Bus          Bus            `mapstructure:"bus"`
	Topics       Topics         `mapstructure:"topics"`
	Sync         Sync           `mapstructure:"sync"`
	ContentTypes []string       `mapstructure:"contentTypes"`
	Conflict     Conflict       `mapstructure:"conflict"`
	Media        Media          `mapstructure:"media"`
	Master       MasterEndpoint `mapstructure:"master"`
}

// Bus configures the Kafka-protocol transport.
type Bus struct {
	Brokers string `mapstructure:"brokers"` // comma-separated endpoints
	SSL     bool   `mapstructure:"ssl"`
	SASL    SASL   `mapstructure:"sasl"`
}

// BrokerList splits the comma-separated broker string.
func (b Bus) BrokerList() []string {
	var out []string
	for _, s := range strings.Split(b.Brokers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SASL holds bus authentication settings.
type SASL struct {
	Mechanism string `mapstructure:"mechanism"` // "", "plain", "scram-sha-256", "scram-sha-512"
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// Topics names the two logical bus topics.
type Topics struct {
	ShipUpdates   string `mapstructure:"shipUpdates"`
	MasterUpdates string `mapstructure:"masterUpdates"`
}

// Sync tunes the orchestrator.
type Sync struct {
	BatchSize                 int `mapstructure:"batchSize"`
	RetryAttempts             int `mapstructure:"retryAttempts"`
	RetryDelayMS              int `mapstructure:"retryDelay"`
	ConnectivityCheckInterval int `mapstructure:"connectivityCheckInterval"` // ms
	DebounceMS                int `mapstructure:"debounceMs"`
	HeartbeatIntervalMS       int `mapstructure:"heartbeatInterval"`
	RetentionDays             int `mapstructure:"retentionDays"`
}

func (s Sync) RetryDelay() time.Duration { return time.Duration(s.RetryDelayMS) * time.Millisecond }
func (s Sync) Debounce() time.Duration   { return time.Duration(s.DebounceMS) * time.Millisecond }
func (s Sync) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMS) * time.Millisecond
}
func (s Sync) ConnectivityInterval() time.Duration {
	return time.Duration(s.ConnectivityCheckInterval) * time.Millisecond
}

// Conflict selects resolution strategies: a default plus per-content-type
// overrides keyed by the qualified type name.
type Conflict struct {
	Default string            `mapstructure:"default"`
	PerType map[string]string `mapstructure:"perType"`
}

// StrategyFor returns the strategy configured for a content type.
func (c Conflict) StrategyFor(contentType string) string {
	if s, ok := c.PerType[contentType]; ok {
		return s
	}
	if c.Default != "" {
		return c.Default
	}
	return StrategyLastWriteWins
}

// Media configures the blob mirror.
type Media struct {
	Enabled        bool   `mapstructure:"enabled"`
	OriginBucket   string `mapstructure:"originBucket"`
	OriginPrefix   string `mapstructure:"originPrefix"`
	OriginRegion   string `mapstructure:"originRegion"`
	OriginEndpoint string `mapstructure:"originEndpoint"` // non-AWS S3-compatible stores
	CacheDir       string `mapstructure:"cacheDir"`
	IntervalMS     int    `mapstructure:"interval"`
}

func (m Media) Interval() time.Duration { return time.Duration(m.IntervalMS) * time.Millisecond }

// MasterEndpoint is where replicas reach the master's HTTP surface
// (initial sync, connectivity probes).
type MasterEndpoint struct {
	URL      string `mapstructure:"url"`
	APIToken string `mapstructure:"apiToken"`
}

// Defaults returns a Config populated with the documented defaults.
func Defaults() *Config {
	return &Config{
		Mode:     ModeReplica,
		DBPath:   "shipsync.db",
		HTTPAddr: ":8080",
		Bus:      Bus{Brokers: "localhost:9092"},
		Topics:   Topics{ShipUpdates: "ship-updates", MasterUpdates: "master-updates"},
		Sync: Sync{
			BatchSize:                 100,
			RetryAttempts:             3,
			RetryDelayMS:              5000,
			ConnectivityCheckInterval: 30000,
			DebounceMS:                1000,
			HeartbeatIntervalMS:       60000,
			RetentionDays:             7,
		},
		Conflict: Conflict{Default: StrategyLastWriteWins},
		Media:    Media{IntervalMS: 300000, CacheDir: "media-cache"},
	}
}

// Load reads configuration from path (or the working directory when empty),
// applies SHIPSYNC_* env overrides and validates the result.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
		// No file is fine; env + defaults may be a complete config.
	}
	return fromViper(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shipsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shipsync")
	}
	v.SetEnvPrefix("SHIPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("dbPath", d.DBPath)
	v.SetDefault("httpAddr", d.HTTPAddr)
	v.SetDefault("bus.brokers", d.Bus.Brokers)
	v.SetDefault("topics.shipUpdates", d.Topics.ShipUpdates)
	v.SetDefault("topics.masterUpdates", d.Topics.MasterUpdates)
	v.SetDefault("sync.batchSize", d.Sync.BatchSize)
	v.SetDefault("sync.retryAttempts", d.Sync.RetryAttempts)
	v.SetDefault("sync.retryDelay", d.Sync.RetryDelayMS)
	v.SetDefault("sync.connectivityCheckInterval", d.Sync.ConnectivityCheckInterval)
	v.SetDefault("sync.debounceMs", d.Sync.DebounceMS)
	v.SetDefault("sync.heartbeatInterval", d.Sync.HeartbeatIntervalMS)
	v.SetDefault("sync.retentionDays", d.Sync.RetentionDays)
	v.SetDefault("conflict.default", d.Conflict.Default)
	v.SetDefault("media.interval", d.Media.IntervalMS)
	v.SetDefault("media.cacheDir", d.Media.CacheDir)
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the startup invariants. Any violation is a ConfigError:
// the process must not start.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeMaster, ModeReplica:
	default:
		return fmt.Errorf("config: mode must be %q or %q, got %q", ModeMaster, ModeReplica, c.Mode)
	}
	if c.Mode == ModeReplica && c.ShipID == "" {
		return fmt.Errorf("config: shipId is required when mode=replica")
	}
	if c.Mode == ModeMaster && c.ShipID != "" {
		return fmt.Errorf("config: shipId must be empty when mode=master")
	}
	if len(c.Bus.BrokerList()) == 0 {
		return fmt.Errorf("config: bus.brokers must list at least one endpoint")
	}
	if c.Topics.ShipUpdates == "" || c.Topics.MasterUpdates == "" {
		return fmt.Errorf("config: topic names must not be empty")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batchSize must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.RetryAttempts < 0 {
		return fmt.Errorf("config: sync.retryAttempts must be non-negative, got %d", c.Sync.RetryAttempts)
	}
	if c.Sync.RetryDelayMS <= 0 {
		return fmt.Errorf("config: sync.retryDelay must be positive, got %d", c.Sync.RetryDelayMS)
	}
	if c.Sync.DebounceMS < 0 {
		return fmt.Errorf("config: sync.debounceMs must be non-negative, got %d", c.Sync.DebounceMS)
	}
	if c.Conflict.Default != "" && !validStrategies[c.Conflict.Default] {
		return fmt.Errorf("config: unknown conflict strategy %q", c.Conflict.Default)
	}
	for ct, s := range c.Conflict.PerType {
		if !validStrategies[s] {
			return fmt.Errorf("config: unknown conflict strategy %q for %s", s, ct)
		}
	}
	if c.Media.Enabled {
		if c.Media.OriginBucket == "" {
			return fmt.Errorf("config: media.originBucket is required when media is enabled")
		}
		if c.Media.CacheDir == "" {
			return fmt.Errorf("config: media.cacheDir is required when media is enabled")
		}
	}
	return nil
}

// Watch re-reads the config file on change and hands the updated tunables to
// apply. Only live-safe settings propagate; identity and transport changes
// require a restart and are logged instead.
func Watch(path string, current *Config, apply func(Sync)) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return // nothing to watch
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := fromViper(v)
		if err != nil {
			log.Printf("config: ignoring invalid reload: %v", err)
			return
		}
		if updated.Mode != current.Mode || updated.ShipID != current.ShipID ||
			updated.Bus.Brokers != current.Bus.Brokers {
			log.Printf("config: mode/shipId/broker changes require restart; keeping running values")
		}
		apply(updated.Sync)
	})
	v.WatchConfig()
}
