package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, ModeReplica, d.Mode)
	assert.Equal(t, "localhost:9092", d.Bus.Brokers)
	assert.Equal(t, "ship-updates", d.Topics.ShipUpdates)
	assert.Equal(t, "master-updates", d.Topics.MasterUpdates)
	assert.Equal(t, 100, d.Sync.BatchSize)
	assert.Equal(t, 3, d.Sync.RetryAttempts)
	assert.Equal(t, 5000, d.Sync.RetryDelayMS)
	assert.Equal(t, 30000, d.Sync.ConnectivityCheckInterval)
	assert.Equal(t, 1000, d.Sync.DebounceMS)
	assert.Equal(t, 7, d.Sync.RetentionDays)
}

func TestLoadReplicaConfig(t *testing.T) {
	path := writeConfig(t, `
mode: replica
shipId: ship-A
shipName: MV Aurora
bus:
  brokers: "broker1:9092, broker2:9092"
sync:
  batchSize: 25
  debounceMs: 500
contentTypes:
  - api::page.page
  - api::article.article
conflict:
  default: last-write-wins
  perType:
    api::page.page: master-wins
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeReplica, cfg.Mode)
	assert.Equal(t, "ship-A", cfg.ShipID)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Bus.BrokerList())
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 500, cfg.Sync.DebounceMS)
	assert.Len(t, cfg.ContentTypes, 2)
	assert.Equal(t, StrategyMasterWins, cfg.Conflict.StrategyFor("api::page.page"))
	assert.Equal(t, StrategyLastWriteWins, cfg.Conflict.StrategyFor("api::other.other"))
}

func TestLoadMasterConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mode: master\n"))
	require.NoError(t, err)
	assert.Equal(t, ModeMaster, cfg.Mode)
	assert.Empty(t, cfg.ShipID)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "peer" }},
		{"replica without shipId", func(c *Config) { c.ShipID = "" }},
		{"master with shipId", func(c *Config) { c.Mode = ModeMaster }},
		{"no brokers", func(c *Config) { c.Bus.Brokers = " , " }},
		{"empty topic", func(c *Config) { c.Topics.ShipUpdates = "" }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.Sync.RetryAttempts = -1 }},
		{"zero retry delay", func(c *Config) { c.Sync.RetryDelayMS = 0 }},
		{"bad default strategy", func(c *Config) { c.Conflict.Default = "coin-flip" }},
		{"bad per-type strategy", func(c *Config) { c.Conflict.PerType = map[string]string{"t": "x"} }},
		{"media without bucket", func(c *Config) { c.Media.Enabled = true; c.Media.OriginBucket = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			c.ShipID = "ship-A"
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SHIPSYNC_SYNC_BATCHSIZE", "7")
	path := writeConfig(t, "mode: replica\nshipId: ship-A\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.BatchSize)
}

func TestStrategyForDefaultsWhenUnset(t *testing.T) {
	var c Conflict
	assert.Equal(t, StrategyLastWriteWins, c.StrategyFor("anything"))
}
