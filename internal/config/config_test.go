package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  env: dev
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "ticks", cfg.Ticks.Channel)
	assert.Equal(t, "backtest:ticks:", cfg.Replay.ChannelPrefix)
	assert.Equal(t, 500, cfg.Replay.ChunkSize)
	assert.Equal(t, "sim", cfg.Feed.Provider)
	assert.Equal(t, []string{"EUR_USD"}, cfg.Feed.Instruments)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.Interval())
	assert.Greater(t, cfg.Supervisor.LockTTL(), cfg.Supervisor.Interval(),
		"default lock TTL outlives the cycle interval")
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.StopGrace())
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  env: prod
  log_level: debug
  roles: [supervisor, publisher]
redis:
  url: redis://redis.internal:6379/2
supervisor:
  interval_seconds: 15
  lock_ttl_seconds: 45
ticks:
  channel: prices
  max_batch: 50
feed:
  provider: oanda
  base_url: https://stream-fxtrade.oanda.com
  token: secret
  account_id: "001-001-1234567-001"
  instruments: [EUR_USD, GBP_USD]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"supervisor", "publisher"}, cfg.App.Roles)
	assert.Equal(t, "redis://redis.internal:6379/2", cfg.Redis.URL)
	assert.Equal(t, 15*time.Second, cfg.Supervisor.Interval())
	assert.Equal(t, "prices", cfg.Ticks.Channel)
	assert.Equal(t, 50, cfg.Ticks.MaxBatch)
	assert.Equal(t, "oanda", cfg.Feed.Provider)
	assert.Len(t, cfg.Feed.Instruments, 2)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"unknown role": `
app:
  roles: [supervisor, janitor]
`,
		"unknown feed provider": `
feed:
  provider: carrier-pigeon
`,
		"oanda without token": `
feed:
  provider: oanda
  base_url: https://stream-fxtrade.oanda.com
  account_id: "001"
`,
		"lock ttl not exceeding interval": `
supervisor:
  interval_seconds: 60
  lock_ttl_seconds: 60
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}
