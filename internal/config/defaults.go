package config

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/fxcore.db"
	}
	if c.Supervisor.IntervalSeconds <= 0 {
		c.Supervisor.IntervalSeconds = 60
	}
	if c.Supervisor.LockTTLSeconds <= 0 {
		c.Supervisor.LockTTLSeconds = c.Supervisor.IntervalSeconds + 30
	}
	if c.Ticks.Channel == "" {
		c.Ticks.Channel = "ticks"
	}
	if c.Ticks.LockTTLSeconds <= 0 {
		c.Ticks.LockTTLSeconds = 120
	}
	if c.Ticks.HeartbeatEveryTicks <= 0 {
		c.Ticks.HeartbeatEveryTicks = 100
	}
	if c.Ticks.RetryBackoffSeconds <= 0 {
		c.Ticks.RetryBackoffSeconds = 5
	}
	if c.Ticks.MaxBatch <= 0 {
		c.Ticks.MaxBatch = 200
	}
	if c.Ticks.FlushSeconds <= 0 {
		c.Ticks.FlushSeconds = 10
	}
	if c.Replay.ChannelPrefix == "" {
		c.Replay.ChannelPrefix = "backtest:ticks:"
	}
	if c.Replay.ChunkSize <= 0 {
		c.Replay.ChunkSize = 500
	}
	if c.Heartbeat.StopCheckSeconds <= 0 {
		c.Heartbeat.StopCheckSeconds = 5
	}
	if c.Heartbeat.BeatSeconds <= 0 {
		c.Heartbeat.BeatSeconds = 30
	}
	if c.Lifecycle.StopGraceSeconds <= 0 {
		c.Lifecycle.StopGraceSeconds = 10
	}
	if c.Feed.Provider == "" {
		c.Feed.Provider = "sim"
	}
	if c.Feed.TimeoutSeconds <= 0 {
		c.Feed.TimeoutSeconds = 30
	}
	if len(c.Feed.Instruments) == 0 {
		c.Feed.Instruments = []string{"EUR_USD"}
	}
}
