package config

import "time"

// Config is the main configuration carrier for fxcore. It is loaded once in
// main and threaded explicitly into each component at construction.
type Config struct {
	App        AppConfig        `toml:"app"`
	Redis      RedisConfig      `toml:"redis"`
	Database   DatabaseConfig   `toml:"database"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Ticks      TicksConfig      `toml:"ticks"`
	Replay     ReplayConfig     `toml:"replay"`
	Heartbeat  HeartbeatConfig  `toml:"heartbeat"`
	Lifecycle  LifecycleConfig  `toml:"lifecycle"`
	Feed       FeedConfig       `toml:"feed"`
}

type AppConfig struct {
	Env      string   `toml:"env"`
	LogLevel string   `toml:"log_level"`
	LogPath  string   `toml:"log_path"`
	Roles    []string `toml:"roles"` // supervisor | publisher | subscriber; empty = all
}

type RedisConfig struct {
	URL      string `toml:"url"`
	InMemory bool   `toml:"in_memory"` // dev/test mode: in-process store instead of redis
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type SupervisorConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	LockTTLSeconds  int `toml:"lock_ttl_seconds"`
}

// TicksConfig covers both the publisher and the subscriber side of the shared
// tick channel.
type TicksConfig struct {
	Channel             string `toml:"channel"`
	LockTTLSeconds      int    `toml:"lock_ttl_seconds"`
	HeartbeatEveryTicks int    `toml:"heartbeat_every_ticks"`
	RetryBackoffSeconds int    `toml:"retry_backoff_seconds"`
	MaxBatch            int    `toml:"max_batch"`
	FlushSeconds        int    `toml:"flush_seconds"`
}

type ReplayConfig struct {
	ChannelPrefix string `toml:"channel_prefix"`
	ChunkSize     int    `toml:"chunk_size"`
}

type HeartbeatConfig struct {
	StopCheckSeconds int `toml:"stop_check_seconds"`
	BeatSeconds      int `toml:"beat_seconds"`
}

type LifecycleConfig struct {
	StopGraceSeconds int `toml:"stop_grace_seconds"`
}

// FeedConfig describes the broker price stream.
type FeedConfig struct {
	Provider       string   `toml:"provider"` // "oanda" | "sim"
	BaseURL        string   `toml:"base_url"`
	Token          string   `toml:"token"`
	AccountID      string   `toml:"account_id"`
	Instruments    []string `toml:"instruments"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

func (s SupervisorConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s SupervisorConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

func (t TicksConfig) LockTTL() time.Duration {
	return time.Duration(t.LockTTLSeconds) * time.Second
}

func (t TicksConfig) RetryBackoff() time.Duration {
	return time.Duration(t.RetryBackoffSeconds) * time.Second
}

func (t TicksConfig) FlushInterval() time.Duration {
	return time.Duration(t.FlushSeconds) * time.Second
}

func (h HeartbeatConfig) StopCheckInterval() time.Duration {
	return time.Duration(h.StopCheckSeconds) * time.Second
}

func (h HeartbeatConfig) BeatInterval() time.Duration {
	return time.Duration(h.BeatSeconds) * time.Second
}

func (l LifecycleConfig) StopGrace() time.Duration {
	return time.Duration(l.StopGraceSeconds) * time.Second
}
