package config

import (
	"fmt"
	"strings"
)

var knownRoles = map[string]bool{
	"supervisor": true,
	"publisher":  true,
	"subscriber": true,
}

func validate(cfg *Config) error {
	for _, role := range cfg.App.Roles {
		if !knownRoles[strings.ToLower(strings.TrimSpace(role))] {
			return fmt.Errorf("config: unknown role %q", role)
		}
	}
	switch strings.ToLower(cfg.Feed.Provider) {
	case "sim":
	case "oanda":
		if cfg.Feed.BaseURL == "" {
			return fmt.Errorf("config: feed.base_url is required for the oanda provider")
		}
		if cfg.Feed.Token == "" {
			return fmt.Errorf("config: feed.token is required for the oanda provider")
		}
		if cfg.Feed.AccountID == "" {
			return fmt.Errorf("config: feed.account_id is required for the oanda provider")
		}
	default:
		return fmt.Errorf("config: unknown feed provider %q", cfg.Feed.Provider)
	}
	if !cfg.Redis.InMemory && cfg.Redis.URL == "" {
		return fmt.Errorf("config: redis.url cannot be empty")
	}
	if cfg.Supervisor.LockTTLSeconds <= cfg.Supervisor.IntervalSeconds {
		return fmt.Errorf("config: supervisor.lock_ttl_seconds must exceed interval_seconds")
	}
	return nil
}
