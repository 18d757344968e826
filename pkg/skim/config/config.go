// Package config defines and loads skim's configuration: channel
// credentials, LLM provider, storage, retention, and logging.
package config

import (
	"github.com/skimbot/skim/pkg/skim/channels/discord"
	"github.com/skimbot/skim/pkg/skim/channels/slack"
	"github.com/skimbot/skim/pkg/skim/nl"
	"github.com/skimbot/skim/pkg/skim/store"
)

// Config holds all skim configuration.
type Config struct {
	// Channel selects the messaging surface ("slack" or "discord").
	Channel string `yaml:"channel"`

	// Slack is the Slack channel config.
	Slack slack.Config `yaml:"slack"`

	// Discord is the Discord channel config.
	Discord discord.Config `yaml:"discord"`

	// LLM configures the narrative/intent collaborator.
	LLM nl.Config `yaml:"llm"`

	// Store configures the SQLite event store.
	Store store.Config `yaml:"store"`

	// Retention configures the daily purge of old events.
	Retention RetentionConfig `yaml:"retention"`

	// Schedule holds the defaults applied to new users.
	Schedule ScheduleConfig `yaml:"schedule"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// RetentionConfig bounds how long events are kept.
type RetentionConfig struct {
	// Days is the retention horizon; events older than this are purged by
	// the daily sweep.
	Days int `yaml:"days"`
}

// ScheduleConfig holds schedule defaults for new users.
type ScheduleConfig struct {
	// DefaultTimeLocal is the digest time assigned to new users ("HH:MM").
	DefaultTimeLocal string `yaml:"default_time_local"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channel: "slack",
		Store: store.Config{
			Path: "./data/skim.db",
		},
		Retention: RetentionConfig{Days: 30},
		Schedule:  ScheduleConfig{DefaultTimeLocal: "09:00"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}
