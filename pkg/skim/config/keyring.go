// Package config – keyring.go resolves secrets in priority order: the
// config file value (usually an expanded env reference), then the OS
// keyring (Linux: Secret Service, macOS: Keychain, Windows: Credential
// Manager), then environment variables. The keyring is where `skim setup`
// stores tokens.
package config

import (
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "skim"

// Keyring key names for the secrets skim manages.
const (
	KeySlackBotToken = "slack_bot_token"
	KeyDiscordToken  = "discord_token"
	KeyLLMAPIKey     = "llm_api_key"
)

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetSecret retrieves a secret from the OS keyring; empty when not found.
func GetSecret(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// KeyringAvailable reports whether the OS keyring is usable.
func KeyringAvailable() bool {
	const testKey = "__skim_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// resolveSecrets fills empty secret fields from the keyring and environment.
func resolveSecrets(cfg *Config) {
	cfg.Slack.BotToken = firstNonEmpty(
		cfg.Slack.BotToken,
		GetSecret(KeySlackBotToken),
		os.Getenv("SKIM_SLACK_BOT_TOKEN"),
		os.Getenv("SLACK_BOT_TOKEN"),
	)
	cfg.Discord.Token = firstNonEmpty(
		cfg.Discord.Token,
		GetSecret(KeyDiscordToken),
		os.Getenv("SKIM_DISCORD_TOKEN"),
		os.Getenv("DISCORD_TOKEN"),
	)
	cfg.LLM.APIKey = firstNonEmpty(
		cfg.LLM.APIKey,
		GetSecret(KeyLLMAPIKey),
		os.Getenv("SKIM_LLM_API_KEY"),
		os.Getenv("OPENAI_API_KEY"),
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
