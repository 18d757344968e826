package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//
//	${VAR_NAME}            simple variable
//	${VAR_NAME:-default}   default value if not set
//	${VAR_NAME:?error}     error message if not set
//	$VAR_NAME              bare variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads and parses a YAML config file. It loads .env files first,
// expands environment variable references in the YAML, overlays the parsed
// values onto defaults, and resolves secrets (keyring, then env).
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// Parse parses YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML with owner-only permissions. Secrets are
// replaced with environment variable references so they never land on disk.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Slack.BotToken = sanitizeSecret(cfg.Slack.BotToken, "SKIM_SLACK_BOT_TOKEN")
	sanitized.Discord.Token = sanitizeSecret(cfg.Discord.Token, "SKIM_DISCORD_TOKEN")
	sanitized.LLM.APIKey = sanitizeSecret(cfg.LLM.APIKey, "SKIM_LLM_API_KEY")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// loadEnvFiles loads .env files from the working directory. Existing
// environment variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// expandEnvVars substitutes environment variable references, honoring
// defaults and failing on unset ${VAR:?error} patterns.
func expandEnvVars(data string) (string, error) {
	var expandErr error
	expanded := envVarPattern.ReplaceAllStringFunc(data, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[4]
		}
		value, set := os.LookupEnv(name)
		if set {
			return value
		}
		switch groups[2] {
		case "-":
			return groups[3]
		case "?":
			msg := groups[3]
			if msg == "" {
				msg = "required variable not set"
			}
			if expandErr == nil {
				expandErr = fmt.Errorf("%s: %s", name, msg)
			}
		}
		return ""
	})
	return expanded, expandErr
}

// resolveRelativePaths anchors relative file paths at the config file's
// directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	if cfg.Store.Path != "" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(base, cfg.Store.Path)
	}
}

// sanitizeSecret replaces a literal secret with an env reference for
// writing to disk.
func sanitizeSecret(value, envVar string) string {
	if value == "" || strings.HasPrefix(value, "${") {
		return value
	}
	return "${" + envVar + "}"
}
