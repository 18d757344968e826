package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/skimbot/skim/pkg/skim/config"
)

// newSetupCmd creates the `skim setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that creates your initial config.yaml.
Tokens are stored in the OS keyring when available, never in plaintext.

Examples:
  skim setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("setup needs an interactive terminal")
	}

	cfg := config.Default()
	var (
		channelToken string
		llmKey       string
		retention    = strconv.Itoa(cfg.Retention.Days)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Messaging channel").
				Options(
					huh.NewOption("Slack", "slack"),
					huh.NewOption("Discord", "discord"),
				).
				Value(&cfg.Channel),
			huh.NewInput().
				Title("Bot token").
				Description("Slack: xoxb-... / Discord: bot token").
				EchoMode(huh.EchoModePassword).
				Value(&channelToken),
			huh.NewInput().
				Title("LLM API key").
				Description("OpenAI-compatible provider key").
				EchoMode(huh.EchoModePassword).
				Value(&llmKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default digest time").
				Description("Local HH:MM for new users").
				Value(&cfg.Schedule.DefaultTimeLocal),
			huh.NewInput().
				Title("Event retention (days)").
				Value(&retention).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("enter a positive number of days")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	cfg.Retention.Days, _ = strconv.Atoi(retention)

	// Prefer the keyring for tokens; fall back to env-var references in
	// the written config.
	if config.KeyringAvailable() {
		tokenKey := config.KeySlackBotToken
		if cfg.Channel == "discord" {
			tokenKey = config.KeyDiscordToken
		}
		if channelToken != "" {
			if err := config.StoreSecret(tokenKey, channelToken); err != nil {
				return fmt.Errorf("storing bot token: %w", err)
			}
		}
		if llmKey != "" {
			if err := config.StoreSecret(config.KeyLLMAPIKey, llmKey); err != nil {
				return fmt.Errorf("storing LLM key: %w", err)
			}
		}
		fmt.Println("Tokens stored in the OS keyring.")
	} else {
		if cfg.Channel == "discord" {
			cfg.Discord.Token = channelToken
		} else {
			cfg.Slack.BotToken = channelToken
		}
		cfg.LLM.APIKey = llmKey
		fmt.Println("No OS keyring available; config will reference environment variables.")
	}

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s. Start with: skim serve -c %s\n", path, path)
	return nil
}
