package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skimbot/skim/pkg/skim/bot"
	"github.com/skimbot/skim/pkg/skim/channels"
	"github.com/skimbot/skim/pkg/skim/channels/discord"
	"github.com/skimbot/skim/pkg/skim/channels/slack"
	"github.com/skimbot/skim/pkg/skim/config"
	"github.com/skimbot/skim/pkg/skim/nl"
	"github.com/skimbot/skim/pkg/skim/store"
)

// newServeCmd creates the `skim serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the digest daemon",
		Long: `Start skim as a daemon: connect the messaging channel, ingest tracked
events, and fire per-user digest triggers plus the daily retention sweep.

Examples:
  skim serve
  skim serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	messenger, err := buildMessenger(cfg, logger)
	if err != nil {
		return err
	}

	llm := nl.NewClient(cfg.LLM, logger)

	b := bot.New(st, messenger, llm, bot.Options{
		RetentionDays: cfg.Retention.Days,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	b.Stop()
	return nil
}

// buildMessenger constructs the configured messaging channel.
func buildMessenger(cfg *config.Config, logger *slog.Logger) (channels.Messenger, error) {
	switch cfg.Channel {
	case "", "slack":
		return slack.New(cfg.Slack, logger), nil
	case "discord":
		return discord.New(cfg.Discord, logger), nil
	default:
		return nil, fmt.Errorf("unknown channel %q (want slack or discord)", cfg.Channel)
	}
}

// loadConfigAndLogger resolves the config file and builds the logger the
// way the config asks for.
func loadConfigAndLogger(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %q (run `skim setup` to create one): %w", path, err)
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return cfg, slog.New(handler), nil
}
