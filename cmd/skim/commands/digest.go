package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skimbot/skim/pkg/skim/bot"
	"github.com/skimbot/skim/pkg/skim/nl"
	"github.com/skimbot/skim/pkg/skim/store"
)

// newDigestCmd creates the `skim digest` command for a one-off digest run.
func newDigestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Run one user's digest immediately",
		Long: `Runs the digest pipeline for a single user right now, outside the daily
schedule. Useful for testing a configuration or catching up after downtime.

Examples:
  skim digest --team T1 --user U1`,
		RunE: runDigest,
	}

	cmd.Flags().String("team", "", "team (tenant) ID")
	cmd.Flags().String("user", "", "user ID")
	cmd.MarkFlagRequired("team")
	cmd.MarkFlagRequired("user")
	return cmd
}

func runDigest(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	teamID, _ := cmd.Flags().GetString("team")
	userID, _ := cmd.Flags().GetString("user")

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	messenger, err := buildMessenger(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := messenger.Connect(ctx); err != nil {
		return err
	}
	defer messenger.Disconnect()

	llm := nl.NewClient(cfg.LLM, logger)
	b := bot.New(st, messenger, llm, bot.Options{RetentionDays: cfg.Retention.Days}, logger)

	if err := b.Pipeline().Run(ctx, teamID, userID, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Printf("Digest delivered for %s/%s\n", teamID, userID)
	return nil
}
