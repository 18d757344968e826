// Package bot wires the pieces of skim together: inbound events flow into
// the event store, DMs flow through intent extraction into the
// configuration router, and the scheduler drives digest and retention runs.
package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/skimbot/skim/pkg/skim/channels"
	"github.com/skimbot/skim/pkg/skim/digest"
	"github.com/skimbot/skim/pkg/skim/nl"
	"github.com/skimbot/skim/pkg/skim/scheduler"
	"github.com/skimbot/skim/pkg/skim/store"
)

// Options configures the bot.
type Options struct {
	// RetentionDays is how long events are kept before the daily sweep
	// hard-deletes them.
	RetentionDays int
}

// Bot owns the runtime wiring and the inbound event loop.
type Bot struct {
	store     *store.Store
	messenger channels.Messenger
	router    *nl.Router
	pipeline  *digest.Pipeline
	sched     *scheduler.Scheduler
	logger    *slog.Logger
}

// New assembles a bot from its collaborators.
func New(st *store.Store, messenger channels.Messenger, llm *nl.Client, opts Options, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}

	pipeline := &digest.Pipeline{
		Store:     st,
		Narrator:  llm,
		Deliverer: messenger,
		Logger:    logger.With("component", "pipeline"),
	}

	sched := scheduler.New(pipeline.Run, st.PurgeEventsBefore, opts.RetentionDays, logger)

	router := &nl.Router{
		Store:       st,
		Extractor:   llm,
		Resolver:    messenger,
		Rescheduler: sched,
		Logger:      logger.With("component", "router"),
	}

	return &Bot{
		store:     st,
		messenger: messenger,
		router:    router,
		pipeline:  pipeline,
		sched:     sched,
		logger:    logger.With("component", "bot"),
	}
}

// Scheduler exposes the trigger table, mainly for the one-off digest command.
func (b *Bot) Scheduler() *scheduler.Scheduler { return b.sched }

// Pipeline exposes the digest pipeline for one-off runs.
func (b *Bot) Pipeline() *digest.Pipeline { return b.pipeline }

// Start brings the bot up: scheduler first, then triggers from storage,
// then the messaging connection and the event loop.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.sched.Start(ctx); err != nil {
		return err
	}

	users, err := b.store.ListUsers()
	if err != nil {
		return err
	}
	b.sched.Bootstrap(users)

	if err := b.messenger.Connect(ctx); err != nil {
		return err
	}

	go b.eventLoop(ctx)
	b.logger.Info("bot started", "channel", b.messenger.Name(), "users", len(users))
	return nil
}

// Stop shuts the bot down in reverse order.
func (b *Bot) Stop() {
	if err := b.messenger.Disconnect(); err != nil {
		b.logger.Warn("disconnect failed", "error", err)
	}
	b.sched.Stop()
}

// eventLoop drains the messenger's inbound stream until the context ends.
func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.messenger.Events():
			if !ok {
				return
			}
			b.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent routes one inbound event: DMs carry configuration text,
// everything else is channel traffic for the event store.
func (b *Bot) HandleEvent(ctx context.Context, ev *channels.InboundEvent) {
	if ev.TeamID == "" || ev.SourceID == "" {
		return
	}
	if ev.DM {
		b.handleDM(ctx, ev)
		return
	}
	b.ingest(ev)
}

// handleDM runs the configuration router and replies in the same DM. A
// router failure gets an apology line rather than silence.
func (b *Bot) handleDM(ctx context.Context, ev *channels.InboundEvent) {
	if ev.Author == "" || ev.Body == "" {
		return
	}

	// Pick up the sender's profile timezone so their digest trigger fires
	// at local time. Lookup failures leave the stored timezone alone.
	tz, err := b.messenger.UserTimezone(ctx, ev.Author)
	if err != nil {
		b.logger.Warn("timezone lookup failed", "user", ev.Author, "error", err)
		tz = ""
	}
	if _, err := b.store.GetOrCreateUser(ev.TeamID, ev.Author, tz); err != nil {
		b.logger.Error("user lookup failed", "user", ev.Author, "error", err)
		return
	}

	reply, err := b.router.HandleMessage(ctx, ev.TeamID, ev.Author, ev.Body)
	if err != nil {
		b.logger.Error("configuration dm failed", "user", ev.Author, "error", err)
		reply = "Sorry, I hit a snag while updating your settings."
	}
	if err := b.messenger.SendMessage(ctx, ev.SourceID, reply, nil); err != nil {
		b.logger.Error("dm reply failed", "user", ev.Author, "error", err)
		return
	}

	// Make sure the (possibly new) user has a live trigger; registration
	// replaces rather than duplicates, so this is safe to repeat.
	user, err := b.store.GetUser(ev.TeamID, ev.Author)
	if err != nil || user == nil {
		return
	}
	if err := b.sched.ScheduleUser(user.TeamID, user.UserID, user.Timezone, user.DigestTimeLocal); err != nil {
		b.logger.Warn("trigger registration failed", "user", ev.Author, "error", err)
	}
}

// ingest records channel traffic for tracked sources. Deletion notices flip
// the soft-delete flag; everything else upserts by natural key, so edits
// land on the same row.
func (b *Bot) ingest(ev *channels.InboundEvent) {
	tracked, err := b.store.TrackedSourcesForTeam(ev.TeamID)
	if err != nil {
		b.logger.Error("tracked source lookup failed", "team", ev.TeamID, "error", err)
		return
	}
	if !contains(tracked, ev.SourceID) {
		return
	}

	key := store.EventKey{TeamID: ev.TeamID, SourceID: ev.SourceID, SourceTS: ev.SourceTS}

	if ev.Deleted || ev.Subtype == "message_deleted" {
		if err := b.store.MarkEventDeleted(key); err != nil {
			b.logger.Error("mark deleted failed", "source", ev.SourceID, "ts", ev.SourceTS, "error", err)
		}
		return
	}

	arrived := ev.ReceivedAt
	if arrived.IsZero() {
		arrived = time.Now()
	}
	if _, err := b.store.UpsertEvent(key, ev.Author, ev.Body, ev.ThreadTS, ev.Subtype, arrived); err != nil {
		b.logger.Error("event upsert failed", "source", ev.SourceID, "ts", ev.SourceTS, "error", err)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
