// Package discord implements the Discord messaging surface for skim using
// discordgo. It mirrors the Slack channel's Messenger surface so digests
// can be delivered to Discord servers as well.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/skimbot/skim/pkg/skim/channels"
	"github.com/skimbot/skim/pkg/skim/digest"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// GuildID scopes the bot to one server; it doubles as the tenant ID
	// for inbound events.
	GuildID string `yaml:"guild_id"`
}

// messageLimit is Discord's maximum message length.
const messageLimit = 2000

// Discord implements channels.Messenger over discordgo's gateway.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	events    chan *channels.InboundEvent
	connected atomic.Bool
}

// New creates a Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
		events: make(chan *channels.InboundEvent, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway session and registers the message handler.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: token is required")
	}
	if d.connected.Load() {
		return nil
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onMessageUpdate)
	session.AddHandler(d.onMessageDelete)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.connected.Store(true)
	d.logger.Info("discord: connected", "bot", session.State.User.Username)
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: closing session: %w", err)
		}
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// Events returns the inbound event stream.
func (d *Discord) Events() <-chan *channels.InboundEvent {
	return d.events
}

// SendMessage sends text plus digest blocks, split at Discord's length cap.
func (d *Discord) SendMessage(ctx context.Context, to, text string, blocks []digest.Block) error {
	if !d.connected.Load() {
		return channels.ErrDisconnected
	}

	parts := []string{text}
	for _, b := range blocks {
		parts = append(parts, b.Text)
	}
	full := strings.Join(parts, "\n")

	for len(full) > 0 {
		chunk := full
		if len(chunk) > messageLimit {
			chunk = chunk[:messageLimit]
		}
		if _, err := d.session.ChannelMessageSend(to, chunk); err != nil {
			return fmt.Errorf("discord: sending message: %w", err)
		}
		full = full[len(chunk):]
	}
	return nil
}

// OpenDM creates (or reuses) the DM channel with a user.
func (d *Discord) OpenDM(ctx context.Context, userID string) (string, error) {
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("discord: opening dm with %s: %w", userID, err)
	}
	return ch.ID, nil
}

// ResolveSource resolves a "#name" or "name" reference to a channel ID in
// the configured guild. Numeric IDs pass through unchanged.
func (d *Discord) ResolveSource(ctx context.Context, ref string) (string, error) {
	if isSnowflake(ref) {
		return ref, nil
	}
	target := strings.TrimPrefix(ref, "#")

	chans, err := d.session.GuildChannels(d.cfg.GuildID)
	if err != nil {
		return "", fmt.Errorf("discord: listing guild channels: %w", err)
	}
	for _, ch := range chans {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == target {
			return ch.ID, nil
		}
	}
	return "", channels.ErrSourceNotFound
}

// UserTimezone returns ""; Discord profiles carry no timezone.
func (d *Discord) UserTimezone(ctx context.Context, userID string) (string, error) {
	return "", nil
}

// ---------- Gateway handlers ----------

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	d.emit(m.Message, "", false)
}

func (d *Discord) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	d.emit(m.Message, "message_changed", false)
}

func (d *Discord) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	d.emit(m.Message, "message_deleted", true)
}

func (d *Discord) emit(m *discordgo.Message, subtype string, deleted bool) {
	ev := &channels.InboundEvent{
		TeamID:     d.cfg.GuildID,
		SourceID:   m.ChannelID,
		SourceTS:   m.ID,
		Body:       m.Content,
		Subtype:    subtype,
		Deleted:    deleted,
		DM:         m.GuildID == "",
		ReceivedAt: time.Now(),
	}
	if m.Author != nil {
		ev.Author = m.Author.ID
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		ev.ThreadTS = ref.MessageID
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("discord: event buffer full", "id", m.ID)
	}
}

func isSnowflake(s string) bool {
	if len(s) < 15 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
