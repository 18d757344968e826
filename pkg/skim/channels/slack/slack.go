// Package slack implements the Slack messaging surface over the Slack Web
// API.
//
// Receiving uses a polling loop over the conversations the bot is a member
// of; full Socket Mode would need a WebSocket client and is not required
// for digest traffic volumes.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skimbot/skim/pkg/skim/channels"
	"github.com/skimbot/skim/pkg/skim/digest"
)

// Config holds Slack channel configuration.
type Config struct {
	// BotToken is the Slack Bot User OAuth Token (xoxb-...).
	BotToken string `yaml:"bot_token"`

	// PollInterval is how often the receive loop polls for new messages.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// maxAttempts bounds transport-level retries per API call.
const maxAttempts = 3

// Slack implements channels.Messenger against the Slack Web API.
type Slack struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// apiBase is the Web API root; tests point it at a local server.
	apiBase string

	// botUserID is the bot's own user ID, used to skip its own messages.
	botUserID string

	// teamID is the workspace the bot is installed in.
	teamID string

	events    chan *channels.InboundEvent
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Slack channel instance.
func New(cfg Config, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Slack{
		cfg:     cfg,
		logger:  logger.With("component", "slack"),
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: "https://slack.com/api",
		events:  make(chan *channels.InboundEvent, 256),
	}
}

// Name returns "slack".
func (s *Slack) Name() string { return "slack" }

// Connect verifies the token and starts the receive loop.
func (s *Slack) Connect(ctx context.Context) error {
	if s.cfg.BotToken == "" {
		return fmt.Errorf("slack: bot_token is required")
	}
	if s.connected.Load() {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	identity, err := s.authTest(s.ctx)
	if err != nil {
		return fmt.Errorf("slack: auth.test failed: %w", err)
	}
	s.botUserID = identity.UserID
	s.teamID = identity.TeamID
	s.connected.Store(true)
	s.logger.Info("slack: connected", "bot", identity.User, "team", identity.TeamID)

	go s.pollLoop()
	return nil
}

// Disconnect stops the receive loop.
func (s *Slack) Disconnect() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connected.Store(false)
	s.logger.Info("slack: disconnected")
	return nil
}

// Events returns the inbound event stream.
func (s *Slack) Events() <-chan *channels.InboundEvent {
	return s.events
}

// SendMessage posts text plus optional digest blocks to a channel or DM.
func (s *Slack) SendMessage(ctx context.Context, to, text string, blocks []digest.Block) error {
	if !s.connected.Load() {
		return channels.ErrDisconnected
	}

	payload := map[string]any{
		"channel": to,
		"text":    text,
	}
	if len(blocks) > 0 {
		sections := make([]map[string]any, 0, len(blocks))
		for _, b := range blocks {
			sections = append(sections, map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": b.Text},
			})
		}
		payload["blocks"] = sections
	}

	_, err := s.apiCall(ctx, "chat.postMessage", payload)
	return err
}

// OpenDM opens (or reuses) the DM conversation with a user.
func (s *Slack) OpenDM(ctx context.Context, userID string) (string, error) {
	data, err := s.apiCall(ctx, "conversations.open", map[string]any{"users": userID})
	if err != nil {
		return "", err
	}
	var resp struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("slack: parsing conversations.open: %w", err)
	}
	return resp.Channel.ID, nil
}

// ResolveSource resolves "#name" or "name" to a channel ID. Values that
// already look like channel IDs pass through unchanged.
func (s *Slack) ResolveSource(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "C") && len(ref) >= 8 {
		return ref, nil
	}
	target := strings.TrimPrefix(ref, "#")

	cursor := ""
	for {
		payload := map[string]any{
			"exclude_archived": true,
			"types":            "public_channel,private_channel",
			"limit":            200,
		}
		if cursor != "" {
			payload["cursor"] = cursor
		}
		data, err := s.apiCall(ctx, "conversations.list", payload)
		if err != nil {
			return "", err
		}
		var resp struct {
			Channels []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"channels"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return "", fmt.Errorf("slack: parsing conversations.list: %w", err)
		}
		for _, ch := range resp.Channels {
			if ch.Name == target {
				return ch.ID, nil
			}
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}
	return "", channels.ErrSourceNotFound
}

// UserTimezone reads the user's timezone from their Slack profile.
func (s *Slack) UserTimezone(ctx context.Context, userID string) (string, error) {
	data, err := s.apiCall(ctx, "users.info", map[string]any{"user": userID})
	if err != nil {
		return "", err
	}
	var resp struct {
		User struct {
			TZ string `json:"tz"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("slack: parsing users.info: %w", err)
	}
	return resp.User.TZ, nil
}

// ---------- Receive loop ----------

// pollLoop polls conversations the bot is in for new messages and forwards
// them as inbound events.
func (s *Slack) pollLoop() {
	lastTS := fmt.Sprintf("%d.000000", time.Now().Unix())

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		convs, err := s.listConversations()
		if err != nil {
			s.logger.Warn("slack: list conversations error", "error", err)
			continue
		}

		newest := lastTS
		for _, conv := range convs {
			msgs, err := s.getHistory(conv.ID, lastTS)
			if err != nil {
				continue
			}
			for _, msg := range msgs {
				if msg.User == s.botUserID || msg.BotID != "" {
					continue
				}
				ev := &channels.InboundEvent{
					TeamID:     s.teamID,
					SourceID:   conv.ID,
					SourceTS:   msg.TS,
					Author:     msg.User,
					Body:       msg.Text,
					Subtype:    msg.Subtype,
					DM:         conv.IsIM,
					ReceivedAt: time.Now(),
				}
				if msg.ThreadTS != "" && msg.ThreadTS != msg.TS {
					ev.ThreadTS = msg.ThreadTS
				}
				select {
				case s.events <- ev:
				default:
					s.logger.Warn("slack: event buffer full", "ts", msg.TS)
				}
				if msg.TS > newest {
					newest = msg.TS
				}
			}
		}
		lastTS = newest
	}
}

// ---------- Wire types ----------

type slackIdentity struct {
	UserID string `json:"user_id"`
	User   string `json:"user"`
	TeamID string `json:"team_id"`
}

type slackConversation struct {
	ID   string
	IsIM bool
}

type slackMessage struct {
	TS       string `json:"ts"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts"`
	Subtype  string `json:"subtype"`
}

// ---------- API helpers ----------

// apiCall posts to the Slack Web API with bounded retry and exponential
// backoff. Retries cover transport errors and non-OK API responses.
func (s *Slack) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, err := s.apiCallOnce(ctx, method, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 6*time.Second {
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (s *Slack) apiCallOnce(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("slack: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slack: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.cfg.BotToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("slack: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("slack: %s: %s", method, result.Error)
	}
	return respBody, nil
}

func (s *Slack) authTest(ctx context.Context) (*slackIdentity, error) {
	data, err := s.apiCall(ctx, "auth.test", map[string]any{})
	if err != nil {
		return nil, err
	}
	var identity slackIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("slack: parsing auth.test: %w", err)
	}
	return &identity, nil
}

// listConversations returns the conversations the bot is a member of.
func (s *Slack) listConversations() ([]slackConversation, error) {
	data, err := s.apiCall(s.ctx, "users.conversations", map[string]any{
		"types": "public_channel,private_channel,im",
		"limit": 200,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Channels []struct {
			ID   string `json:"id"`
			IsIM bool   `json:"is_im"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("slack: parsing users.conversations: %w", err)
	}
	convs := make([]slackConversation, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		convs = append(convs, slackConversation{ID: ch.ID, IsIM: ch.IsIM})
	}
	return convs, nil
}

// getHistory fetches messages in a conversation newer than oldest.
func (s *Slack) getHistory(channelID, oldest string) ([]slackMessage, error) {
	data, err := s.apiCall(s.ctx, "conversations.history", map[string]any{
		"channel": channelID,
		"oldest":  oldest,
		"limit":   100,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []slackMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("slack: parsing conversations.history: %w", err)
	}
	return resp.Messages, nil
}
