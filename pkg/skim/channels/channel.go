// Package channels defines the narrow messaging surface skim talks to:
// inbound event intake, outbound delivery, and source reference resolution.
// Each platform (Slack, Discord) implements Messenger.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/skimbot/skim/pkg/skim/digest"
)

// ErrDisconnected is returned when a send is attempted on a closed channel.
var ErrDisconnected = errors.New("channel disconnected")

// ErrSourceNotFound is returned when a human source reference cannot be
// resolved to a canonical ID.
var ErrSourceNotFound = errors.New("source not found")

// InboundEvent is one message observed on the platform, normalized for the
// event store.
type InboundEvent struct {
	// TeamID is the tenant the event belongs to.
	TeamID string

	// SourceID is the channel/conversation the event was posted in.
	SourceID string

	// SourceTS is the platform timestamp, unique within a source.
	SourceTS string

	// Author is the platform user who posted the event.
	Author string

	// Body is the message text.
	Body string

	// ThreadTS is the parent thread timestamp, empty for standalone events.
	ThreadTS string

	// Subtype carries platform-specific event subtypes
	// (e.g. "message_changed", "message_deleted").
	Subtype string

	// Deleted marks a deletion notice for an earlier event.
	Deleted bool

	// DM marks direct messages to the bot, which carry configuration text
	// rather than channel traffic.
	DM bool

	// ReceivedAt is when skim observed the event.
	ReceivedAt time.Time
}

// Messenger is the interface every messaging platform must implement.
type Messenger interface {
	// Name returns the platform identifier (e.g. "slack").
	Name() string

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// SendMessage delivers text plus optional digest blocks to a
	// recipient (channel or DM conversation ID).
	SendMessage(ctx context.Context, to, text string, blocks []digest.Block) error

	// OpenDM returns the DM conversation ID for a platform user.
	OpenDM(ctx context.Context, userID string) (string, error)

	// ResolveSource resolves a human reference ("#general") to a canonical
	// source ID, or ErrSourceNotFound.
	ResolveSource(ctx context.Context, ref string) (string, error)

	// UserTimezone returns the user's IANA timezone from their platform
	// profile, or "" when the platform does not expose one.
	UserTimezone(ctx context.Context, userID string) (string, error)

	// Events returns the stream of inbound events.
	Events() <-chan *InboundEvent
}
