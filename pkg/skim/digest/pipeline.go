package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skimbot/skim/pkg/skim/store"
)

// defaultLookback bounds the window for users who have never received a
// digest.
const defaultLookback = 24 * time.Hour

// EventPayload is the serialized form of an event sent to the narrative
// collaborator.
type EventPayload struct {
	Source   string `json:"source"`
	TS       string `json:"ts"`
	Author   string `json:"author"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// NarrativeRequest is the structured context handed to the narrative
// collaborator.
type NarrativeRequest struct {
	Timezone   string         `json:"timezone"`
	Events     []EventPayload `json:"events"`
	Mentions   []EventPayload `json:"mentions_me"`
	Broadcasts []EventPayload `json:"broadcasts"`
	Unanswered []EventPayload `json:"unanswered_questions"`
}

// Narrator turns a structured request into digest content. Implementations
// must return FallbackContent (not an error) for malformed model output, so
// a digest is still delivered.
type Narrator interface {
	GenerateDigest(ctx context.Context, req NarrativeRequest) (Content, error)
}

// Deliverer is the outbound slice of the messaging surface the pipeline
// needs.
type Deliverer interface {
	OpenDM(ctx context.Context, userID string) (string, error)
	SendMessage(ctx context.Context, to, text string, blocks []Block) error
}

// Pipeline runs one user's digest: fetch window, classify, narrate,
// assemble, deliver, advance the watermark.
type Pipeline struct {
	Store     *store.Store
	Narrator  Narrator
	Deliverer Deliverer
	Logger    *slog.Logger
}

// Run executes a digest for (team, user) as of now. A missing user is a
// silent no-op: they may have been removed between scheduling and firing.
func (p *Pipeline) Run(ctx context.Context, teamID, userID string, now time.Time) error {
	logger := p.Logger.With("run_id", uuid.NewString(), "team", teamID, "user", userID)

	user, err := p.Store.GetUser(teamID, userID)
	if err != nil {
		return err
	}
	if user == nil {
		logger.Debug("digest fired for unknown user, skipping")
		return nil
	}
	prefs, err := p.Store.GetPreferences(user)
	if err != nil {
		return err
	}

	since := now.Add(-defaultLookback)
	if user.LastDigestSentAt != nil {
		since = *user.LastDigestSentAt
	}

	events, err := p.Store.FetchWindow(teamID, userID, since, now)
	if err != nil {
		return err
	}
	classified := Classify(events, userID)
	logger.Info("digest window fetched",
		"since", since.Format(time.RFC3339),
		"until", now.Format(time.RFC3339),
		"events", len(events),
		"mentions", len(classified.Mentions),
		"broadcasts", len(classified.Broadcasts),
		"unanswered", len(classified.Unanswered),
	)

	content, err := p.Narrator.GenerateDigest(ctx, NarrativeRequest{
		Timezone:   user.Timezone,
		Events:     toPayloads(events),
		Mentions:   toPayloads(classified.Mentions),
		Broadcasts: toPayloads(classified.Broadcasts),
		Unanswered: toPayloads(classified.Unanswered),
	})
	if err != nil {
		// Retries already happened at the transport level; the next
		// scheduled firing is the retry for this digest.
		return fmt.Errorf("narrative generation: %w", err)
	}

	text, blocks := Assemble(content, prefs)

	dm, err := p.Deliverer.OpenDM(ctx, userID)
	if err != nil {
		return fmt.Errorf("open dm: %w", err)
	}

	// The watermark advances once the delivery attempt is issued. A
	// transport failure past this point loses one day's digest, which is
	// the accepted trade-off over re-sending duplicates.
	sendErr := p.Deliverer.SendMessage(ctx, dm, text, blocks)
	if err := p.Store.SetLastDigestSentAt(user, now); err != nil {
		return err
	}
	if sendErr != nil {
		logger.Error("digest delivery failed after issue", "error", sendErr)
		return nil
	}

	logger.Info("digest delivered", "blocks", len(blocks))
	return nil
}

func toPayloads(events []*store.Event) []EventPayload {
	payloads := make([]EventPayload, 0, len(events))
	for _, e := range events {
		payloads = append(payloads, EventPayload{
			Source:   e.SourceID,
			TS:       e.SourceTS,
			Author:   e.Author,
			Text:     e.Body,
			ThreadTS: e.ThreadTS,
		})
	}
	return payloads
}
