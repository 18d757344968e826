package nl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skimbot/skim/pkg/skim/store"
)

// IntentExtractor produces typed intents from free text.
type IntentExtractor interface {
	ExtractIntents(ctx context.Context, text string) ([]Intent, error)
}

// SourceResolver resolves human source references to canonical IDs.
type SourceResolver interface {
	ResolveSource(ctx context.Context, ref string) (string, error)
}

// Rescheduler re-registers a user's digest trigger so schedule changes take
// effect immediately, not only after a restart.
type Rescheduler interface {
	ScheduleUser(teamID, userID, timezone, timeLocal string) error
}

// Router applies extracted configuration intents against the store, one DM
// at a time. Unrecognized intents are logged and ignored.
type Router struct {
	Store       *store.Store
	Extractor   IntentExtractor
	Resolver    SourceResolver
	Rescheduler Rescheduler
	Logger      *slog.Logger
}

// HandleMessage processes one configuration DM and returns the reply text:
// a change log followed by the full current configuration.
func (r *Router) HandleMessage(ctx context.Context, teamID, userID, text string) (string, error) {
	user, err := r.Store.GetOrCreateUser(teamID, userID, "")
	if err != nil {
		return "", err
	}

	intents, err := r.Extractor.ExtractIntents(ctx, text)
	if err != nil {
		return "", fmt.Errorf("intent extraction: %w", err)
	}

	var changes []string
	for _, intent := range intents {
		lines, err := r.apply(ctx, user, intent)
		if err != nil {
			return "", err
		}
		changes = append(changes, lines...)
	}

	summary, err := r.formatConfiguration(user)
	if err != nil {
		return "", err
	}

	var prefix string
	switch {
	case len(intents) == 0:
		prefix = "Here's what I'm tracking:\n"
	case len(changes) > 0:
		prefix = "Updated your settings:\n"
	default:
		prefix = "Configuration unchanged.\n"
	}
	reply := prefix + strings.Join(changes, "\n")
	if len(changes) > 0 {
		reply += "\n\n"
	} else {
		reply += "\n"
	}
	return reply + summary, nil
}

// apply executes one intent and returns its change-log lines.
func (r *Router) apply(ctx context.Context, user *store.User, intent Intent) ([]string, error) {
	switch intent.Name {
	case IntentAddSources:
		var args SourcesArgs
		if err := json.Unmarshal(intent.Args, &args); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", intent.Name, err)
		}
		return r.addSources(ctx, user, args.Sources)

	case IntentRemoveSources:
		var args SourcesArgs
		if err := json.Unmarshal(intent.Args, &args); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", intent.Name, err)
		}
		removed, err := r.Store.RemoveSources(user, args.Sources)
		if err != nil {
			return nil, err
		}
		return []string{"Removed: " + joinOrNone(removed)}, nil

	case IntentSetMaxSources:
		var args MaxSourcesArgs
		if err := json.Unmarshal(intent.Args, &args); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", intent.Name, err)
		}
		if err := r.Store.SetMaxSources(user, args.MaxSources); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("Max sources set to %d", args.MaxSources)}, nil

	case IntentSetDigestTime:
		var args DigestTimeArgs
		if err := json.Unmarshal(intent.Args, &args); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", intent.Name, err)
		}
		if err := r.Store.SetDigestTime(user, args.TimeLocal); err != nil {
			return nil, err
		}
		if r.Rescheduler != nil {
			if err := r.Rescheduler.ScheduleUser(user.TeamID, user.UserID, user.Timezone, args.TimeLocal); err != nil {
				return nil, fmt.Errorf("reschedule digest: %w", err)
			}
		}
		return []string{"Digest time set to " + args.TimeLocal}, nil

	case IntentSetPrefs:
		var args PreferencesArgs
		if err := json.Unmarshal(intent.Args, &args); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", intent.Name, err)
		}
		upd := store.SectionUpdate{
			IncludeOverview:   args.IncludeOverview,
			IncludeMentions:   args.IncludeMentions,
			IncludeBroadcasts: args.IncludeBroadcasts,
			IncludeUnanswered: args.IncludeUnanswered,
			IncludeActions:    args.IncludeActions,
		}
		if len(args.CustomRules) > 0 {
			rules := string(args.CustomRules)
			upd.CustomRules = &rules
		}
		if err := r.Store.SetPreferences(user, upd); err != nil {
			return nil, err
		}
		return []string{"Preferences updated"}, nil

	case IntentListConfig:
		return nil, nil

	default:
		r.Logger.Warn("ignoring unrecognized intent", "name", intent.Name)
		return nil, nil
	}
}

// addSources resolves references and subscribes the user, reporting
// unresolvable references separately from cap/duplicate skips.
func (r *Router) addSources(ctx context.Context, user *store.User, refs []string) ([]string, error) {
	var resolved, failed []string
	for _, ref := range refs {
		id, err := r.Resolver.ResolveSource(ctx, ref)
		if err != nil {
			failed = append(failed, ref)
			continue
		}
		resolved = append(resolved, id)
	}

	added, skipped, err := r.Store.AddSources(user, resolved)
	if err != nil {
		return nil, err
	}

	var lines []string
	if len(added) > 0 {
		lines = append(lines, "Added: "+strings.Join(added, ", "))
	}
	if len(skipped) > 0 {
		lines = append(lines, "Skipped (at limit or already tracked): "+strings.Join(skipped, ", "))
	}
	if len(failed) > 0 {
		lines = append(lines, "Could not resolve: "+strings.Join(failed, ", "))
	}
	return lines, nil
}

// formatConfiguration renders the user's full current configuration.
func (r *Router) formatConfiguration(user *store.User) (string, error) {
	prefs, err := r.Store.GetPreferences(user)
	if err != nil {
		return "", err
	}
	tracked, err := r.Store.TrackedSources(user)
	if err != nil {
		return "", err
	}

	lines := []string{
		"Digest time: " + user.DigestTimeLocal,
		fmt.Sprintf("Tracked sources (%d/%d): %s", len(tracked), prefs.MaxSources, joinOrNone(tracked)),
		fmt.Sprintf("Sections -> overview:%t, mentions:%t, broadcasts:%t, unanswered:%t, actions:%t",
			prefs.IncludeOverview, prefs.IncludeMentions, prefs.IncludeBroadcasts,
			prefs.IncludeUnanswered, prefs.IncludeActions),
	}
	if prefs.CustomRules != "" && prefs.CustomRules != "{}" {
		lines = append(lines, "Custom rules: "+prefs.CustomRules)
	}
	return strings.Join(lines, "\n"), nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
