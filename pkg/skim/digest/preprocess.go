// Package digest implements the digest pipeline: classification heuristics
// over a window of events, assembly of the deliverable digest, and the
// per-user pipeline run invoked by the scheduler.
package digest

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skimbot/skim/pkg/skim/store"
)

// broadcastTokens are the "notify everyone" markers in message bodies.
var broadcastTokens = []string{"<!here>", "<!channel>", "<!everyone>"}

// questionPrefixes mark a message as a question candidate when the trimmed
// body starts with one of them (case-insensitive).
var questionPrefixes = []string{"who", "what", "when", "where", "why", "how", "can someone"}

// answerWindow is how soon a follow-up in the same source counts as an
// answer to a standalone question.
const answerWindow = 20 * time.Minute

// followUpLimit is how many chronologically-later events in the same source
// are inspected for an answer.
const followUpLimit = 5

// Classified groups a window of events into the digest categories. The lists
// may overlap and share the original event values.
type Classified struct {
	Mentions           []*store.Event
	Broadcasts         []*store.Event
	QuestionCandidates []*store.Event
	Unanswered         []*store.Event
}

// ContainsMention reports whether body carries an exact mention token for
// the given user.
func ContainsMention(body, userID string) bool {
	return strings.Contains(body, "<@"+userID+">")
}

// IsBroadcast reports whether body carries any notify-everyone token.
func IsBroadcast(body string) bool {
	for _, tok := range broadcastTokens {
		if strings.Contains(body, tok) {
			return true
		}
	}
	return false
}

// IsQuestionCandidate reports whether the trimmed body looks like a question:
// it contains a '?' or starts with an interrogative word.
func IsQuestionCandidate(body string) bool {
	normalized := strings.TrimSpace(body)
	if strings.Contains(normalized, "?") {
		return true
	}
	lower := strings.ToLower(normalized)
	for _, prefix := range questionPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Classify partitions events into mention/broadcast/question categories and
// derives the unanswered subset for the acting user. Pure and deterministic:
// no I/O, no clock reads, everything comes from the inputs.
func Classify(events []*store.Event, userID string) *Classified {
	c := &Classified{}
	questionSet := make(map[*store.Event]bool)

	for _, e := range events {
		if ContainsMention(e.Body, userID) {
			c.Mentions = append(c.Mentions, e)
		}
		if IsBroadcast(e.Body) {
			c.Broadcasts = append(c.Broadcasts, e)
		}
		if IsQuestionCandidate(e.Body) {
			c.QuestionCandidates = append(c.QuestionCandidates, e)
			questionSet[e] = true
		}
	}

	c.Unanswered = detectUnanswered(events, questionSet)
	return c
}

// detectUnanswered applies the two-part heuristic:
//
// Thread groups: the earliest event is a question with no replies at all.
//
// Standalone events, per source and in chronological order: a question is
// answered if any of the next up-to-5 events in that source arrives within
// answerWindow of it; otherwise (including no later events) it is unanswered.
//
// This is approximate. False positives and negatives are accepted; the sort
// is by event timestamp, not ingestion order.
func detectUnanswered(events []*store.Event, questions map[*store.Event]bool) []*store.Event {
	var unanswered []*store.Event

	byThread := make(map[string][]*store.Event)
	for _, e := range events {
		if e.ThreadTS != "" {
			byThread[e.ThreadTS] = append(byThread[e.ThreadTS], e)
		}
	}
	// Deterministic output order across map iteration.
	threadKeys := make([]string, 0, len(byThread))
	for k := range byThread {
		threadKeys = append(threadKeys, k)
	}
	sort.Strings(threadKeys)

	for _, k := range threadKeys {
		group := byThread[k]
		sortByEventTime(group)
		starter := group[0]
		if !questions[starter] {
			continue
		}
		if len(group) == 1 {
			unanswered = append(unanswered, starter)
		}
	}

	bySource := make(map[string][]*store.Event)
	for _, e := range events {
		if e.ThreadTS == "" {
			bySource[e.SourceID] = append(bySource[e.SourceID], e)
		}
	}
	sourceKeys := make([]string, 0, len(bySource))
	for k := range bySource {
		sourceKeys = append(sourceKeys, k)
	}
	sort.Strings(sourceKeys)

	for _, k := range sourceKeys {
		group := bySource[k]
		sortByEventTime(group)
		for i, e := range group {
			if !questions[e] {
				continue
			}
			end := i + 1 + followUpLimit
			if end > len(group) {
				end = len(group)
			}
			window := group[i+1 : end]
			if len(window) == 0 {
				unanswered = append(unanswered, e)
				continue
			}
			asked := EventTime(e)
			answered := false
			for _, next := range window {
				if EventTime(next).Sub(asked) <= answerWindow {
					answered = true
					break
				}
			}
			if !answered {
				unanswered = append(unanswered, e)
			}
		}
	}

	return unanswered
}

// EventTime converts a platform timestamp ("1700000000.000123") to a
// time.Time. Unparseable timestamps map to the zero time.
func EventTime(e *store.Event) time.Time {
	secs, err := strconv.ParseFloat(e.SourceTS, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
}

func sortByEventTime(events []*store.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return EventTime(events[i]).Before(EventTime(events[j]))
	})
}
