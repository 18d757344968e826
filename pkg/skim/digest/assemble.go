package digest

import (
	"fmt"

	"github.com/skimbot/skim/pkg/skim/store"
)

// Item is one digest line, as produced by the narrative collaborator.
type Item struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Author string `json:"author"`
	TS     string `json:"ts"`
}

// Action is a suggested follow-up with priority and rationale.
type Action struct {
	Priority  string `json:"priority"`
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// Content is the structured digest returned by the narrative collaborator.
type Content struct {
	Overview   string   `json:"overview"`
	Mentions   []Item   `json:"mentions_me"`
	Broadcasts []Item   `json:"broadcasts"`
	Unanswered []Item   `json:"unanswered_questions"`
	Actions    []Action `json:"suggested_actions"`
}

// FallbackContent is delivered when the narrative response is malformed:
// an empty digest rather than no digest.
func FallbackContent() Content {
	return Content{Overview: "Summary unavailable."}
}

// Block is one renderable section of the assembled digest. Channels decide
// how to present blocks on their platform (Slack mrkdwn sections, Discord
// plain text).
type Block struct {
	Text string
}

// Assemble turns narrative content into a delivery-ready structure,
// honoring the user's section toggles. It formats what it is given and
// invents nothing. Returns the notification text and the section blocks.
func Assemble(c Content, prefs *store.Preferences) (string, []Block) {
	var blocks []Block

	if prefs.IncludeOverview && c.Overview != "" {
		blocks = append(blocks, Block{Text: "*Overview*\n" + c.Overview})
	}
	if prefs.IncludeMentions {
		blocks = append(blocks, itemBlocks("Mentions", c.Mentions)...)
	}
	if prefs.IncludeBroadcasts {
		blocks = append(blocks, itemBlocks("Broadcasts", c.Broadcasts)...)
	}
	if prefs.IncludeUnanswered {
		blocks = append(blocks, itemBlocks("Unanswered Questions", c.Unanswered)...)
	}
	if prefs.IncludeActions {
		blocks = append(blocks, actionBlocks(c.Actions)...)
	}

	return "Daily digest ready.", blocks
}

func itemBlocks(title string, items []Item) []Block {
	if len(items) == 0 {
		return []Block{{Text: fmt.Sprintf("*%s*\n_None_", title)}}
	}
	blocks := []Block{{Text: "*" + title + "*"}}
	for _, item := range items {
		blocks = append(blocks, Block{
			Text: fmt.Sprintf("- %s (_%s_ by %s at %s)", item.Text, item.Source, item.Author, item.TS),
		})
	}
	return blocks
}

func actionBlocks(actions []Action) []Block {
	if len(actions) == 0 {
		return []Block{{Text: "*Suggested Actions*\n_None_"}}
	}
	blocks := []Block{{Text: "*Suggested Actions*"}}
	for _, a := range actions {
		priority := a.Priority
		if priority == "" {
			priority = "med"
		}
		text := fmt.Sprintf("- (%s) %s", priority, a.Action)
		if a.Rationale != "" {
			text += ": " + a.Rationale
		}
		blocks = append(blocks, Block{Text: text})
	}
	return blocks
}
