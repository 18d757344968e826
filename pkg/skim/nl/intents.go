package nl

import (
	"context"
	"encoding/json"
)

// Intent is one typed configuration-change instruction extracted from free
// text. Args holds the intent's serialized arguments.
type Intent struct {
	Name string
	Args json.RawMessage
}

// Intent names the router understands.
const (
	IntentAddSources    = "add_sources"
	IntentRemoveSources = "remove_sources"
	IntentSetMaxSources = "set_max_sources"
	IntentSetDigestTime = "set_digest_time"
	IntentSetPrefs      = "set_preferences"
	IntentListConfig    = "list_configuration"
)

// SourcesArgs carries the source references for add/remove intents.
type SourcesArgs struct {
	Sources []string `json:"sources"`
}

// MaxSourcesArgs carries the tracked-source cap.
type MaxSourcesArgs struct {
	MaxSources int `json:"max_sources"`
}

// DigestTimeArgs carries the local digest time.
type DigestTimeArgs struct {
	TimeLocal string `json:"time_local"`
}

// PreferencesArgs carries section toggles; nil fields stay unchanged.
type PreferencesArgs struct {
	IncludeOverview   *bool           `json:"include_overview"`
	IncludeMentions   *bool           `json:"include_mentions"`
	IncludeBroadcasts *bool           `json:"include_broadcasts"`
	IncludeUnanswered *bool           `json:"include_unanswered"`
	IncludeActions    *bool           `json:"include_actions"`
	CustomRules       json.RawMessage `json:"custom_rules"`
}

// intentSystemPrompt frames the extraction call.
const intentSystemPrompt = `You manage a user's daily chat digest configuration. Translate their message
into tool calls. Source references may be names ("#general") or IDs. If the
user only asks what is being tracked, call list_configuration. If the
message is not about digest configuration, call no tools.`

// ExtractIntents turns free text into an ordered list of typed intents via
// tool calling.
func (c *Client) ExtractIntents(ctx context.Context, text string) ([]Intent, error) {
	resp, err := c.complete(ctx, chatRequest{
		Model: c.cfg.IntentModel,
		Tools: intentTools(),
		Messages: []chatMessage{
			{Role: "system", Content: intentSystemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return nil, err
	}

	calls := resp.Choices[0].Message.ToolCalls
	intents := make([]Intent, 0, len(calls))
	for _, call := range calls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		intents = append(intents, Intent{
			Name: call.Function.Name,
			Args: json.RawMessage(args),
		})
	}
	return intents, nil
}

// intentTools are the tool definitions exposed to the intent model.
func intentTools() []ToolDefinition {
	def := func(name, description, params string) ToolDefinition {
		return ToolDefinition{
			Type: "function",
			Function: FunctionDef{
				Name:        name,
				Description: description,
				Parameters:  json.RawMessage(params),
			},
		}
	}

	sourcesParams := `{
		"type": "object",
		"properties": {
			"sources": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Source names or IDs, e.g. #general or C12345"
			}
		},
		"required": ["sources"]
	}`

	return []ToolDefinition{
		def(IntentAddSources, "Subscribe the user to one or more sources.", sourcesParams),
		def(IntentRemoveSources, "Unsubscribe the user from one or more sources.", sourcesParams),
		def(IntentSetMaxSources, "Set the maximum number of tracked sources.", `{
			"type": "object",
			"properties": {
				"max_sources": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["max_sources"]
		}`),
		def(IntentSetDigestTime, "Change the daily digest time, local HH:MM.", `{
			"type": "object",
			"properties": {
				"time_local": {"type": "string", "pattern": "^([01]?\\d|2[0-3]):[0-5]\\d$"}
			},
			"required": ["time_local"]
		}`),
		def(IntentSetPrefs, "Toggle digest sections or update custom rules.", `{
			"type": "object",
			"properties": {
				"include_overview": {"type": "boolean"},
				"include_mentions": {"type": "boolean"},
				"include_broadcasts": {"type": "boolean"},
				"include_unanswered": {"type": "boolean"},
				"include_actions": {"type": "boolean"},
				"custom_rules": {"type": "object"}
			}
		}`),
		def(IntentListConfig, "Return the user's current tracking configuration.",
			`{"type": "object", "properties": {}}`),
	}
}
