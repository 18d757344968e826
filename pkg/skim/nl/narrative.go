package nl

import (
	"context"
	"encoding/json"

	"github.com/skimbot/skim/pkg/skim/digest"
)

// digestSystemPrompt instructs the model to summarize only what it is given.
const digestSystemPrompt = `You write concise daily chat digests. You receive a JSON payload with the
user's timezone, their tracked events, and pre-classified mentions,
broadcasts, and unanswered questions. Respond with a single JSON object:
{"overview": string, "mentions_me": [{"text","source","author","ts"}],
"broadcasts": [...], "unanswered_questions": [...],
"suggested_actions": [{"priority","action","rationale"}]}.
Use only the payload. Do not invent events. Keep the overview under three
sentences. Priorities are "high", "med", or "low".`

// GenerateDigest asks the model for narrative digest content. A response
// that cannot be parsed falls back to an empty digest so delivery still
// happens; only transport failures surface as errors.
func (c *Client) GenerateDigest(ctx context.Context, req digest.NarrativeRequest) (digest.Content, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return digest.Content{}, err
	}

	temp := 0.2
	resp, err := c.complete(ctx, chatRequest{
		Model:          c.cfg.DigestModel,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    &temp,
		Messages: []chatMessage{
			{Role: "system", Content: digestSystemPrompt},
			{Role: "user", Content: "Build the daily digest from this payload JSON only."},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return digest.Content{}, err
	}

	var content digest.Content
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &content); err != nil {
		c.logger.Error("unparseable digest response, using fallback", "error", err)
		return digest.FallbackContent(), nil
	}
	return content, nil
}
