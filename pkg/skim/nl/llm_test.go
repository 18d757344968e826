package nl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skimbot/skim/pkg/skim/digest"
)

// chatServer returns a completions endpoint that records the last request
// and replies with the given body.
func chatServer(t *testing.T, status int, body string, lastReq *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if lastReq != nil {
			if err := json.NewDecoder(r.Body).Decode(lastReq); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func contentResponse(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestGenerateDigestParsesContent(t *testing.T) {
	var lastReq chatRequest
	srv := chatServer(t, http.StatusOK,
		contentResponse(`{"overview":"Two mentions.","suggested_actions":[{"priority":"high","action":"reply"}]}`),
		&lastReq)

	c := NewClient(Config{BaseURL: srv.URL, DigestModel: "test-model"}, nil)
	content, err := c.GenerateDigest(context.Background(), digest.NarrativeRequest{Timezone: "UTC"})
	if err != nil {
		t.Fatalf("generate digest: %v", err)
	}

	if content.Overview != "Two mentions." {
		t.Errorf("overview = %q", content.Overview)
	}
	if len(content.Actions) != 1 || content.Actions[0].Priority != "high" {
		t.Errorf("actions = %+v", content.Actions)
	}
	if lastReq.Model != "test-model" {
		t.Errorf("request model = %q", lastReq.Model)
	}
	if lastReq.ResponseFormat == nil || lastReq.ResponseFormat.Type != "json_object" {
		t.Errorf("request should force json_object output")
	}
}

func TestGenerateDigestMalformedOutputFallsBack(t *testing.T) {
	srv := chatServer(t, http.StatusOK, contentResponse("sorry, I cannot do JSON today"), nil)

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	content, err := c.GenerateDigest(context.Background(), digest.NarrativeRequest{})
	if err != nil {
		t.Fatalf("malformed model output must not be an error: %v", err)
	}
	if content.Overview != "Summary unavailable." {
		t.Errorf("fallback overview = %q", content.Overview)
	}
}

func TestGenerateDigestTransportFailure(t *testing.T) {
	srv := chatServer(t, http.StatusInternalServerError, `{"error":{"message":"upstream down"}}`, nil)

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	if _, err := c.GenerateDigest(context.Background(), digest.NarrativeRequest{}); err == nil {
		t.Fatalf("transport failure should surface as an error")
	}
}

func TestExtractIntentsMapsToolCalls(t *testing.T) {
	resp := `{
		"choices": [{"message": {"content": "", "tool_calls": [
			{"id": "1", "type": "function",
			 "function": {"name": "add_sources", "arguments": "{\"sources\":[\"#general\"]}"}},
			{"id": "2", "type": "function",
			 "function": {"name": "list_configuration", "arguments": ""}}
		]}}]
	}`
	var lastReq chatRequest
	srv := chatServer(t, http.StatusOK, resp, &lastReq)

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	intents, err := c.ExtractIntents(context.Background(), "track general and show config")
	if err != nil {
		t.Fatalf("extract intents: %v", err)
	}

	if len(intents) != 2 {
		t.Fatalf("intents = %d, want 2", len(intents))
	}
	if intents[0].Name != IntentAddSources {
		t.Errorf("first intent = %q", intents[0].Name)
	}
	var args SourcesArgs
	if err := json.Unmarshal(intents[0].Args, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if len(args.Sources) != 1 || args.Sources[0] != "#general" {
		t.Errorf("args = %+v", args)
	}
	if string(intents[1].Args) != "{}" {
		t.Errorf("empty arguments should normalize to {}, got %q", intents[1].Args)
	}
	if len(lastReq.Tools) == 0 {
		t.Errorf("request should carry tool definitions")
	}
}

func TestExtractIntentsNoToolCalls(t *testing.T) {
	srv := chatServer(t, http.StatusOK, contentResponse("nothing to change"), nil)

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	intents, err := c.ExtractIntents(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("extract intents: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("no tool calls should yield no intents, got %+v", intents)
	}
}
