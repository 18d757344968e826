package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skimbot/skim/pkg/skim/channels"
	"github.com/skimbot/skim/pkg/skim/digest"
	"github.com/skimbot/skim/pkg/skim/nl"
	"github.com/skimbot/skim/pkg/skim/store"
)

// fakeMessenger is an in-memory Messenger for wiring tests.
type fakeMessenger struct {
	events   chan *channels.InboundEvent
	sent     []string
	sentTo   []string
	sources  map[string]string
	timezone string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		events:  make(chan *channels.InboundEvent, 8),
		sources: map[string]string{},
	}
}

func (f *fakeMessenger) Name() string { return "fake" }

func (f *fakeMessenger) Connect(ctx context.Context) error { return nil }

func (f *fakeMessenger) Disconnect() error { return nil }

func (f *fakeMessenger) SendMessage(ctx context.Context, to, text string, blocks []digest.Block) error {
	f.sentTo = append(f.sentTo, to)
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMessenger) OpenDM(ctx context.Context, userID string) (string, error) {
	return "D-" + userID, nil
}

func (f *fakeMessenger) ResolveSource(ctx context.Context, ref string) (string, error) {
	if id, ok := f.sources[ref]; ok {
		return id, nil
	}
	return "", channels.ErrSourceNotFound
}

func (f *fakeMessenger) UserTimezone(ctx context.Context, userID string) (string, error) {
	return f.timezone, nil
}

func (f *fakeMessenger) Events() <-chan *channels.InboundEvent { return f.events }

// intentServer speaks just enough of the completions protocol to return the
// scripted tool calls.
func intentServer(t *testing.T, toolCallsJSON string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":` + toolCallsJSON + `}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBot(t *testing.T, messenger *fakeMessenger, llmURL string) (*Bot, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	llm := nl.NewClient(nl.Config{BaseURL: llmURL}, nil)
	return New(st, messenger, llm, Options{}, nil), st
}

func TestHandleEventIngestsTrackedTraffic(t *testing.T) {
	messenger := newFakeMessenger()
	b, st := newTestBot(t, messenger, "http://unused.invalid")

	u, err := st.GetOrCreateUser("T1", "U1", "UTC")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, _, err := st.AddSources(u, []string{"C1"}); err != nil {
		t.Fatalf("add source: %v", err)
	}

	now := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	b.HandleEvent(context.Background(), &channels.InboundEvent{
		TeamID: "T1", SourceID: "C1", SourceTS: "1.0",
		Author: "U2", Body: "hello tracked", ReceivedAt: now,
	})
	b.HandleEvent(context.Background(), &channels.InboundEvent{
		TeamID: "T1", SourceID: "C-untracked", SourceTS: "2.0",
		Author: "U2", Body: "hello elsewhere", ReceivedAt: now,
	})

	events, err := st.FetchWindow("T1", "U1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("fetch window: %v", err)
	}
	if len(events) != 1 || events[0].Body != "hello tracked" {
		t.Fatalf("window = %+v, want only the tracked event", events)
	}
}

func TestHandleEventDeletionNotice(t *testing.T) {
	messenger := newFakeMessenger()
	b, st := newTestBot(t, messenger, "http://unused.invalid")

	u, err := st.GetOrCreateUser("T1", "U1", "UTC")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, _, err := st.AddSources(u, []string{"C1"}); err != nil {
		t.Fatalf("add source: %v", err)
	}

	now := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	b.HandleEvent(context.Background(), &channels.InboundEvent{
		TeamID: "T1", SourceID: "C1", SourceTS: "1.0",
		Author: "U2", Body: "soon gone", ReceivedAt: now,
	})
	b.HandleEvent(context.Background(), &channels.InboundEvent{
		TeamID: "T1", SourceID: "C1", SourceTS: "1.0",
		Subtype: "message_deleted", Deleted: true, ReceivedAt: now,
	})

	events, err := st.FetchWindow("T1", "U1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("fetch window: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("deleted event leaked into the window: %+v", events)
	}
}

func TestHandleEventConfigurationDM(t *testing.T) {
	srv := intentServer(t, `[
		{"id":"1","type":"function",
		 "function":{"name":"add_sources","arguments":"{\"sources\":[\"#general\"]}"}}
	]`)
	messenger := newFakeMessenger()
	messenger.sources["#general"] = "C100"
	messenger.timezone = "Europe/Berlin"
	b, st := newTestBot(t, messenger, srv.URL)

	b.HandleEvent(context.Background(), &channels.InboundEvent{
		TeamID: "T1", SourceID: "D-U1", SourceTS: "1.0",
		Author: "U1", Body: "please track #general", DM: true,
	})

	if len(messenger.sent) != 1 {
		t.Fatalf("DM should get exactly one reply, got %d", len(messenger.sent))
	}
	if messenger.sentTo[0] != "D-U1" {
		t.Errorf("reply went to %q, want the same DM", messenger.sentTo[0])
	}
	if !strings.Contains(messenger.sent[0], "Added: C100") {
		t.Errorf("reply missing change log:\n%s", messenger.sent[0])
	}

	u, err := st.GetUser("T1", "U1")
	if err != nil || u == nil {
		t.Fatalf("DM should create the user: %v", err)
	}
	if u.Timezone != "Europe/Berlin" {
		t.Errorf("profile timezone not captured, got %q", u.Timezone)
	}
	if got := b.sched.TriggerCount(); got != 1 {
		t.Errorf("trigger count = %d, want the new user's digest trigger", got)
	}
}

func TestHandleEventIgnoresBlankEvents(t *testing.T) {
	messenger := newFakeMessenger()
	b, _ := newTestBot(t, messenger, "http://unused.invalid")

	b.HandleEvent(context.Background(), &channels.InboundEvent{SourceID: "C1"})
	b.HandleEvent(context.Background(), &channels.InboundEvent{TeamID: "T1"})
	b.HandleEvent(context.Background(), &channels.InboundEvent{TeamID: "T1", SourceID: "D-U1", DM: true})

	if len(messenger.sent) != 0 {
		t.Errorf("malformed events must not produce replies: %v", messenger.sent)
	}
}
