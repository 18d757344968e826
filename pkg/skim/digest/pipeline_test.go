package digest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/skimbot/skim/pkg/skim/store"
)

type fakeNarrator struct {
	content Content
	err     error
	lastReq NarrativeRequest
	called  int
}

func (f *fakeNarrator) GenerateDigest(ctx context.Context, req NarrativeRequest) (Content, error) {
	f.called++
	f.lastReq = req
	return f.content, f.err
}

type fakeDeliverer struct {
	dmErr    error
	sendErr  error
	sentTo   string
	sentText string
	sent     []Block
	sends    int
}

func (f *fakeDeliverer) OpenDM(ctx context.Context, userID string) (string, error) {
	if f.dmErr != nil {
		return "", f.dmErr
	}
	return "D-" + userID, nil
}

func (f *fakeDeliverer) SendMessage(ctx context.Context, to, text string, blocks []Block) error {
	f.sends++
	f.sentTo = to
	f.sentText = text
	f.sent = blocks
	return f.sendErr
}

func newTestPipeline(t *testing.T, n *fakeNarrator, d *fakeDeliverer) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory(nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &Pipeline{Store: s, Narrator: n, Deliverer: d, Logger: slog.Default()}, s
}

func seedUserWithEvent(t *testing.T, s *store.Store, arrivedAt time.Time) *store.User {
	t.Helper()
	u, err := s.GetOrCreateUser("T1", "U1", "UTC")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, _, err := s.AddSources(u, []string{"C1"}); err != nil {
		t.Fatalf("add source: %v", err)
	}
	key := store.EventKey{TeamID: "T1", SourceID: "C1", SourceTS: "100.0"}
	if _, err := s.UpsertEvent(key, "U2", "Can someone check <@U1>?", "", "", arrivedAt); err != nil {
		t.Fatalf("upsert event: %v", err)
	}
	return u
}

func TestPipelineRunDeliversAndAdvancesWatermark(t *testing.T) {
	narrator := &fakeNarrator{content: Content{Overview: "One question for you."}}
	deliverer := &fakeDeliverer{}
	p, s := newTestPipeline(t, narrator, deliverer)

	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	seedUserWithEvent(t, s, now.Add(-2*time.Hour))

	if err := p.Run(context.Background(), "T1", "U1", now); err != nil {
		t.Fatalf("run: %v", err)
	}

	if narrator.called != 1 {
		t.Errorf("narrator called %d times", narrator.called)
	}
	if len(narrator.lastReq.Events) != 1 || len(narrator.lastReq.Mentions) != 1 {
		t.Errorf("narrative request missing the window event: %+v", narrator.lastReq)
	}
	if deliverer.sentTo != "D-U1" || deliverer.sentText != "Daily digest ready." {
		t.Errorf("delivery target/text = %q / %q", deliverer.sentTo, deliverer.sentText)
	}
	if !strings.Contains(joinBlocks(deliverer.sent), "One question for you.") {
		t.Errorf("delivered blocks missing the overview:\n%s", joinBlocks(deliverer.sent))
	}

	u, err := s.GetUser("T1", "U1")
	if err != nil {
		t.Fatalf("re-load user: %v", err)
	}
	if u.LastDigestSentAt == nil || !u.LastDigestSentAt.Equal(now) {
		t.Errorf("watermark = %v, want %v", u.LastDigestSentAt, now)
	}
}

func TestPipelineRunWindowStartsAtWatermark(t *testing.T) {
	narrator := &fakeNarrator{content: Content{Overview: "quiet"}}
	deliverer := &fakeDeliverer{}
	p, s := newTestPipeline(t, narrator, deliverer)

	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	u := seedUserWithEvent(t, s, now.Add(-2*time.Hour))
	// Watermark after the event: the next run must not re-digest it.
	if err := s.SetLastDigestSentAt(u, now.Add(-time.Hour)); err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	if err := p.Run(context.Background(), "T1", "U1", now); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(narrator.lastReq.Events) != 0 {
		t.Errorf("events before the watermark leaked into the window: %+v", narrator.lastReq.Events)
	}
}

func TestPipelineRunUnknownUserIsNoOp(t *testing.T) {
	narrator := &fakeNarrator{}
	deliverer := &fakeDeliverer{}
	p, _ := newTestPipeline(t, narrator, deliverer)

	if err := p.Run(context.Background(), "T1", "U-gone", time.Now().UTC()); err != nil {
		t.Fatalf("run for unknown user should be silent, got %v", err)
	}
	if narrator.called != 0 || deliverer.sends != 0 {
		t.Errorf("unknown user must not reach narration or delivery")
	}
}

func TestPipelineRunNarratorFailureAborts(t *testing.T) {
	narrator := &fakeNarrator{err: errors.New("model unavailable")}
	deliverer := &fakeDeliverer{}
	p, s := newTestPipeline(t, narrator, deliverer)

	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	seedUserWithEvent(t, s, now.Add(-2*time.Hour))

	if err := p.Run(context.Background(), "T1", "U1", now); err == nil {
		t.Fatalf("narrator failure should surface as an error")
	}
	if deliverer.sends != 0 {
		t.Errorf("nothing should be delivered on narration failure")
	}
	u, _ := s.GetUser("T1", "U1")
	if u.LastDigestSentAt != nil {
		t.Errorf("watermark must not move on narration failure")
	}
}

func TestPipelineRunOpenDMFailureKeepsWatermark(t *testing.T) {
	narrator := &fakeNarrator{content: Content{Overview: "hi"}}
	deliverer := &fakeDeliverer{dmErr: errors.New("dm closed")}
	p, s := newTestPipeline(t, narrator, deliverer)

	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	seedUserWithEvent(t, s, now.Add(-2*time.Hour))

	if err := p.Run(context.Background(), "T1", "U1", now); err == nil {
		t.Fatalf("OpenDM failure should surface as an error")
	}
	u, _ := s.GetUser("T1", "U1")
	if u.LastDigestSentAt != nil {
		t.Errorf("watermark must not move when no delivery attempt was issued")
	}
}

func TestPipelineRunSendFailureStillAdvancesWatermark(t *testing.T) {
	narrator := &fakeNarrator{content: Content{Overview: "hi"}}
	deliverer := &fakeDeliverer{sendErr: errors.New("rate limited")}
	p, s := newTestPipeline(t, narrator, deliverer)

	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	seedUserWithEvent(t, s, now.Add(-2*time.Hour))

	if err := p.Run(context.Background(), "T1", "U1", now); err != nil {
		t.Fatalf("send failure after issue is logged, not returned: %v", err)
	}
	u, _ := s.GetUser("T1", "U1")
	if u.LastDigestSentAt == nil || !u.LastDigestSentAt.Equal(now) {
		t.Errorf("watermark should advance once the attempt was issued, got %v", u.LastDigestSentAt)
	}
}

func TestPipelineRunUntrackedSourceExcluded(t *testing.T) {
	narrator := &fakeNarrator{content: Content{Overview: "quiet"}}
	deliverer := &fakeDeliverer{}
	p, s := newTestPipeline(t, narrator, deliverer)

	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	u := seedUserWithEvent(t, s, now.Add(-2*time.Hour))
	if _, err := s.RemoveSources(u, []string{"C1"}); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	if err := p.Run(context.Background(), "T1", "U1", now); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(narrator.lastReq.Events) != 0 {
		t.Errorf("events from untracked sources leaked into the window")
	}
}
