package digest

import (
	"fmt"
	"testing"

	"github.com/skimbot/skim/pkg/skim/store"
)

func makeEvent(body, ts string, opts ...func(*store.Event)) *store.Event {
	e := &store.Event{
		TeamID:   "T1",
		SourceID: "C123",
		SourceTS: ts,
		Author:   "U2",
		Body:     body,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func inThread(threadTS string) func(*store.Event) {
	return func(e *store.Event) { e.ThreadTS = threadTS }
}

func inSource(sourceID string) func(*store.Event) {
	return func(e *store.Event) { e.SourceID = sourceID }
}

func TestClassifyCategories(t *testing.T) {
	events := []*store.Event{
		makeEvent("Hello <@U1>", "1.0"),
		makeEvent("<!here> deployment now", "2.0"),
		makeEvent("Can someone review?", "3.0"),
	}

	c := Classify(events, "U1")

	if len(c.Mentions) != 1 || c.Mentions[0].SourceTS != "1.0" {
		t.Errorf("mentions = %d, want the <@U1> event", len(c.Mentions))
	}
	if len(c.Broadcasts) != 1 || c.Broadcasts[0].SourceTS != "2.0" {
		t.Errorf("broadcasts = %d, want the <!here> event", len(c.Broadcasts))
	}
	if len(c.QuestionCandidates) != 1 || c.QuestionCandidates[0].SourceTS != "3.0" {
		t.Errorf("question candidates = %d, want the review question", len(c.QuestionCandidates))
	}
}

func TestClassifyMentionNeedsExactToken(t *testing.T) {
	events := []*store.Event{
		makeEvent("ping <@U10> please", "1.0"),
	}
	c := Classify(events, "U1")
	if len(c.Mentions) != 0 {
		t.Errorf("mention of U10 should not count for U1")
	}
}

func TestIsQuestionCandidate(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{"Is this done?", true},
		{"  where did the logs go", true},
		{"WHAT happened", true},
		{"can someone take a look", true},
		{"all good, shipping it", false},
		// "however" starts with "how"; the prefix heuristic accepts it.
		{"however we proceed, fine", true},
	}
	for _, tc := range cases {
		if got := IsQuestionCandidate(tc.body); got != tc.want {
			t.Errorf("IsQuestionCandidate(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}

func TestUnansweredThreadStarterWithoutReplies(t *testing.T) {
	starter := makeEvent("Question one?", "10.0", inThread("10.0"))

	c := Classify([]*store.Event{starter}, "U1")

	if len(c.Unanswered) != 1 || c.Unanswered[0] != starter {
		t.Fatalf("thread starter with no replies should be unanswered, got %d", len(c.Unanswered))
	}
}

func TestUnansweredThreadStarterWithReply(t *testing.T) {
	starter := makeEvent("Question one?", "10.0", inThread("10.0"))
	reply := makeEvent("answered here", "310.0", inThread("10.0"))

	c := Classify([]*store.Event{starter, reply}, "U1")

	if len(c.Unanswered) != 0 {
		t.Fatalf("thread starter with a reply should not be unanswered")
	}
}

func TestUnansweredStandaloneQuickFollowUp(t *testing.T) {
	q := makeEvent("Any update?", "20.0")
	reply := makeEvent("Yes here", "20.1")

	c := Classify([]*store.Event{q, reply}, "U1")

	for _, e := range c.Unanswered {
		if e == q {
			t.Fatalf("question with a 6s follow-up should count as answered")
		}
	}
}

func TestUnansweredStandaloneNoFollowUp(t *testing.T) {
	q := makeEvent("Any update?", "20.0")

	c := Classify([]*store.Event{q}, "U1")

	if len(c.Unanswered) != 1 || c.Unanswered[0] != q {
		t.Fatalf("question with no follow-up at all should be unanswered")
	}
}

func TestUnansweredStandaloneLateFollowUp(t *testing.T) {
	// The only follow-up arrives 30 minutes later, outside the 20-minute
	// answer window.
	q := makeEvent("Any update?", "1000.0")
	late := makeEvent("sorry, just saw this", "2800.0")

	c := Classify([]*store.Event{q, late}, "U1")

	if len(c.Unanswered) != 1 || c.Unanswered[0] != q {
		t.Fatalf("question with only a late follow-up should be unanswered")
	}
}

func TestUnansweredManyLateFollowUps(t *testing.T) {
	// Several follow-ups, all outside the answer window.
	events := []*store.Event{makeEvent("Any update?", "0.0")}
	for i := 1; i <= 5; i++ {
		ts := fmt.Sprintf("%d.0", i*2000)
		events = append(events, makeEvent("unrelated", ts))
	}

	c := Classify(events, "U1")

	if len(c.Unanswered) != 1 {
		t.Fatalf("question should be unanswered when no answer lands in the next 5 events")
	}
}

func TestUnansweredSeparateSources(t *testing.T) {
	// A quick reply in a different source does not answer the question.
	q := makeEvent("Any update?", "20.0", inSource("C-a"))
	otherSource := makeEvent("Yes here", "20.1", inSource("C-b"))

	c := Classify([]*store.Event{q, otherSource}, "U1")

	if len(c.Unanswered) != 1 || c.Unanswered[0] != q {
		t.Fatalf("reply in another source should not answer the question")
	}
}

func TestUnansweredSortsByEventTimeNotInputOrder(t *testing.T) {
	// The reply is listed first but timestamped after the question; the
	// heuristic sorts chronologically before applying the window.
	reply := makeEvent("Yes here", "20.1")
	q := makeEvent("Any update?", "20.0")

	c := Classify([]*store.Event{reply, q}, "U1")

	for _, e := range c.Unanswered {
		if e == q {
			t.Fatalf("chronological sort should let the later reply answer the question")
		}
	}
}
