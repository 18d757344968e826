package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/skimbot/skim/pkg/skim/store"
)

func noopDigest(ctx context.Context, teamID, userID string, now time.Time) error {
	return nil
}

func noopRetention(horizon time.Time) (int64, error) {
	return 0, nil
}

func TestScheduleUserReplacesNotDuplicates(t *testing.T) {
	s := New(noopDigest, noopRetention, 30, nil)

	if err := s.ScheduleUser("T1", "U1", "UTC", "09:00"); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if err := s.ScheduleUser("T1", "U1", "UTC", "17:30"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if got := s.TriggerCount(); got != 1 {
		t.Errorf("trigger count = %d, want 1 after reschedule", got)
	}
	if got := len(s.cron.Entries()); got != 1 {
		t.Errorf("cron entries = %d, want the replaced trigger only", got)
	}
}

func TestScheduleUserSeparateUsers(t *testing.T) {
	s := New(noopDigest, noopRetention, 30, nil)

	if err := s.ScheduleUser("T1", "U1", "UTC", "09:00"); err != nil {
		t.Fatalf("schedule U1: %v", err)
	}
	if err := s.ScheduleUser("T1", "U2", "UTC", "09:00"); err != nil {
		t.Fatalf("schedule U2: %v", err)
	}
	if err := s.ScheduleUser("T2", "U1", "UTC", "09:00"); err != nil {
		t.Fatalf("schedule T2/U1: %v", err)
	}

	if got := s.TriggerCount(); got != 3 {
		t.Errorf("trigger count = %d, want one per (team, user)", got)
	}
}

func TestScheduleUserUnknownTimezoneFallsBack(t *testing.T) {
	s := New(noopDigest, noopRetention, 30, nil)

	if err := s.ScheduleUser("T1", "U1", "Mars/Olympus_Mons", "09:00"); err != nil {
		t.Fatalf("unknown timezone should fall back to UTC, got %v", err)
	}
	if got := s.TriggerCount(); got != 1 {
		t.Errorf("trigger count = %d, want 1", got)
	}
}

func TestScheduleUserRejectsBadClock(t *testing.T) {
	s := New(noopDigest, noopRetention, 30, nil)

	for _, bad := range []string{"9", "24:00", "12:60", "ab:cd", ""} {
		if err := s.ScheduleUser("T1", "U1", "UTC", bad); err == nil {
			t.Errorf("ScheduleUser(%q) should fail", bad)
		}
	}
	if got := s.TriggerCount(); got != 0 {
		t.Errorf("failed schedules must not register triggers, got %d", got)
	}
}

func TestStartRegistersRetention(t *testing.T) {
	s := New(noopDigest, noopRetention, 30, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if got := s.TriggerCount(); got != 1 {
		t.Errorf("trigger count = %d, want the retention sweep", got)
	}
}

func TestBootstrapRegistersPersistedUsers(t *testing.T) {
	s := New(noopDigest, noopRetention, 30, nil)

	s.Bootstrap([]*store.User{
		{TeamID: "T1", UserID: "U1", Timezone: "UTC", DigestTimeLocal: "09:00"},
		{TeamID: "T1", UserID: "U2", Timezone: "Europe/Berlin", DigestTimeLocal: "08:15"},
		{TeamID: "T1", UserID: "U3", Timezone: "UTC", DigestTimeLocal: "not-a-time"},
	})

	if got := s.TriggerCount(); got != 2 {
		t.Errorf("trigger count = %d, want 2 valid users registered", got)
	}
}

func TestParseClock(t *testing.T) {
	hour, minute, err := parseClock("07:45")
	if err != nil {
		t.Fatalf("parseClock: %v", err)
	}
	if hour != 7 || minute != 45 {
		t.Errorf("parseClock(07:45) = %d:%d", hour, minute)
	}
}
