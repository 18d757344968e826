// Package scheduler maintains the recurring trigger table: one daily digest
// trigger per user, fired at local wall-clock time in the user's timezone,
// plus one global retention sweep. Built on robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skimbot/skim/pkg/skim/store"
)

// DigestFunc runs one user's digest as of the firing time.
type DigestFunc func(ctx context.Context, teamID, userID string, now time.Time) error

// RetentionFunc hard-deletes events older than the horizon and returns the
// count removed.
type RetentionFunc func(horizon time.Time) (int64, error)

// retentionKey identifies the global retention trigger in the entry table.
const retentionKey = "retention"

// Scheduler owns the in-memory trigger table. The table does not survive a
// restart; Bootstrap re-registers triggers from persisted schedule fields.
type Scheduler struct {
	// entries maps trigger keys ("digest-<team>-<user>", "retention") to
	// live cron entry IDs. Replacement is remove-then-add under mu, so a
	// key never has two live triggers.
	entries map[string]cron.EntryID

	// running tracks triggers currently executing, so a firing never
	// overlaps the previous run of the same trigger.
	running map[string]bool

	cron          *cron.Cron
	digest        DigestFunc
	retention     RetentionFunc
	retentionDays int
	jobTimeout    time.Duration

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Triggers may be registered before Start; they
// begin firing once Start is called.
func New(digest DigestFunc, retention RetentionFunc, retentionDays int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries:       make(map[string]cron.EntryID),
		running:       make(map[string]bool),
		cron:          cron.New(cron.WithLocation(time.UTC)),
		digest:        digest,
		retention:     retention,
		retentionDays: retentionDays,
		jobTimeout:    5 * time.Minute,
		logger:        logger.With("component", "scheduler"),
	}
}

// Start begins firing triggers and registers the daily retention sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.retention != nil {
		s.mu.Lock()
		id, err := s.cron.AddFunc("0 3 * * *", s.runRetention)
		if err == nil {
			s.entries[retentionKey] = id
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("register retention trigger: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"triggers", len(s.cron.Entries()),
		"retention_days", s.retentionDays,
	)
	return nil
}

// Stop shuts the scheduler down, waiting briefly for running jobs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// ScheduleUser registers the recurring digest trigger for (team, user),
// firing daily at timeLocal ("HH:MM") interpreted in the given timezone.
// An unknown or empty timezone falls back to UTC. Re-registering the same
// key replaces the previous trigger; there is never a window with two live
// triggers for one user.
func (s *Scheduler) ScheduleUser(teamID, userID, timezone, timeLocal string) error {
	hour, minute, err := parseClock(timeLocal)
	if err != nil {
		return fmt.Errorf("schedule for %s/%s: %w", teamID, userID, err)
	}

	tz := timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		s.logger.Warn("unknown timezone, falling back to UTC", "timezone", timezone, "user", userID)
		tz = "UTC"
	}

	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, minute, hour)
	key := userKey(teamID, userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.cron.Remove(old)
		delete(s.entries, key)
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.runDigest(key, teamID, userID)
	})
	if err != nil {
		return fmt.Errorf("register trigger %q: %w", key, err)
	}
	s.entries[key] = id

	s.logger.Info("digest trigger registered",
		"team", teamID, "user", userID, "time", timeLocal, "timezone", tz)
	return nil
}

// Bootstrap re-registers one trigger per persisted user. Required on process
// start because the trigger table is in-memory only.
func (s *Scheduler) Bootstrap(users []*store.User) {
	count := 0
	for _, u := range users {
		if err := s.ScheduleUser(u.TeamID, u.UserID, u.Timezone, u.DigestTimeLocal); err != nil {
			s.logger.Warn("skipping user with invalid schedule",
				"team", u.TeamID, "user", u.UserID, "error", err)
			continue
		}
		count++
	}
	s.logger.Info("triggers bootstrapped from storage", "count", count)
}

// TriggerCount returns the number of live triggers, retention included.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ---------- Internal ----------

// runDigest is the job body for a user trigger. Failures are contained here:
// a panic or error in one user's digest never reaches another trigger, and
// the next daily firing is the retry.
func (s *Scheduler) runDigest(key, teamID, userID string) {
	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		s.logger.Warn("skipping trigger, previous run still active", "key", key)
		return
	}
	s.running[key] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("digest job panicked", "key", key, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	if err := s.digest(ctx, teamID, userID, time.Now().UTC()); err != nil {
		s.logger.Error("digest job failed", "key", key, "error", err)
	}
}

// runRetention is the job body for the global retention sweep.
func (s *Scheduler) runRetention() {
	s.mu.Lock()
	if s.running[retentionKey] {
		s.mu.Unlock()
		return
	}
	s.running[retentionKey] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, retentionKey)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("retention job panicked", "panic", r)
		}
	}()

	horizon := time.Now().UTC().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	removed, err := s.retention(horizon)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep completed",
		"removed", removed, "horizon", horizon.Format(time.RFC3339))
}

func userKey(teamID, userID string) string {
	return "digest-" + teamID + "-" + userID
}

// parseClock parses "HH:MM" into hour and minute.
func parseClock(timeLocal string) (int, int, error) {
	parts := strings.SplitN(timeLocal, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", timeLocal)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", timeLocal)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", timeLocal)
	}
	return hour, minute, nil
}
