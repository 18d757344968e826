package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// User is a tenant-scoped recipient, identified by (team, user).
type User struct {
	ID               int64
	TeamID           string
	UserID           string
	Timezone         string
	DigestTimeLocal  string // "HH:MM" in the user's local timezone.
	LastDigestSentAt *time.Time
}

// Preferences holds per-user digest section toggles and tracking limits.
type Preferences struct {
	IncludeOverview   bool
	IncludeMentions   bool
	IncludeBroadcasts bool
	IncludeUnanswered bool
	IncludeActions    bool
	MaxSources        int
	CustomRules       string // opaque JSON blob
}

// Subscription ties a user to a source (channel/conversation).
// Disabling is a soft delete: the row stays, enabled flips to 0.
type Subscription struct {
	SourceID       string
	Enabled        bool
	PriorityWeight int
}

// SectionUpdate carries optional preference changes; nil fields are left as-is.
type SectionUpdate struct {
	IncludeOverview   *bool
	IncludeMentions   *bool
	IncludeBroadcasts *bool
	IncludeUnanswered *bool
	IncludeActions    *bool
	CustomRules       *string
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// GetOrCreateUser loads a user by (team, user), creating the row and its
// default preferences on first contact. A non-empty timezone updates the
// stored one.
func (s *Store) GetOrCreateUser(teamID, userID, timezone string) (*User, error) {
	u, err := s.GetUser(teamID, userID)
	if err != nil {
		return nil, err
	}
	if u != nil {
		if timezone != "" && u.Timezone != timezone {
			if _, err := s.db.Exec(
				"UPDATE users SET timezone = ?, updated_at = ? WHERE id = ?",
				timezone, formatTime(time.Now()), u.ID); err != nil {
				return nil, fmt.Errorf("update user timezone: %w", err)
			}
			u.Timezone = timezone
		}
		return u, nil
	}

	res, err := s.db.Exec(
		"INSERT INTO users (team_id, user_id, timezone) VALUES (?, ?, ?)",
		teamID, userID, timezone)
	if err != nil {
		// Lost an insert race with a concurrent caller; the winner's row
		// is authoritative.
		if isUniqueViolation(err) {
			return s.GetUser(teamID, userID)
		}
		return nil, fmt.Errorf("create user %s/%s: %w", teamID, userID, err)
	}
	id, _ := res.LastInsertId()
	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO preferences (team_id, user_id) VALUES (?, ?)",
		teamID, id); err != nil {
		return nil, fmt.Errorf("create default preferences: %w", err)
	}
	return &User{ID: id, TeamID: teamID, UserID: userID, Timezone: timezone, DigestTimeLocal: "09:00"}, nil
}

// GetUser loads a user by (team, user). Returns nil, nil when absent.
func (s *Store) GetUser(teamID, userID string) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, team_id, user_id, timezone, digest_time_local, last_digest_sent_at
		FROM users WHERE team_id = ? AND user_id = ?`, teamID, userID)

	var u User
	var lastSent sql.NullString
	err := row.Scan(&u.ID, &u.TeamID, &u.UserID, &u.Timezone, &u.DigestTimeLocal, &lastSent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s/%s: %w", teamID, userID, err)
	}
	if lastSent.Valid {
		t := parseTime(lastSent.String)
		u.LastDigestSentAt = &t
	}
	return &u, nil
}

// ListUsers returns every user; used by the scheduler bootstrap after restart.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`
		SELECT id, team_id, user_id, timezone, digest_time_local, last_digest_sent_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var lastSent sql.NullString
		if err := rows.Scan(&u.ID, &u.TeamID, &u.UserID, &u.Timezone, &u.DigestTimeLocal, &lastSent); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if lastSent.Valid {
			t := parseTime(lastSent.String)
			u.LastDigestSentAt = &t
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// SetDigestTime updates the user's local daily digest time ("HH:MM").
func (s *Store) SetDigestTime(u *User, timeLocal string) error {
	if _, err := s.db.Exec(
		"UPDATE users SET digest_time_local = ?, updated_at = ? WHERE id = ?",
		timeLocal, formatTime(time.Now()), u.ID); err != nil {
		return fmt.Errorf("set digest time: %w", err)
	}
	u.DigestTimeLocal = timeLocal
	return nil
}

// SetLastDigestSentAt advances the user's digest watermark.
func (s *Store) SetLastDigestSentAt(u *User, at time.Time) error {
	if _, err := s.db.Exec(
		"UPDATE users SET last_digest_sent_at = ?, updated_at = ? WHERE id = ?",
		formatTime(at), formatTime(time.Now()), u.ID); err != nil {
		return fmt.Errorf("set digest watermark: %w", err)
	}
	t := at
	u.LastDigestSentAt = &t
	return nil
}

// GetPreferences loads the user's preferences, creating defaults if the row
// is somehow missing (preferences are never independently destroyed).
func (s *Store) GetPreferences(u *User) (*Preferences, error) {
	row := s.db.QueryRow(`
		SELECT include_overview, include_mentions, include_broadcasts,
		       include_unanswered, include_actions, max_sources, custom_rules
		FROM preferences WHERE user_id = ?`, u.ID)

	var p Preferences
	err := row.Scan(&p.IncludeOverview, &p.IncludeMentions, &p.IncludeBroadcasts,
		&p.IncludeUnanswered, &p.IncludeActions, &p.MaxSources, &p.CustomRules)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO preferences (team_id, user_id) VALUES (?, ?)",
			u.TeamID, u.ID); err != nil {
			return nil, fmt.Errorf("create preferences: %w", err)
		}
		return s.GetPreferences(u)
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return &p, nil
}

// SetMaxSources updates the enabled-subscription cap.
func (s *Store) SetMaxSources(u *User, max int) error {
	if _, err := s.db.Exec(
		"UPDATE preferences SET max_sources = ?, updated_at = ? WHERE user_id = ?",
		max, formatTime(time.Now()), u.ID); err != nil {
		return fmt.Errorf("set max sources: %w", err)
	}
	return nil
}

// SetPreferences applies the non-nil fields of the update.
func (s *Store) SetPreferences(u *User, upd SectionUpdate) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v *bool) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, boolToInt(*v))
		}
	}
	add("include_overview", upd.IncludeOverview)
	add("include_mentions", upd.IncludeMentions)
	add("include_broadcasts", upd.IncludeBroadcasts)
	add("include_unanswered", upd.IncludeUnanswered)
	add("include_actions", upd.IncludeActions)
	if upd.CustomRules != nil {
		sets = append(sets, "custom_rules = ?")
		args = append(args, *upd.CustomRules)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), u.ID)

	query := "UPDATE preferences SET " + strings.Join(sets, ", ") + " WHERE user_id = ?"
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	return nil
}

// ---------- Subscriptions ----------

// AddSources subscribes the user to the given source IDs. Sources already
// present (enabled or previously disabled) are re-enabled only if adding
// them stays under the cap; the cap counts currently enabled rows. Returns
// the sources added and those skipped (duplicate or over cap).
func (s *Store) AddSources(u *User, sources []string) (added, skipped []string, err error) {
	prefs, err := s.GetPreferences(u)
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin add sources: %w", err)
	}
	defer tx.Rollback()

	var enabledCount int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND enabled = 1",
		u.ID).Scan(&enabledCount); err != nil {
		return nil, nil, fmt.Errorf("count enabled subscriptions: %w", err)
	}

	for _, src := range sources {
		var enabled sql.NullInt64
		err := tx.QueryRow(
			"SELECT enabled FROM subscriptions WHERE user_id = ? AND source_id = ?",
			u.ID, src).Scan(&enabled)
		switch {
		case err == nil && enabled.Int64 == 1:
			// Already tracked.
			skipped = append(skipped, src)
			continue
		case err != nil && err != sql.ErrNoRows:
			return nil, nil, fmt.Errorf("check subscription %q: %w", src, err)
		}

		if enabledCount >= prefs.MaxSources {
			skipped = append(skipped, src)
			continue
		}

		if err == sql.ErrNoRows {
			if _, err := tx.Exec(
				"INSERT INTO subscriptions (team_id, user_id, source_id) VALUES (?, ?, ?)",
				u.TeamID, u.ID, src); err != nil {
				return nil, nil, fmt.Errorf("insert subscription %q: %w", src, err)
			}
		} else {
			if _, err := tx.Exec(
				"UPDATE subscriptions SET enabled = 1, updated_at = ? WHERE user_id = ? AND source_id = ?",
				formatTime(time.Now()), u.ID, src); err != nil {
				return nil, nil, fmt.Errorf("re-enable subscription %q: %w", src, err)
			}
		}
		enabledCount++
		added = append(added, src)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit add sources: %w", err)
	}
	return added, skipped, nil
}

// RemoveSources soft-disables matching active subscriptions and returns the
// ones actually disabled. Unknown or already-inactive sources are simply
// absent from the result.
func (s *Store) RemoveSources(u *User, sources []string) ([]string, error) {
	var removed []string
	for _, src := range sources {
		res, err := s.db.Exec(
			"UPDATE subscriptions SET enabled = 0, updated_at = ? WHERE user_id = ? AND source_id = ? AND enabled = 1",
			formatTime(time.Now()), u.ID, src)
		if err != nil {
			return nil, fmt.Errorf("disable subscription %q: %w", src, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed = append(removed, src)
		}
	}
	return removed, nil
}

// TrackedSources returns the user's enabled source IDs.
func (s *Store) TrackedSources(u *User) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT source_id FROM subscriptions WHERE user_id = ? AND enabled = 1 ORDER BY id",
		u.ID)
	if err != nil {
		return nil, fmt.Errorf("list tracked sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// TrackedSourcesForTeam returns the distinct enabled source IDs across all
// of a team's users; the ingest path uses it to drop untracked traffic early.
func (s *Store) TrackedSourcesForTeam(teamID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT DISTINCT source_id FROM subscriptions WHERE team_id = ? AND enabled = 1",
		teamID)
	if err != nil {
		return nil, fmt.Errorf("list team sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
