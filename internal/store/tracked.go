// ABOUTME: Tracked-user registry mirroring the tracked_users table in memory
// ABOUTME: Keeps the set of followed users and the dirty subset awaiting a key query

package store

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
	"tailscale.com/util/set"
)

// UpdateTrackedUser marks userID as tracked and sets its dirty flag. It
// returns true if the user was not tracked before.
func (s *SQLiteStore) UpdateTrackedUser(ctx context.Context, userID id.UserID, dirty bool) (bool, error) {
	info, err := s.currentAccount()
	if err != nil {
		return false, err
	}
	if _, err := parseUserID(string(userID)); err != nil {
		return false, err
	}

	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracked_users (account_id, user_id, dirty) VALUES (?, ?, ?)
		ON CONFLICT (account_id, user_id) DO UPDATE SET dirty = excluded.dirty
	`, info.id, string(userID), boolToInt(dirty))
	if err != nil {
		return false, fmt.Errorf("saving tracked user: %w", err)
	}

	s.trackedMu.Lock()
	added := !s.tracked.Contains(userID)
	s.tracked.Add(userID)
	if dirty {
		s.dirty.Add(userID)
	} else {
		s.dirty.Delete(userID)
	}
	s.trackedMu.Unlock()

	s.logger.Debug("updated tracked user", "user_id", userID, "dirty", dirty, "new", added)
	return added, nil
}

// IsUserTracked reports whether userID is tracked
func (s *SQLiteStore) IsUserTracked(userID id.UserID) bool {
	s.trackedMu.RLock()
	defer s.trackedMu.RUnlock()
	return s.tracked.Contains(userID)
}

// HasUsersForKeyQuery reports whether any tracked user is dirty
func (s *SQLiteStore) HasUsersForKeyQuery() bool {
	s.trackedMu.RLock()
	defer s.trackedMu.RUnlock()
	return s.dirty.Len() > 0
}

// UsersForKeyQuery returns a copy of the dirty users
func (s *SQLiteStore) UsersForKeyQuery() set.Set[id.UserID] {
	s.trackedMu.RLock()
	defer s.trackedMu.RUnlock()
	return copySet(s.dirty)
}

// TrackedUsers returns a copy of all tracked users
func (s *SQLiteStore) TrackedUsers() set.Set[id.UserID] {
	s.trackedMu.RLock()
	defer s.trackedMu.RUnlock()
	return copySet(s.tracked)
}

// loadTrackedUsers replaces the in-memory sets with the stored rows.
// Rows with malformed user ids are skipped.
func (s *SQLiteStore) loadTrackedUsers(ctx context.Context, q dbtx, accountID int64) error {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, dirty FROM tracked_users WHERE account_id = ?
	`, accountID)
	if err != nil {
		return fmt.Errorf("querying tracked users: %w", err)
	}
	defer rows.Close()

	tracked := make(set.Set[id.UserID])
	dirty := make(set.Set[id.UserID])
	for rows.Next() {
		var (
			raw     string
			isDirty bool
		)
		if err := rows.Scan(&raw, &isDirty); err != nil {
			return fmt.Errorf("scanning tracked user: %w", err)
		}
		userID, err := parseUserID(raw)
		if err != nil {
			s.logger.Warn("skipping malformed tracked user", "user_id", raw, "error", err)
			continue
		}
		tracked.Add(userID)
		if isDirty {
			dirty.Add(userID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating tracked users: %w", err)
	}

	s.trackedMu.Lock()
	s.tracked = tracked
	s.dirty = dirty
	s.trackedMu.Unlock()
	return nil
}

func copySet(src set.Set[id.UserID]) set.Set[id.UserID] {
	out := make(set.Set[id.UserID], src.Len())
	for userID := range src {
		out.Add(userID)
	}
	return out
}
