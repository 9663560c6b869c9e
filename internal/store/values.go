// ABOUTME: Account-scoped key/value settings and the Olm message replay guard
// ABOUTME: Also reports per-table counts for inspection

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveValue stores value under key, replacing any previous value
func (s *SQLiteStore) SaveValue(ctx context.Context, key, value string) error {
	info, err := s.currentAccount()
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO key_value (account_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (account_id, key) DO UPDATE SET value = excluded.value
	`, info.id, key, value)
	if err != nil {
		return fmt.Errorf("saving value %q: %w", key, err)
	}
	return nil
}

// GetValue returns the value stored under key, or ErrNotFound
func (s *SQLiteStore) GetValue(ctx context.Context, key string) (string, error) {
	info, err := s.currentAccount()
	if err != nil {
		return "", err
	}

	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	var value string
	err = s.db.QueryRowContext(ctx, `
		SELECT value FROM key_value WHERE account_id = ? AND key = ?
	`, info.id, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying value %q: %w", key, err)
	}
	return value, nil
}

// RemoveValue deletes key. Removing a missing key is not an error.
func (s *SQLiteStore) RemoveValue(ctx context.Context, key string) error {
	info, err := s.currentAccount()
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM key_value WHERE account_id = ? AND key = ?
	`, info.id, key); err != nil {
		return fmt.Errorf("removing value %q: %w", key, err)
	}
	return nil
}

// IsMessageKnown reports whether hash was recorded by a changeset
func (s *SQLiteStore) IsMessageKnown(ctx context.Context, hash MessageHash) (bool, error) {
	info, err := s.currentAccount()
	if err != nil {
		return false, err
	}

	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()

	var known bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM olm_hashes WHERE account_id = ? AND sender_key = ? AND hash = ?
		)
	`, info.id, hash.SenderKey, hash.Hash).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("querying message hash: %w", err)
	}
	return known, nil
}

// Stats counts the rows held for the current account
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	stats := &Stats{}
	counts := []struct {
		dest  *int
		query string
	}{
		{&stats.Sessions, "SELECT COUNT(*) FROM sessions WHERE account_id = ?"},
		{&stats.GroupSessions, "SELECT COUNT(*) FROM inbound_group_sessions WHERE account_id = ?"},
		{&stats.Devices, "SELECT COUNT(*) FROM devices WHERE account_id = ?"},
		{&stats.Identities, "SELECT COUNT(*) FROM users WHERE account_id = ?"},
		{&stats.TrackedUsers, "SELECT COUNT(*) FROM tracked_users WHERE account_id = ?"},
		{&stats.DirtyUsers, "SELECT COUNT(*) FROM tracked_users WHERE account_id = ? AND dirty = 1"},
		{&stats.MessageHashes, "SELECT COUNT(*) FROM olm_hashes WHERE account_id = ?"},
		{&stats.Values, "SELECT COUNT(*) FROM key_value WHERE account_id = ?"},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, info.id).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}
	return stats, nil
}
