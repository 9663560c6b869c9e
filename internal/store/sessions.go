// ABOUTME: Pairwise Olm session persistence behind the per-sender-key session cache
// ABOUTME: Loads sessions lazily and appends saved sessions only after commit

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/sessioncache"
)

// GetSessions returns the cached session list for senderKey, loading it from
// storage on first use. Returns nil when no session is known for the key.
func (s *SQLiteStore) GetSessions(ctx context.Context, senderKey id.SenderKey) (*sessioncache.List[*Session], error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}
	if l := s.sessions.Get(string(senderKey)); l != nil {
		return l, nil
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	return s.hydrateSessions(ctx, s.db, info, senderKey)
}

// SaveSessions persists sessions and appends them to the cache. Each sender
// key is hydrated from storage first so sessions saved by an earlier process
// are not hidden behind a cache holding only the new ones.
func (s *SQLiteStore) SaveSessions(ctx context.Context, sessions []*Session) error {
	if len(sessions) == 0 {
		return nil
	}
	info, err := s.currentAccount()
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return s.saveSessions(ctx, tx, info, sessions)
	})
	if err != nil {
		return err
	}

	s.cacheSessions(sessions)
	s.logger.Debug("saved sessions", "count", len(sessions))
	return nil
}

// saveSessions hydrates every sender key of the batch before writing, so the
// cache never picks up rows of the still uncommitted transaction.
func (s *SQLiteStore) saveSessions(ctx context.Context, q dbtx, info *accountInfo, sessions []*Session) error {
	for _, sess := range sessions {
		if _, err := s.hydrateSessions(ctx, q, info, sess.SenderKey); err != nil {
			return err
		}
	}
	for _, sess := range sessions {
		if err := s.saveSession(ctx, q, info.id, sess); err != nil {
			return err
		}
	}
	return nil
}

// cacheSessions appends committed sessions to the cache
func (s *SQLiteStore) cacheSessions(sessions []*Session) {
	for _, sess := range sessions {
		s.sessions.Add(string(sess.SenderKey), sess)
	}
}

func (s *SQLiteStore) saveSession(ctx context.Context, q dbtx, accountID int64, sess *Session) error {
	pickle, err := s.seal(kindSession, sess.Pickle)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO sessions (session_id, account_id, creation_time, last_use_time, sender_key, pickle)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			account_id = excluded.account_id,
			creation_time = excluded.creation_time,
			last_use_time = excluded.last_use_time,
			sender_key = excluded.sender_key,
			pickle = excluded.pickle
	`,
		string(sess.SessionID),
		accountID,
		formatTime(sess.CreationTime),
		formatTime(sess.LastUseTime),
		string(sess.SenderKey),
		pickle,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.SessionID, err)
	}
	return nil
}

// hydrateSessions loads the sessions for senderKey into the cache unless they
// are already cached. The connection lock must be held.
func (s *SQLiteStore) hydrateSessions(ctx context.Context, q dbtx, info *accountInfo, senderKey id.SenderKey) (*sessioncache.List[*Session], error) {
	if l := s.sessions.Get(string(senderKey)); l != nil {
		return l, nil
	}

	loaded, err := s.loadSessions(ctx, q, info, senderKey)
	if err != nil {
		return nil, err
	}
	return s.sessions.Fill(string(senderKey), loaded), nil
}

type sessionRow struct {
	sessionID    string
	creationTime string
	lastUseTime  string
	pickle       []byte
}

func (s *SQLiteStore) loadSessions(ctx context.Context, q dbtx, info *accountInfo, senderKey id.SenderKey) ([]*Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT session_id, creation_time, last_use_time, pickle
		FROM sessions
		WHERE account_id = ? AND sender_key = ?
		ORDER BY rowid
	`, info.id, string(senderKey))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var raw []sessionRow
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.sessionID, &r.creationTime, &r.lastUseTime, &r.pickle); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(raw))
	for _, r := range raw {
		sess, err := s.decodeSession(r, senderKey, info.keys)
		if err != nil {
			s.logger.Warn("skipping malformed session", "session_id", r.sessionID, "sender_key", senderKey, "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *SQLiteStore) decodeSession(r sessionRow, senderKey id.SenderKey, keys IdentityKeys) (*Session, error) {
	sessionID, err := parseSessionID(r.sessionID)
	if err != nil {
		return nil, err
	}
	created, err := parseTime(r.creationTime)
	if err != nil {
		return nil, fmt.Errorf("parsing creation time: %w", err)
	}
	lastUse, err := parseTime(r.lastUseTime)
	if err != nil {
		return nil, fmt.Errorf("parsing last use time: %w", err)
	}
	pickle, err := s.open(kindSession, r.pickle)
	if err != nil {
		return nil, err
	}

	return &Session{
		SessionID:    sessionID,
		SenderKey:    senderKey,
		CreationTime: created,
		LastUseTime:  lastUse,
		Pickle:       pickle,
		AccountKeys:  keys,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
