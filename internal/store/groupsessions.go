// ABOUTME: Inbound group session persistence with claimed keys and forwarding chains
// ABOUTME: Child rows are additive; saving never prunes keys or chain entries

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// SaveGroupSessions upserts inbound group sessions
func (s *SQLiteStore) SaveGroupSessions(ctx context.Context, sessions []*GroupSession) error {
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
		for _, gs := range sessions {
			if err := s.saveGroupSession(ctx, tx, info.id, gs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("saved group sessions", "count", len(sessions))
	return nil
}

func (s *SQLiteStore) saveGroupSession(ctx context.Context, q dbtx, accountID int64, gs *GroupSession) error {
	if _, err := parseRoomID(string(gs.RoomID)); err != nil {
		return err
	}

	pickle, err := s.seal(kindGroupSession, gs.Pickle)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO inbound_group_sessions (account_id, session_id, sender_key, room_id, pickle, imported)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, session_id, sender_key) DO UPDATE SET
			room_id = excluded.room_id,
			pickle = excluded.pickle,
			imported = excluded.imported
	`,
		accountID,
		string(gs.SessionID),
		string(gs.SenderKey),
		string(gs.RoomID),
		pickle,
		boolToInt(gs.Imported),
	)
	if err != nil {
		return fmt.Errorf("saving group session %s: %w", gs.SessionID, err)
	}

	var rowID int64
	err = q.QueryRowContext(ctx, `
		SELECT id FROM inbound_group_sessions
		WHERE account_id = ? AND session_id = ? AND sender_key = ?
	`, accountID, string(gs.SessionID), string(gs.SenderKey)).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("querying group session id: %w", err)
	}

	for _, alg := range sortedKeys(gs.SigningKeys) {
		_, err := q.ExecContext(ctx, `
			INSERT INTO group_session_claimed_keys (session_id, algorithm, key)
			VALUES (?, ?, ?)
			ON CONFLICT (session_id, algorithm) DO NOTHING
		`, rowID, string(alg), gs.SigningKeys[alg])
		if err != nil {
			return fmt.Errorf("saving claimed key: %w", err)
		}
	}

	for _, key := range gs.ForwardingChain {
		_, err := q.ExecContext(ctx, `
			INSERT INTO group_session_chains (session_id, key)
			VALUES (?, ?)
			ON CONFLICT (session_id, key) DO NOTHING
		`, rowID, key)
		if err != nil {
			return fmt.Errorf("saving forwarding chain: %w", err)
		}
	}

	return nil
}

// GetGroupSession returns one inbound group session, or ErrNotFound
func (s *SQLiteStore) GetGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*GroupSession, error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var r groupSessionRow
	err = s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender_key, room_id, pickle, imported
		FROM inbound_group_sessions
		WHERE account_id = ? AND room_id = ? AND sender_key = ? AND session_id = ?
	`, info.id, string(roomID), string(senderKey), string(sessionID)).Scan(
		&r.id, &r.sessionID, &r.senderKey, &r.roomID, &r.pickle, &r.imported,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group session: %w", err)
	}

	gs, err := s.decodeGroupSession(r)
	if err != nil {
		return nil, err
	}
	if err := loadGroupSessionChildren(ctx, s.db, r.id, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

// GetGroupSessions returns every inbound group session of the account.
// Sessions that cannot be decoded are logged and skipped.
func (s *SQLiteStore) GetGroupSessions(ctx context.Context) ([]*GroupSession, error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_key, room_id, pickle, imported
		FROM inbound_group_sessions
		WHERE account_id = ?
		ORDER BY id
	`, info.id)
	if err != nil {
		return nil, fmt.Errorf("querying group sessions: %w", err)
	}

	var raw []groupSessionRow
	for rows.Next() {
		var r groupSessionRow
		if err := rows.Scan(&r.id, &r.sessionID, &r.senderKey, &r.roomID, &r.pickle, &r.imported); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning group session: %w", err)
		}
		raw = append(raw, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating group sessions: %w", err)
	}

	sessions := make([]*GroupSession, 0, len(raw))
	for _, r := range raw {
		gs, err := s.decodeGroupSession(r)
		if err != nil {
			s.logger.Warn("skipping malformed group session", "session_id", r.sessionID, "error", err)
			continue
		}
		if err := loadGroupSessionChildren(ctx, s.db, r.id, gs); err != nil {
			return nil, err
		}
		sessions = append(sessions, gs)
	}
	return sessions, nil
}

type groupSessionRow struct {
	id        int64
	sessionID string
	senderKey string
	roomID    string
	pickle    []byte
	imported  bool
}

// decodeGroupSession converts the main row; claimed keys and the forwarding
// chain are loaded separately.
func (s *SQLiteStore) decodeGroupSession(r groupSessionRow) (*GroupSession, error) {
	sessionID, err := parseSessionID(r.sessionID)
	if err != nil {
		return nil, err
	}
	senderKey, err := parseSenderKey(r.senderKey)
	if err != nil {
		return nil, err
	}
	roomID, err := parseRoomID(r.roomID)
	if err != nil {
		return nil, err
	}
	pickle, err := s.open(kindGroupSession, r.pickle)
	if err != nil {
		return nil, err
	}

	return &GroupSession{
		SessionID: sessionID,
		SenderKey: senderKey,
		RoomID:    roomID,
		Pickle:    pickle,
		Imported:  r.imported,
	}, nil
}

func loadGroupSessionChildren(ctx context.Context, q dbtx, rowID int64, gs *GroupSession) error {
	signingKeys, err := loadClaimedKeys(ctx, q, rowID)
	if err != nil {
		return err
	}
	chain, err := loadForwardingChain(ctx, q, rowID)
	if err != nil {
		return err
	}
	gs.SigningKeys = signingKeys
	gs.ForwardingChain = chain
	return nil
}

func loadClaimedKeys(ctx context.Context, q dbtx, sessionRowID int64) (map[id.KeyAlgorithm]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT algorithm, key FROM group_session_claimed_keys WHERE session_id = ?
	`, sessionRowID)
	if err != nil {
		return nil, fmt.Errorf("querying claimed keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[id.KeyAlgorithm]string)
	for rows.Next() {
		var alg, key string
		if err := rows.Scan(&alg, &key); err != nil {
			return nil, fmt.Errorf("scanning claimed key: %w", err)
		}
		keys[id.KeyAlgorithm(alg)] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed keys: %w", err)
	}
	return keys, nil
}

func loadForwardingChain(ctx context.Context, q dbtx, sessionRowID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key FROM group_session_chains WHERE session_id = ? ORDER BY id
	`, sessionRowID)
	if err != nil {
		return nil, fmt.Errorf("querying forwarding chain: %w", err)
	}
	defer rows.Close()

	var chain []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning forwarding chain: %w", err)
		}
		chain = append(chain, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating forwarding chain: %w", err)
	}
	return chain, nil
}
