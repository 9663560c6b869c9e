// ABOUTME: Cross-signing identity persistence for the own user and other users
// ABOUTME: Checks identities for structural consistency on save and on load

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/id"
)

type crossSigningKeyType int

const (
	keyTypeMaster crossSigningKeyType = iota
	keyTypeSelfSigning
	keyTypeUserSigning
)

func (t crossSigningKeyType) String() string {
	switch t {
	case keyTypeMaster:
		return "master"
	case keyTypeSelfSigning:
		return "self-signing"
	case keyTypeUserSigning:
		return "user-signing"
	default:
		return fmt.Sprintf("crossSigningKeyType(%d)", int(t))
	}
}

// SaveIdentities upserts user identities. The own user's identity must carry
// a user-signing key; for other users it is ignored, as is Verified.
func (s *SQLiteStore) SaveIdentities(ctx context.Context, identities []*UserIdentity) error {
	if len(identities) == 0 {
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
		for _, ident := range identities {
			if err := s.saveIdentity(ctx, tx, info.id, ident); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("saved identities", "count", len(identities))
	return nil
}

func (s *SQLiteStore) saveIdentity(ctx context.Context, q dbtx, accountID int64, ident *UserIdentity) error {
	own := ident.UserID == s.userID
	if err := checkIdentity(ident, own); err != nil {
		return err
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO users (account_id, user_id) VALUES (?, ?)
		ON CONFLICT (account_id, user_id) DO NOTHING
	`, accountID, string(ident.UserID))
	if err != nil {
		return fmt.Errorf("saving user %s: %w", ident.UserID, err)
	}

	var userRowID int64
	err = q.QueryRowContext(ctx, `
		SELECT id FROM users WHERE account_id = ? AND user_id = ?
	`, accountID, string(ident.UserID)).Scan(&userRowID)
	if err != nil {
		return fmt.Errorf("querying user id: %w", err)
	}

	if err := saveCrossSigningKey(ctx, q, userRowID, keyTypeMaster, &ident.MasterKey); err != nil {
		return err
	}
	if err := saveCrossSigningKey(ctx, q, userRowID, keyTypeSelfSigning, &ident.SelfSigningKey); err != nil {
		return err
	}
	if !own {
		return nil
	}

	if err := saveCrossSigningKey(ctx, q, userRowID, keyTypeUserSigning, ident.UserSigningKey); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO users_trust_state (user_id, trusted) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET trusted = excluded.trusted
	`, userRowID, boolToInt(ident.Verified))
	if err != nil {
		return fmt.Errorf("saving own identity trust: %w", err)
	}
	return nil
}

// saveCrossSigningKey replaces the usage, keys and signatures of one key
func saveCrossSigningKey(ctx context.Context, q dbtx, userRowID int64, keyType crossSigningKeyType, key *CrossSigningKey) error {
	usage, err := json.Marshal(key.Usage)
	if err != nil {
		return fmt.Errorf("encoding %s key usage: %w", keyType, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO cross_signing_keys (user_id, key_type, usage) VALUES (?, ?, ?)
		ON CONFLICT (user_id, key_type) DO UPDATE SET usage = excluded.usage
	`, userRowID, int(keyType), string(usage))
	if err != nil {
		return fmt.Errorf("saving %s key: %w", keyType, err)
	}

	var keyRowID int64
	err = q.QueryRowContext(ctx, `
		SELECT id FROM cross_signing_keys WHERE user_id = ? AND key_type = ?
	`, userRowID, int(keyType)).Scan(&keyRowID)
	if err != nil {
		return fmt.Errorf("querying %s key id: %w", keyType, err)
	}

	for _, table := range []string{"user_keys", "user_key_signatures"} {
		if _, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE cross_signing_key = ?", keyRowID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, keyID := range sortedKeys(key.Keys) {
		_, err := q.ExecContext(ctx, `
			INSERT INTO user_keys (cross_signing_key, key_id, key) VALUES (?, ?, ?)
		`, keyRowID, string(keyID), key.Keys[keyID])
		if err != nil {
			return fmt.Errorf("saving %s key material: %w", keyType, err)
		}
	}

	return insertSignatures(ctx, q, "user_key_signatures", "cross_signing_key", keyRowID, key.Signatures)
}

// GetUserIdentity returns the cross-signing identity of userID, or
// ErrNotFound. For the store's own user the user-signing key and the
// verified flag are included.
func (s *SQLiteStore) GetUserIdentity(ctx context.Context, userID id.UserID) (*UserIdentity, error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var userRowID int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM users WHERE account_id = ? AND user_id = ?
	`, info.id, string(userID)).Scan(&userRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	own := userID == s.userID
	ident := &UserIdentity{UserID: userID}

	master, err := loadCrossSigningKey(ctx, s.db, userRowID, userID, keyTypeMaster)
	if err != nil {
		return nil, err
	}
	selfSigning, err := loadCrossSigningKey(ctx, s.db, userRowID, userID, keyTypeSelfSigning)
	if err != nil {
		return nil, err
	}
	ident.MasterKey = *master
	ident.SelfSigningKey = *selfSigning

	if own {
		ident.UserSigningKey, err = loadCrossSigningKey(ctx, s.db, userRowID, userID, keyTypeUserSigning)
		if err != nil {
			return nil, err
		}

		err = s.db.QueryRowContext(ctx, `
			SELECT trusted FROM users_trust_state WHERE user_id = ?
		`, userRowID).Scan(&ident.Verified)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("querying own identity trust: %w", err)
		}
	}

	if err := checkIdentity(ident, own); err != nil {
		s.logger.Error("stored identity failed integrity check", "user_id", userID, "error", err)
		return nil, err
	}
	return ident, nil
}

// loadCrossSigningKey reads one key. A missing key is an integrity fault: the
// user row is only ever written together with its keys.
func loadCrossSigningKey(ctx context.Context, q dbtx, userRowID int64, userID id.UserID, keyType crossSigningKeyType) (*CrossSigningKey, error) {
	var (
		keyRowID int64
		rawUsage string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, usage FROM cross_signing_keys WHERE user_id = ? AND key_type = ?
	`, userRowID, int(keyType)).Scan(&keyRowID, &rawUsage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s has no %s key", ErrIdentityIntegrity, userID, keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s key: %w", keyType, err)
	}

	key := &CrossSigningKey{UserID: userID, Keys: make(map[id.KeyID]string)}
	if err := json.Unmarshal([]byte(rawUsage), &key.Usage); err != nil {
		return nil, fmt.Errorf("decoding %s key usage: %w", keyType, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT key_id, key FROM user_keys WHERE cross_signing_key = ?
	`, keyRowID)
	if err != nil {
		return nil, fmt.Errorf("querying %s key material: %w", keyType, err)
	}
	for rows.Next() {
		var keyID, material string
		if err := rows.Scan(&keyID, &material); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning %s key material: %w", keyType, err)
		}
		parsed, err := parseKeyID(keyID)
		if err != nil {
			rows.Close()
			return nil, err
		}
		key.Keys[parsed] = material
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating %s key material: %w", keyType, err)
	}

	key.Signatures, err = loadSignatures(ctx, q, "user_key_signatures", "cross_signing_key", keyRowID)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// checkIdentity verifies the structure of an identity: every key belongs to
// the user, carries its usage and at least one public key, and the
// self-signing and user-signing keys are signed by the master key. Signatures
// are not verified cryptographically.
func checkIdentity(ident *UserIdentity, own bool) error {
	if own && ident.UserSigningKey == nil {
		return fmt.Errorf("%w: own identity of %s has no user-signing key", ErrIdentityIntegrity, ident.UserID)
	}
	if err := checkCrossSigningKey(ident.UserID, keyTypeMaster, &ident.MasterKey, nil); err != nil {
		return err
	}
	if err := checkCrossSigningKey(ident.UserID, keyTypeSelfSigning, &ident.SelfSigningKey, ident.MasterKey.Keys); err != nil {
		return err
	}
	if own {
		return checkCrossSigningKey(ident.UserID, keyTypeUserSigning, ident.UserSigningKey, ident.MasterKey.Keys)
	}
	return nil
}

func checkCrossSigningKey(owner id.UserID, keyType crossSigningKeyType, key *CrossSigningKey, masterKeys map[id.KeyID]string) error {
	usage := map[crossSigningKeyType]id.CrossSigningUsage{
		keyTypeMaster:      id.XSUsageMaster,
		keyTypeSelfSigning: id.XSUsageSelfSigning,
		keyTypeUserSigning: id.XSUsageUserSigning,
	}[keyType]

	if key.UserID != owner {
		return fmt.Errorf("%w: %s key belongs to %s, not %s", ErrIdentityIntegrity, keyType, key.UserID, owner)
	}
	if !slices.Contains(key.Usage, usage) {
		return fmt.Errorf("%w: %s key of %s lacks %q usage", ErrIdentityIntegrity, keyType, owner, usage)
	}
	if len(key.Keys) == 0 {
		return fmt.Errorf("%w: %s key of %s has no public key", ErrIdentityIntegrity, keyType, owner)
	}
	if masterKeys == nil {
		return nil
	}
	for keyID := range key.Signatures[owner] {
		if _, ok := masterKeys[keyID]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s key of %s is not signed by the master key", ErrIdentityIntegrity, keyType, owner)
}
