// ABOUTME: Account registry for the single local account and its private identity
// ABOUTME: Caches the account row id and identity keys used to scope all other tables

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// SaveAccount upserts the local account and caches its row id and identity
// keys. The account must belong to the user and device the store was opened for.
func (s *SQLiteStore) SaveAccount(ctx context.Context, acct *Account) error {
	if err := s.checkAccountOwner(acct); err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	accountID, err := s.saveAccount(ctx, s.db, acct)
	if err != nil {
		return err
	}

	s.account.Store(&accountInfo{id: accountID, keys: acct.IdentityKeys})
	s.logger.Debug("saved account", "user_id", acct.UserID, "device_id", acct.DeviceID)
	return nil
}

func (s *SQLiteStore) checkAccountOwner(acct *Account) error {
	if acct == nil {
		return fmt.Errorf("account is nil")
	}
	if acct.UserID != s.userID || acct.DeviceID != s.deviceID {
		return fmt.Errorf("account %s/%s does not belong to store for %s/%s",
			acct.UserID, acct.DeviceID, s.userID, s.deviceID)
	}
	return nil
}

// saveAccount upserts the account row and returns its id
func (s *SQLiteStore) saveAccount(ctx context.Context, q dbtx, acct *Account) (int64, error) {
	pickle, err := s.seal(kindAccount, acct.Pickle)
	if err != nil {
		return 0, err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO accounts (user_id, device_id, identity_key, signing_key, pickle, shared, uploaded_key_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			signing_key = excluded.signing_key,
			pickle = excluded.pickle,
			shared = excluded.shared,
			uploaded_key_count = excluded.uploaded_key_count
	`,
		string(acct.UserID),
		string(acct.DeviceID),
		string(acct.IdentityKeys.Curve25519),
		string(acct.IdentityKeys.Ed25519),
		pickle,
		boolToInt(acct.Shared),
		acct.UploadedKeyCount,
	)
	if err != nil {
		return 0, fmt.Errorf("saving account: %w", err)
	}

	var accountID int64
	err = q.QueryRowContext(ctx, `
		SELECT id FROM accounts WHERE user_id = ? AND device_id = ?
	`, string(acct.UserID), string(acct.DeviceID)).Scan(&accountID)
	if err != nil {
		return 0, fmt.Errorf("querying account id: %w", err)
	}
	return accountID, nil
}

// LoadAccount reads the local account, caches its row id and identity keys
// and reloads the tracked users. Returns ErrNotFound if no account was saved.
func (s *SQLiteStore) LoadAccount(ctx context.Context) (*Account, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var (
		accountID    int64
		identityKey  string
		signingKey   string
		sealed       []byte
		shared       bool
		uploadedKeys int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identity_key, signing_key, pickle, shared, uploaded_key_count
		FROM accounts
		WHERE user_id = ? AND device_id = ?
	`, string(s.userID), string(s.deviceID)).Scan(&accountID, &identityKey, &signingKey, &sealed, &shared, &uploadedKeys)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	pickle, err := s.open(kindAccount, sealed)
	if err != nil {
		return nil, err
	}

	acct := &Account{
		UserID:           s.userID,
		DeviceID:         s.deviceID,
		IdentityKeys:     IdentityKeys{Curve25519: id.Curve25519(identityKey), Ed25519: id.Ed25519(signingKey)},
		Pickle:           pickle,
		Shared:           shared,
		UploadedKeyCount: uploadedKeys,
	}

	if err := s.loadTrackedUsers(ctx, s.db, accountID); err != nil {
		return nil, err
	}

	s.account.Store(&accountInfo{id: accountID, keys: acct.IdentityKeys})
	s.logger.Debug("loaded account", "user_id", s.userID, "device_id", s.deviceID)
	return acct, nil
}

// AccountKeys returns the identity keys of the cached account
func (s *SQLiteStore) AccountKeys() (IdentityKeys, error) {
	info, err := s.currentAccount()
	if err != nil {
		return IdentityKeys{}, err
	}
	return info.keys, nil
}

// SavePrivateIdentity stores the local user's private cross-signing identity
func (s *SQLiteStore) SavePrivateIdentity(ctx context.Context, pi *PrivateIdentity) error {
	info, err := s.currentAccount()
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if err := s.savePrivateIdentity(ctx, s.db, info.id, pi); err != nil {
		return err
	}
	s.logger.Debug("saved private identity", "user_id", pi.UserID)
	return nil
}

func (s *SQLiteStore) savePrivateIdentity(ctx context.Context, q dbtx, accountID int64, pi *PrivateIdentity) error {
	if pi.UserID != s.userID {
		return fmt.Errorf("private identity for %s does not belong to %s", pi.UserID, s.userID)
	}

	pickle, err := s.seal(kindPrivateIdentity, pi.Pickle)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO private_identities (account_id, user_id, pickle, shared)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, user_id) DO UPDATE SET
			pickle = excluded.pickle,
			shared = excluded.shared
	`, accountID, string(pi.UserID), pickle, boolToInt(pi.Shared))
	if err != nil {
		return fmt.Errorf("saving private identity: %w", err)
	}
	return nil
}

// LoadPrivateIdentity returns the local user's private cross-signing identity,
// or ErrNotFound if none was saved.
func (s *SQLiteStore) LoadPrivateIdentity(ctx context.Context) (*PrivateIdentity, error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var (
		sealed []byte
		shared bool
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT pickle, shared FROM private_identities WHERE account_id = ? AND user_id = ?
	`, info.id, string(s.userID)).Scan(&sealed, &shared)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying private identity: %w", err)
	}

	pickle, err := s.open(kindPrivateIdentity, sealed)
	if err != nil {
		return nil, err
	}
	return &PrivateIdentity{UserID: s.userID, Pickle: pickle, Shared: shared}, nil
}
