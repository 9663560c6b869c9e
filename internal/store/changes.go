// ABOUTME: Changeset applier committing a heterogeneous batch in one transaction
// ABOUTME: In-memory caches are only updated after the transaction commits

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SaveChanges applies changes atomically. Steps run in a fixed order:
// account, private identity, sessions, group sessions, new devices, changed
// devices, deleted devices, new identities, changed identities and message
// hashes. Either all of them are committed or none.
func (s *SQLiteStore) SaveChanges(ctx context.Context, changes *Changes) error {
	if changes == nil || changes.IsEmpty() {
		return nil
	}
	if changes.Account != nil {
		if err := s.checkAccountOwner(changes.Account); err != nil {
			return err
		}
	}

	// The account id is fixed for the whole batch. Without a cached account
	// the batch itself must carry one.
	snapshot := s.account.Load()
	if snapshot == nil && changes.Account == nil {
		return ErrAccountUnset
	}

	logger := s.logger.With("changeset", uuid.NewString())

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	var newInfo *accountInfo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		info := snapshot
		if changes.Account != nil {
			accountID, err := s.saveAccount(ctx, tx, changes.Account)
			if err != nil {
				return err
			}
			newInfo = &accountInfo{id: accountID, keys: changes.Account.IdentityKeys}
			if info == nil {
				info = newInfo
			}
		}

		if changes.PrivateIdentity != nil {
			if err := s.savePrivateIdentity(ctx, tx, info.id, changes.PrivateIdentity); err != nil {
				return err
			}
		}

		if err := s.saveSessions(ctx, tx, info, changes.Sessions); err != nil {
			return err
		}

		for _, gs := range changes.GroupSessions {
			if err := s.saveGroupSession(ctx, tx, info.id, gs); err != nil {
				return err
			}
		}

		for _, d := range changes.Devices.New {
			if err := saveDevice(ctx, tx, info.id, d); err != nil {
				return err
			}
		}
		for _, d := range changes.Devices.Changed {
			if err := saveDevice(ctx, tx, info.id, d); err != nil {
				return err
			}
		}
		for _, d := range changes.Devices.Deleted {
			if err := deleteDevice(ctx, tx, info.id, d.UserID, d.DeviceID); err != nil {
				return err
			}
		}

		for _, ident := range changes.Identities.New {
			if err := s.saveIdentity(ctx, tx, info.id, ident); err != nil {
				return err
			}
		}
		for _, ident := range changes.Identities.Changed {
			if err := s.saveIdentity(ctx, tx, info.id, ident); err != nil {
				return err
			}
		}

		for _, h := range changes.MessageHashes {
			if err := saveMessageHash(ctx, tx, info.id, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("changeset rolled back", "error", err)
		return err
	}

	if newInfo != nil {
		s.account.Store(newInfo)
	}
	s.cacheSessions(changes.Sessions)

	logger.Debug("committed changeset",
		"account", changes.Account != nil,
		"sessions", len(changes.Sessions),
		"group_sessions", len(changes.GroupSessions),
		"devices_new", len(changes.Devices.New),
		"devices_changed", len(changes.Devices.Changed),
		"devices_deleted", len(changes.Devices.Deleted),
		"identities", len(changes.Identities.New)+len(changes.Identities.Changed),
		"message_hashes", len(changes.MessageHashes),
	)
	return nil
}

func saveMessageHash(ctx context.Context, q dbtx, accountID int64, h MessageHash) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO olm_hashes (account_id, sender_key, hash) VALUES (?, ?, ?)
		ON CONFLICT (account_id, sender_key, hash) DO NOTHING
	`, accountID, h.SenderKey, h.Hash)
	if err != nil {
		return fmt.Errorf("saving message hash: %w", err)
	}
	return nil
}
