// ABOUTME: Persistence of passphrase-wrapped pickle keys
// ABOUTME: Implements picklekey.Repository on the pickle_keys table

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/picklekey"
)

var _ picklekey.Repository = (*SQLiteStore)(nil)

// LoadPickleKey returns the encrypted pickle key stored for the pair
func (s *SQLiteStore) LoadPickleKey(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*picklekey.Encrypted, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer s.release()

	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT key FROM pickle_keys WHERE user_id = ? AND device_id = ?
	`, string(userID), string(deviceID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying pickle key: %w", err)
	}

	var enc picklekey.Encrypted
	if err := json.Unmarshal([]byte(raw), &enc); err != nil {
		return nil, false, fmt.Errorf("%w: decoding pickle key record: %w", picklekey.ErrWrongKeyOrCorrupt, err)
	}
	return &enc, true, nil
}

// SavePickleKey stores the encrypted pickle key for the pair
func (s *SQLiteStore) SavePickleKey(ctx context.Context, userID id.UserID, deviceID id.DeviceID, enc *picklekey.Encrypted) error {
	raw, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("encoding pickle key record: %w", err)
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pickle_keys (user_id, device_id, key) VALUES (?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET key = excluded.key
	`, string(userID), string(deviceID), string(raw))
	if err != nil {
		return fmt.Errorf("saving pickle key: %w", err)
	}

	s.logger.Debug("saved pickle key", "user_id", userID, "device_id", deviceID)
	return nil
}
