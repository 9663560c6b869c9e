// ABOUTME: Device persistence with algorithms, keys and signatures as child rows
// ABOUTME: Saving a device replaces its child rows so removed capabilities are pruned

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"maunium.net/go/mautrix/id"
)

// SaveDevices upserts devices
func (s *SQLiteStore) SaveDevices(ctx context.Context, devices []*Device) error {
	if len(devices) == 0 {
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
		for _, d := range devices {
			if err := saveDevice(ctx, tx, info.id, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("saved devices", "count", len(devices))
	return nil
}

func saveDevice(ctx context.Context, q dbtx, accountID int64, d *Device) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO devices (account_id, user_id, device_id, display_name, trust_state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, user_id, device_id) DO UPDATE SET
			display_name = excluded.display_name,
			trust_state = excluded.trust_state
	`, accountID, string(d.UserID), string(d.DeviceID), nullString(d.DisplayName), int(d.Trust))
	if err != nil {
		return fmt.Errorf("saving device %s/%s: %w", d.UserID, d.DeviceID, err)
	}

	var rowID int64
	err = q.QueryRowContext(ctx, `
		SELECT id FROM devices WHERE account_id = ? AND user_id = ? AND device_id = ?
	`, accountID, string(d.UserID), string(d.DeviceID)).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("querying device id: %w", err)
	}

	for _, table := range []string{"algorithms", "device_keys", "device_signatures"} {
		if _, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE device_id = ?", rowID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, alg := range d.Algorithms {
		_, err := q.ExecContext(ctx, `
			INSERT INTO algorithms (device_id, algorithm) VALUES (?, ?)
			ON CONFLICT (device_id, algorithm) DO NOTHING
		`, rowID, string(alg))
		if err != nil {
			return fmt.Errorf("saving device algorithm: %w", err)
		}
	}

	for _, keyID := range sortedKeys(d.Keys) {
		_, err := q.ExecContext(ctx, `
			INSERT INTO device_keys (device_id, key_id, key) VALUES (?, ?, ?)
		`, rowID, string(keyID), d.Keys[keyID])
		if err != nil {
			return fmt.Errorf("saving device key: %w", err)
		}
	}

	if err := insertSignatures(ctx, q, "device_signatures", "device_id", rowID, d.Signatures); err != nil {
		return err
	}
	return nil
}

// DeleteDevice removes a device and, through cascades, its child rows
func (s *SQLiteStore) DeleteDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	info, err := s.currentAccount()
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if err := deleteDevice(ctx, s.db, info.id, userID, deviceID); err != nil {
		return err
	}
	s.logger.Debug("deleted device", "user_id", userID, "device_id", deviceID)
	return nil
}

func deleteDevice(ctx context.Context, q dbtx, accountID int64, userID id.UserID, deviceID id.DeviceID) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM devices WHERE account_id = ? AND user_id = ? AND device_id = ?
	`, accountID, string(userID), string(deviceID))
	if err != nil {
		return fmt.Errorf("deleting device %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

// GetDevice returns one device, or ErrNotFound
func (s *SQLiteStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var r deviceRow
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, display_name, trust_state
		FROM devices
		WHERE account_id = ? AND user_id = ? AND device_id = ?
	`, info.id, string(userID), string(deviceID)).Scan(&r.id, &r.userID, &r.deviceID, &r.displayName, &r.trust)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}

	d, err := decodeDevice(r)
	if err != nil {
		return nil, err
	}
	if err := loadDeviceChildren(ctx, s.db, r.id, d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetUserDevices returns all devices of userID keyed by device id. Devices
// with malformed stored data are logged and skipped.
func (s *SQLiteStore) GetUserDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*Device, error) {
	info, err := s.currentAccount()
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, display_name, trust_state
		FROM devices
		WHERE account_id = ? AND user_id = ?
		ORDER BY id
	`, info.id, string(userID))
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}

	var raw []deviceRow
	for rows.Next() {
		var r deviceRow
		if err := rows.Scan(&r.id, &r.userID, &r.deviceID, &r.displayName, &r.trust); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		raw = append(raw, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	devices := make(map[id.DeviceID]*Device, len(raw))
	for _, r := range raw {
		d, err := decodeDevice(r)
		if err == nil {
			err = loadDeviceChildren(ctx, s.db, r.id, d)
		}
		if err != nil {
			var malformed *MalformedIDError
			if errors.As(err, &malformed) {
				s.logger.Warn("skipping malformed device", "user_id", r.userID, "device_id", r.deviceID, "error", err)
				continue
			}
			return nil, err
		}
		devices[d.DeviceID] = d
	}
	return devices, nil
}

type deviceRow struct {
	id          int64
	userID      string
	deviceID    string
	displayName sql.NullString
	trust       int
}

func decodeDevice(r deviceRow) (*Device, error) {
	userID, err := parseUserID(r.userID)
	if err != nil {
		return nil, err
	}
	deviceID, err := parseDeviceID(r.deviceID)
	if err != nil {
		return nil, err
	}
	return &Device{
		UserID:      userID,
		DeviceID:    deviceID,
		DisplayName: r.displayName.String,
		Trust:       LocalTrust(r.trust),
	}, nil
}

// loadDeviceChildren fills algorithms, keys and signatures. Returns a
// *MalformedIDError if a stored key or signature id cannot be parsed.
func loadDeviceChildren(ctx context.Context, q dbtx, rowID int64, d *Device) error {
	rows, err := q.QueryContext(ctx, `
		SELECT algorithm FROM algorithms WHERE device_id = ? ORDER BY id
	`, rowID)
	if err != nil {
		return fmt.Errorf("querying device algorithms: %w", err)
	}
	var algorithms []id.Algorithm
	for rows.Next() {
		var alg string
		if err := rows.Scan(&alg); err != nil {
			rows.Close()
			return fmt.Errorf("scanning device algorithm: %w", err)
		}
		algorithms = append(algorithms, id.Algorithm(alg))
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("iterating device algorithms: %w", err)
	}

	rows, err = q.QueryContext(ctx, `
		SELECT key_id, key FROM device_keys WHERE device_id = ?
	`, rowID)
	if err != nil {
		return fmt.Errorf("querying device keys: %w", err)
	}
	keys := make(map[id.DeviceKeyID]string)
	var badKey string
	for rows.Next() {
		var keyID, key string
		if err := rows.Scan(&keyID, &key); err != nil {
			rows.Close()
			return fmt.Errorf("scanning device key: %w", err)
		}
		parsed, err := parseDeviceKeyID(keyID)
		if err != nil {
			badKey = keyID
			continue
		}
		keys[parsed] = key
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("iterating device keys: %w", err)
	}
	if badKey != "" {
		return &MalformedIDError{Kind: "device key id", Value: badKey}
	}

	signatures, err := loadSignatures(ctx, q, "device_signatures", "device_id", rowID)
	if err != nil {
		return err
	}

	d.Algorithms = algorithms
	d.Keys = keys
	d.Signatures = signatures
	return nil
}

// insertSignatures writes a signature map into a child table with columns
// (<parentColumn>, user_id, key_id, signature)
func insertSignatures(ctx context.Context, q dbtx, table, parentColumn string, parentID int64, signatures map[id.UserID]map[id.KeyID]string) error {
	query := "INSERT INTO " + table + " (" + parentColumn + ", user_id, key_id, signature) VALUES (?, ?, ?, ?)"
	for _, signer := range sortedKeys(signatures) {
		byKey := signatures[signer]
		for _, keyID := range sortedKeys(byKey) {
			if _, err := q.ExecContext(ctx, query, parentID, string(signer), string(keyID), byKey[keyID]); err != nil {
				return fmt.Errorf("saving signature in %s: %w", table, err)
			}
		}
	}
	return nil
}

// loadSignatures is the inverse of insertSignatures
func loadSignatures(ctx context.Context, q dbtx, table, parentColumn string, parentID int64) (map[id.UserID]map[id.KeyID]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT user_id, key_id, signature FROM "+table+" WHERE "+parentColumn+" = ?", parentID)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	signatures := make(map[id.UserID]map[id.KeyID]string)
	var malformed error
	for rows.Next() {
		var signer, keyID, signature string
		if err := rows.Scan(&signer, &keyID, &signature); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		userID, err := parseUserID(signer)
		if err != nil {
			malformed = err
			continue
		}
		parsedKeyID, err := parseKeyID(keyID)
		if err != nil {
			malformed = err
			continue
		}
		if signatures[userID] == nil {
			signatures[userID] = make(map[id.KeyID]string)
		}
		signatures[userID][parsedKeyID] = signature
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	if malformed != nil {
		return nil, malformed
	}
	return signatures, nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
