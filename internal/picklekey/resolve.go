// ABOUTME: Resolves the pickle key for one (user, device) pair at store open time
// ABOUTME: Loads and unwraps a stored key, or generates and persists a new one

package picklekey

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Repository persists encrypted pickle key records.
type Repository interface {
	// LoadPickleKey returns the stored record for the pair, with found=false
	// when none exists.
	LoadPickleKey(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (enc *Encrypted, found bool, err error)
	SavePickleKey(ctx context.Context, userID id.UserID, deviceID id.DeviceID, enc *Encrypted) error
}

// Resolve returns the pickle key for (userID, deviceID).
//
// With an empty passphrase the fallback key is returned and repo is not
// touched. Otherwise a stored record is unwrapped with the passphrase, or a new
// random key is generated, wrapped and saved.
func Resolve(ctx context.Context, repo Repository, userID id.UserID, deviceID id.DeviceID, passphrase string, params KDFParams) (*Key, error) {
	if passphrase == "" {
		return Fallback(), nil
	}

	enc, found, err := repo.LoadPickleKey(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading pickle key: %w", err)
	}
	if found {
		return Decrypt(passphrase, enc)
	}

	key, err := Generate()
	if err != nil {
		return nil, err
	}
	enc, err = key.Encrypt(passphrase, params)
	if err != nil {
		return nil, fmt.Errorf("encrypting pickle key: %w", err)
	}
	if err := repo.SavePickleKey(ctx, userID, deviceID, enc); err != nil {
		return nil, fmt.Errorf("saving pickle key: %w", err)
	}
	return key, nil
}
