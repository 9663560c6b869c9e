// ABOUTME: Tests for pickle key sealing, passphrase wrapping and resolution
// ABOUTME: Uses cheap argon2 parameters to keep the suite fast

package picklekey

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

var testParams = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

func TestFallback(t *testing.T) {
	k := Fallback()
	assert.Equal(t, ModeFallback, k.Mode())
	assert.Equal(t, []byte(FallbackPassphrase), k.Raw())
	assert.Equal(t, "fallback", k.Mode().String())
}

func TestNew_RejectsWrongLength(t *testing.T) {
	_, err := New([]byte("short"), ModePassphrase)
	assert.Error(t, err)
}

func TestRaw_ReturnsCopy(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	raw := k.Raw()
	raw[0] ^= 0xff
	assert.NotEqual(t, raw, k.Raw())
}

func TestSealOpen_RoundTrip(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	sealed, err := k.Seal("session", []byte("olm session state"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("olm session state")))

	plain, err := k.Open("session", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("olm session state"), plain)
}

func TestSeal_Deterministic(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	a, err := k.Seal("account", []byte("same"))
	require.NoError(t, err)
	b, err := k.Seal("account", []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := k.Seal("account", []byte("different"))
	require.NoError(t, err)
	assert.NotEqual(t, a[headerSize:headerSize+24], c[headerSize:headerSize+24])
}

func TestOpen_WrongKey(t *testing.T) {
	k1, err := Generate()
	require.NoError(t, err)
	k2, err := Generate()
	require.NoError(t, err)

	sealed, err := k1.Seal("session", []byte("secret"))
	require.NoError(t, err)

	_, err = k2.Open("session", sealed)
	assert.ErrorIs(t, err, ErrWrongKeyOrCorrupt)
}

func TestOpen_WrongKind(t *testing.T) {
	k := Fallback()
	sealed, err := k.Seal("session", []byte("secret"))
	require.NoError(t, err)

	_, err = k.Open("group_session", sealed)
	assert.ErrorIs(t, err, ErrWrongKeyOrCorrupt)
}

func TestOpen_Tampered(t *testing.T) {
	k := Fallback()
	sealed, err := k.Seal("session", []byte("secret"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = k.Open("session", sealed)
	assert.ErrorIs(t, err, ErrWrongKeyOrCorrupt)
}

func TestOpen_UnknownHeader(t *testing.T) {
	k := Fallback()
	sealed, err := k.Seal("session", []byte("secret"))
	require.NoError(t, err)

	sealed[0] = 9
	_, err = k.Open("session", sealed)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = k.Open("session", []byte{1})
	assert.ErrorIs(t, err, ErrWrongKeyOrCorrupt)
}

func TestEncryptDecrypt(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	enc, err := k.Encrypt("correct horse", testParams)
	require.NoError(t, err)
	assert.Equal(t, KDFArgon2id, enc.KDF.Algorithm)
	assert.Equal(t, CipherXChaCha20Poly1305, enc.Cipher.Algorithm)

	got, err := Decrypt("correct horse", enc)
	require.NoError(t, err)
	assert.Equal(t, k.Raw(), got.Raw())
	assert.Equal(t, ModePassphrase, got.Mode())

	_, err = Decrypt("battery staple", enc)
	assert.ErrorIs(t, err, ErrWrongKeyOrCorrupt)
}

func TestDecrypt_RejectsUnknownFormat(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	enc, err := k.Encrypt("pass", testParams)
	require.NoError(t, err)

	bad := *enc
	bad.Version = 7
	_, err = Decrypt("pass", &bad)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	bad = *enc
	bad.KDF.Algorithm = "pbkdf2"
	_, err = Decrypt("pass", &bad)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	bad = *enc
	bad.KDF.Threads = 0
	_, err = Decrypt("pass", &bad)
	assert.ErrorIs(t, err, ErrWrongKeyOrCorrupt)
}

func TestKDFParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultKDFParams.Validate())
	assert.NoError(t, testParams.Validate())
	assert.Error(t, KDFParams{Time: 0, MemoryKiB: 64, Threads: 1}.Validate())
	assert.Error(t, KDFParams{Time: 1, MemoryKiB: 64, Threads: 0}.Validate())
	assert.Error(t, KDFParams{Time: 1, MemoryKiB: 8, Threads: 4}.Validate())
}

type memRepo struct {
	records map[string]*Encrypted
	saves   int
	loadErr error
}

func (r *memRepo) LoadPickleKey(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*Encrypted, bool, error) {
	if r.loadErr != nil {
		return nil, false, r.loadErr
	}
	enc, ok := r.records[string(userID)+"|"+string(deviceID)]
	return enc, ok, nil
}

func (r *memRepo) SavePickleKey(_ context.Context, userID id.UserID, deviceID id.DeviceID, enc *Encrypted) error {
	r.saves++
	r.records[string(userID)+"|"+string(deviceID)] = enc
	return nil
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{records: make(map[string]*Encrypted)}
	alice := id.UserID("@alice:example.org")

	t.Run("no passphrase uses fallback", func(t *testing.T) {
		k, err := Resolve(ctx, repo, alice, "DEVICE", "", testParams)
		require.NoError(t, err)
		assert.Equal(t, ModeFallback, k.Mode())
		assert.Zero(t, repo.saves)
	})

	first, err := Resolve(ctx, repo, alice, "DEVICE", "secret", testParams)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.saves)

	t.Run("second resolve reuses stored key", func(t *testing.T) {
		again, err := Resolve(ctx, repo, alice, "DEVICE", "secret", testParams)
		require.NoError(t, err)
		assert.Equal(t, first.Raw(), again.Raw())
		assert.Equal(t, 1, repo.saves)
	})

	t.Run("wrong passphrase fails", func(t *testing.T) {
		_, err := Resolve(ctx, repo, alice, "DEVICE", "not-secret", testParams)
		assert.ErrorIs(t, err, ErrWrongKeyOrCorrupt)
	})

	t.Run("other device gets its own key", func(t *testing.T) {
		other, err := Resolve(ctx, repo, alice, "OTHER", "secret", testParams)
		require.NoError(t, err)
		assert.NotEqual(t, first.Raw(), other.Raw())
	})

	t.Run("load error propagates", func(t *testing.T) {
		failing := &memRepo{records: map[string]*Encrypted{}, loadErr: errors.New("disk on fire")}
		_, err := Resolve(ctx, failing, alice, "DEVICE", "secret", testParams)
		assert.ErrorContains(t, err, "disk on fire")
	})
}
