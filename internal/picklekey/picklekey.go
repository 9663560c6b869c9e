// ABOUTME: Symmetric pickle key used to seal every serialized blob in the crypto store
// ABOUTME: Provides the fallback key, random generation and deterministic tagged sealing

package picklekey

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a raw pickle key in bytes.
const KeySize = 32

// FallbackPassphrase is the fixed, publicly known key used when the store is
// opened without a passphrase. It offers no confidentiality; callers that need
// pickles protected at rest must supply a passphrase.
const FallbackPassphrase = "DEFAULT_PICKLE_PASSPHRASE_123456"

// Sealed blob header.
const (
	sealVersion             byte = 1
	cipherXChaCha20Poly1305 byte = 1
)

const headerSize = 2

const subkeyInfo = "coven-cryptostore pickle subkeys v1"

var (
	// ErrWrongKeyOrCorrupt is returned when a blob or an encrypted key record
	// cannot be opened with the key or passphrase supplied.
	ErrWrongKeyOrCorrupt = errors.New("wrong key or corrupt data")

	// ErrUnsupportedFormat is returned for envelopes with an unknown version,
	// cipher or KDF tag.
	ErrUnsupportedFormat = errors.New("unsupported envelope format")
)

// Mode reports where a pickle key came from.
type Mode int

const (
	// ModeFallback means the fixed FallbackPassphrase key is in use.
	ModeFallback Mode = iota
	// ModePassphrase means a random key unlocked with the caller's passphrase.
	ModePassphrase
)

func (m Mode) String() string {
	switch m {
	case ModeFallback:
		return "fallback"
	case ModePassphrase:
		return "passphrase"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Key is a resolved pickle key. It is safe for concurrent use.
type Key struct {
	raw      []byte
	mode     Mode
	encKey   []byte
	nonceKey []byte
}

// New wraps raw key material. The slice is copied.
func New(raw []byte, mode Mode) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("pickle key must be %d bytes, got %d", KeySize, len(raw))
	}

	k := &Key{
		raw:      append([]byte(nil), raw...),
		mode:     mode,
		encKey:   make([]byte, chacha20poly1305.KeySize),
		nonceKey: make([]byte, 32),
	}

	r := hkdf.New(sha256.New, k.raw, nil, []byte(subkeyInfo))
	if _, err := io.ReadFull(r, k.encKey); err != nil {
		return nil, fmt.Errorf("deriving encryption subkey: %w", err)
	}
	if _, err := io.ReadFull(r, k.nonceKey); err != nil {
		return nil, fmt.Errorf("deriving nonce subkey: %w", err)
	}

	return k, nil
}

// Fallback returns the fixed, non-secret default key.
func Fallback() *Key {
	k, err := New([]byte(FallbackPassphrase), ModeFallback)
	if err != nil {
		// FallbackPassphrase is a compile-time constant of KeySize bytes.
		panic(err)
	}
	return k
}

// Generate creates a fresh random key.
func Generate() (*Key, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating pickle key: %w", err)
	}
	return New(raw, ModePassphrase)
}

// Raw returns a copy of the raw key bytes.
func (k *Key) Raw() []byte {
	return append([]byte(nil), k.raw...)
}

// Mode returns how the key was obtained.
func (k *Key) Mode() Mode {
	return k.mode
}

// Seal encrypts plaintext for storage. kind names the entity the blob belongs
// to and is authenticated, so a blob cannot be replayed into another table.
//
// The nonce is a keyed BLAKE2b MAC over kind and plaintext: sealing the same
// plaintext twice produces identical bytes.
func (k *Key) Seal(kind string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.encKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	mac, err := blake2b.New(chacha20poly1305.NonceSizeX, k.nonceKey)
	if err != nil {
		return nil, fmt.Errorf("creating nonce mac: %w", err)
	}
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write(plaintext)
	nonce := mac.Sum(nil)

	header := []byte{sealVersion, cipherXChaCha20Poly1305}
	out := make([]byte, 0, headerSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additionalData(header, kind)), nil
}

// Open reverses Seal. A blob sealed under another key or kind, or one that was
// modified, returns ErrWrongKeyOrCorrupt.
func (k *Key) Open(kind string, sealed []byte) ([]byte, error) {
	if len(sealed) < headerSize {
		return nil, fmt.Errorf("%w: blob too short", ErrWrongKeyOrCorrupt)
	}
	if sealed[0] != sealVersion || sealed[1] != cipherXChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: version %d cipher %d", ErrUnsupportedFormat, sealed[0], sealed[1])
	}

	aead, err := chacha20poly1305.NewX(k.encKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	body := sealed[headerSize:]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrWrongKeyOrCorrupt)
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(sealed[:headerSize], kind))
	if err != nil {
		return nil, ErrWrongKeyOrCorrupt
	}
	return plaintext, nil
}

func additionalData(header []byte, kind string) []byte {
	ad := make([]byte, 0, len(header)+len(kind))
	ad = append(ad, header...)
	return append(ad, kind...)
}
