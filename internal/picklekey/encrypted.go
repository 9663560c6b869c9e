// ABOUTME: Passphrase wrapping of pickle keys as a versioned, tagged JSON record
// ABOUTME: Uses argon2id for key derivation and XChaCha20-Poly1305 for sealing

package picklekey

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	encryptedVersion = 1

	KDFArgon2id             = "argon2id"
	CipherXChaCha20Poly1305 = "xchacha20-poly1305"

	saltSize = 16
)

var wrapAD = []byte("coven-cryptostore pickle key v1")

// KDFParams are the argon2id cost parameters used when wrapping a new key.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follows the argon2id recommendation of RFC 9106 for
// memory-constrained environments.
var DefaultKDFParams = KDFParams{
	Time:      3,
	MemoryKiB: 64 * 1024,
	Threads:   4,
}

// Validate rejects parameters argon2 cannot run with.
func (p KDFParams) Validate() error {
	if p.Time < 1 {
		return fmt.Errorf("kdf time must be at least 1")
	}
	if p.Threads < 1 {
		return fmt.Errorf("kdf threads must be at least 1")
	}
	if p.MemoryKiB < 8*uint32(p.Threads) {
		return fmt.Errorf("kdf memory must be at least %d KiB for %d threads", 8*uint32(p.Threads), p.Threads)
	}
	return nil
}

// Encrypted is the persisted form of a passphrase-protected pickle key.
type Encrypted struct {
	Version int        `json:"version"`
	KDF     KDFInfo    `json:"kdf"`
	Cipher  CipherInfo `json:"cipher"`
}

// KDFInfo records how the wrapping key was derived.
type KDFInfo struct {
	Algorithm string `json:"algorithm"`
	Salt      []byte `json:"salt"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// CipherInfo records the sealed key.
type CipherInfo struct {
	Algorithm  string `json:"algorithm"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encrypt wraps the key under passphrase.
func (k *Key) Encrypt(passphrase string, params KDFParams) (*Encrypted, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveWrapKey(passphrase, salt, params))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return &Encrypted{
		Version: encryptedVersion,
		KDF: KDFInfo{
			Algorithm: KDFArgon2id,
			Salt:      salt,
			Time:      params.Time,
			MemoryKiB: params.MemoryKiB,
			Threads:   params.Threads,
		},
		Cipher: CipherInfo{
			Algorithm:  CipherXChaCha20Poly1305,
			Nonce:      nonce,
			Ciphertext: aead.Seal(nil, nonce, k.raw, wrapAD),
		},
	}, nil
}

// Decrypt unwraps a key record with passphrase.
func Decrypt(passphrase string, enc *Encrypted) (*Key, error) {
	if enc == nil {
		return nil, fmt.Errorf("%w: empty record", ErrWrongKeyOrCorrupt)
	}
	if enc.Version != encryptedVersion {
		return nil, fmt.Errorf("%w: key record version %d", ErrUnsupportedFormat, enc.Version)
	}
	if enc.KDF.Algorithm != KDFArgon2id {
		return nil, fmt.Errorf("%w: kdf %q", ErrUnsupportedFormat, enc.KDF.Algorithm)
	}
	if enc.Cipher.Algorithm != CipherXChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: cipher %q", ErrUnsupportedFormat, enc.Cipher.Algorithm)
	}

	params := KDFParams{Time: enc.KDF.Time, MemoryKiB: enc.KDF.MemoryKiB, Threads: enc.KDF.Threads}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongKeyOrCorrupt, err)
	}

	aead, err := chacha20poly1305.NewX(deriveWrapKey(passphrase, enc.KDF.Salt, params))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(enc.Cipher.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrWrongKeyOrCorrupt)
	}

	raw, err := aead.Open(nil, enc.Cipher.Nonce, enc.Cipher.Ciphertext, wrapAD)
	if err != nil {
		return nil, ErrWrongKeyOrCorrupt
	}

	return New(raw, ModePassphrase)
}

func deriveWrapKey(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
}
