// Package picklekey manages the symmetric key that seals every serialized
// ("pickled") object the crypto store persists.
//
// # Resolution
//
// A store opened with a passphrase owns a random 32-byte key. The key is
// wrapped with XChaCha20-Poly1305 under an argon2id-derived key and saved as a
// versioned JSON record naming its KDF and cipher. A store opened without a
// passphrase uses the fixed FallbackPassphrase key, which is public and
// provides no confidentiality.
//
// # Sealed blobs
//
// Seal output is laid out as:
//
//	version(1) | cipher(1) | nonce(24) | ciphertext+tag
//
// The header and an entity kind are authenticated. Nonces are derived from
// the plaintext with a keyed BLAKE2b MAC, so sealing is deterministic.
package picklekey
