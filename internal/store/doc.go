// Package store provides persistent storage for end-to-end encryption state
// using SQLite.
//
// # Architecture
//
// A store belongs to exactly one local account (user + device). Open creates
// the database file <dir>/crypto.db, applies the embedded goose migrations and
// resolves the pickle key (see package picklekey). Every other operation is
// scoped by the account row, which becomes available after SaveAccount or
// LoadAccount; calling a per-account operation earlier returns ErrAccountUnset.
//
// SQLiteStore implements CryptoStore:
//
//   - Account and PrivateIdentity: the local Olm account and its private
//     cross-signing material
//   - Session: pairwise Olm sessions, cached per sender key
//   - GroupSession: inbound Megolm sessions with claimed keys and forwarding chain
//   - Device: known devices with algorithms, keys and signatures
//   - UserIdentity: public cross-signing identities
//   - tracked users, key/value settings and the message replay guard
//
// # Pickles
//
// Account, private identity, session and group session pickles are opaque to
// the store. They are sealed with the pickle key before they are written and
// opened on load; a blob that fails to open yields ErrUnpickling.
//
// # Concurrency
//
// The database runs on a single connection guarded by a semaphore. All
// statements of one call share that connection, so helpers take a dbtx
// (either *sql.DB or *sql.Tx) and never acquire the semaphore themselves.
// Result sets are read fully and closed before child rows are queried.
//
// # Changesets
//
// SaveChanges writes a batch of accounts, sessions, devices, identities and
// message hashes in one transaction. The session cache and the cached account
// only change once the transaction has committed.
//
// # Error Handling
//
// Single lookups return ErrNotFound. Bulk loads skip rows that fail to decode
// and log a warning. Identities that fail the structural check return
// ErrIdentityIntegrity.
package store
