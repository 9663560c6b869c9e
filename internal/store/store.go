// ABOUTME: CryptoStore interface and data types for end-to-end encryption state
// ABOUTME: Defines accounts, sessions, devices, identities, changesets and store errors

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
	"tailscale.com/util/set"

	"github.com/2389/coven-cryptostore/internal/sessioncache"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAccountUnset is returned by per-account operations called before an
// account has been saved or loaded
var ErrAccountUnset = errors.New("account is not set")

// ErrUnpickling is returned when a stored pickle cannot be opened, either
// because it is corrupt or because the store was opened with the wrong
// passphrase
var ErrUnpickling = errors.New("unpickling failed")

// ErrIdentityIntegrity is returned when a cross-signing identity is internally
// inconsistent. It is a data-integrity fault and never means "no identity".
var ErrIdentityIntegrity = errors.New("identity integrity check failed")

// MalformedIDError reports stored or supplied text that is not a valid
// identifier of the expected kind.
type MalformedIDError struct {
	Kind  string
	Value string
	Err   error
}

func (e *MalformedIDError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s %q: %v", e.Kind, e.Value, e.Err)
	}
	return fmt.Sprintf("malformed %s %q", e.Kind, e.Value)
}

func (e *MalformedIDError) Unwrap() error { return e.Err }

// IdentityKeys are the long-term public keys of an account
type IdentityKeys struct {
	Curve25519 id.Curve25519
	Ed25519    id.Ed25519
}

// Account is the local Olm account. Pickle is the serialized account state
// produced by the crypto layer; the store seals it before writing.
type Account struct {
	UserID           id.UserID
	DeviceID         id.DeviceID
	IdentityKeys     IdentityKeys
	Pickle           []byte
	Shared           bool
	UploadedKeyCount int64
}

// PrivateIdentity is the serialized private cross-signing material of the
// local user
type PrivateIdentity struct {
	UserID id.UserID
	Pickle []byte
	Shared bool
}

// Session is a pairwise Olm session with another device
type Session struct {
	SessionID    id.SessionID
	SenderKey    id.SenderKey
	CreationTime time.Time
	LastUseTime  time.Time
	Pickle       []byte

	// AccountKeys are the identity keys of the owning account. Filled in when
	// sessions are loaded from storage.
	AccountKeys IdentityKeys
}

// GroupSession is an inbound Megolm session
type GroupSession struct {
	SessionID id.SessionID
	SenderKey id.SenderKey
	RoomID    id.RoomID
	Pickle    []byte
	Imported  bool

	// SigningKeys are the keys the sender claimed when the session was shared
	SigningKeys map[id.KeyAlgorithm]string

	// ForwardingChain lists the curve25519 keys the session was forwarded
	// through, oldest first. Empty for sessions received directly.
	ForwardingChain []string
}

// LocalTrust is the trust state the local user assigned to a device
type LocalTrust int

const (
	TrustVerified LocalTrust = iota
	TrustBlackListed
	TrustIgnored
	TrustUnset
)

func (t LocalTrust) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustBlackListed:
		return "blacklisted"
	case TrustIgnored:
		return "ignored"
	case TrustUnset:
		return "unset"
	default:
		return fmt.Sprintf("LocalTrust(%d)", int(t))
	}
}

// Device is another device (or one of our own) known to the client
type Device struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	DisplayName string
	Trust       LocalTrust
	Algorithms  []id.Algorithm
	Keys        map[id.DeviceKeyID]string
	Signatures  map[id.UserID]map[id.KeyID]string
}

// CrossSigningKey is one public key of a user's cross-signing hierarchy
type CrossSigningKey struct {
	UserID     id.UserID
	Usage      []id.CrossSigningUsage
	Keys       map[id.KeyID]string
	Signatures map[id.UserID]map[id.KeyID]string
}

// UserIdentity is a user's public cross-signing identity. The user-signing
// key and the verified flag are only kept for the store's own user.
type UserIdentity struct {
	UserID         id.UserID
	MasterKey      CrossSigningKey
	SelfSigningKey CrossSigningKey
	UserSigningKey *CrossSigningKey
	Verified       bool
}

// MessageHash identifies an already decrypted Olm message
type MessageHash struct {
	SenderKey string
	Hash      string
}

// DeviceChanges groups device mutations of a changeset
type DeviceChanges struct {
	New     []*Device
	Changed []*Device
	Deleted []*Device
}

// IdentityChanges groups identity mutations of a changeset
type IdentityChanges struct {
	New     []*UserIdentity
	Changed []*UserIdentity
}

// Changes is a batch of mutations committed atomically by SaveChanges
type Changes struct {
	Account         *Account
	PrivateIdentity *PrivateIdentity
	Sessions        []*Session
	GroupSessions   []*GroupSession
	Devices         DeviceChanges
	Identities      IdentityChanges
	MessageHashes   []MessageHash
}

// IsEmpty reports whether the changeset carries no mutations
func (c *Changes) IsEmpty() bool {
	return c.Account == nil &&
		c.PrivateIdentity == nil &&
		len(c.Sessions) == 0 &&
		len(c.GroupSessions) == 0 &&
		len(c.Devices.New) == 0 &&
		len(c.Devices.Changed) == 0 &&
		len(c.Devices.Deleted) == 0 &&
		len(c.Identities.New) == 0 &&
		len(c.Identities.Changed) == 0 &&
		len(c.MessageHashes) == 0
}

// Stats summarizes what the store holds for the current account
type Stats struct {
	Sessions      int
	GroupSessions int
	Devices       int
	Identities    int
	TrackedUsers  int
	DirtyUsers    int
	MessageHashes int
	Values        int
}

// CryptoStore defines the persistence operations of the encryption layer
type CryptoStore interface {
	// Account
	SaveAccount(ctx context.Context, acct *Account) error
	LoadAccount(ctx context.Context) (*Account, error)
	AccountKeys() (IdentityKeys, error)
	SavePrivateIdentity(ctx context.Context, pi *PrivateIdentity) error
	LoadPrivateIdentity(ctx context.Context) (*PrivateIdentity, error)

	// Pairwise sessions
	GetSessions(ctx context.Context, senderKey id.SenderKey) (*sessioncache.List[*Session], error)
	SaveSessions(ctx context.Context, sessions []*Session) error

	// Group sessions
	SaveGroupSessions(ctx context.Context, sessions []*GroupSession) error
	GetGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*GroupSession, error)
	GetGroupSessions(ctx context.Context) ([]*GroupSession, error)

	// Devices
	SaveDevices(ctx context.Context, devices []*Device) error
	DeleteDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error)
	GetUserDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*Device, error)

	// Identities
	SaveIdentities(ctx context.Context, identities []*UserIdentity) error
	GetUserIdentity(ctx context.Context, userID id.UserID) (*UserIdentity, error)

	// Tracked users
	UpdateTrackedUser(ctx context.Context, userID id.UserID, dirty bool) (bool, error)
	IsUserTracked(userID id.UserID) bool
	HasUsersForKeyQuery() bool
	UsersForKeyQuery() set.Set[id.UserID]
	TrackedUsers() set.Set[id.UserID]

	// Changesets
	SaveChanges(ctx context.Context, changes *Changes) error

	// Values and replay protection
	SaveValue(ctx context.Context, key, value string) error
	GetValue(ctx context.Context, key string) (string, error)
	RemoveValue(ctx context.Context, key string) error
	IsMessageKnown(ctx context.Context, hash MessageHash) (bool, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
