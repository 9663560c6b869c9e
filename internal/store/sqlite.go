// ABOUTME: SQLite implementation of the CryptoStore interface
// ABOUTME: Opens the database, runs embedded migrations and resolves the pickle key

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"
	"tailscale.com/syncs"
	"tailscale.com/util/set"

	"github.com/2389/coven-cryptostore/internal/picklekey"
	"github.com/2389/coven-cryptostore/internal/sessioncache"
)

// DatabaseName is the file name of the store inside its directory
const DatabaseName = "crypto.db"

// DefaultBusyTimeout is how long a statement waits on a locked database file
const DefaultBusyTimeout = 5 * time.Second

// Supported database/sql driver names. DriverSQLite3 requires the binary to
// link github.com/mattn/go-sqlite3.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Pickle kinds authenticated with every sealed blob
const (
	kindAccount         = "account"
	kindPrivateIdentity = "private_identity"
	kindSession         = "session"
	kindGroupSession    = "group_session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals
var gooseMu sync.Mutex

// Options configure Open
type Options struct {
	// Passphrase protects the pickle key. Empty selects the fixed fallback key.
	Passphrase string

	// Driver is the database/sql driver name. Defaults to DriverSQLite.
	Driver string

	// KDF are the argon2id parameters used when a new pickle key is wrapped.
	// Zero value selects picklekey.DefaultKDFParams.
	KDF picklekey.KDFParams

	// BusyTimeout defaults to DefaultBusyTimeout.
	BusyTimeout time.Duration

	Logger *slog.Logger
}

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type accountInfo struct {
	id   int64
	keys IdentityKeys
}

// SQLiteStore implements CryptoStore on a single SQLite connection
type SQLiteStore struct {
	db       *sql.DB
	path     string
	userID   id.UserID
	deviceID id.DeviceID
	key      *picklekey.Key
	logger   *slog.Logger

	// conn serializes every use of the single database connection
	conn    syncs.Semaphore
	account syncs.AtomicValue[*accountInfo]

	sessions *sessioncache.Cache[*Session]

	trackedMu sync.RWMutex
	tracked   set.Set[id.UserID]
	dirty     set.Set[id.UserID]
}

var _ CryptoStore = (*SQLiteStore)(nil)

// Open opens (creating if needed) the store for userID/deviceID in dir.
// The schema is migrated and the pickle key resolved before Open returns.
func Open(ctx context.Context, dir string, userID id.UserID, deviceID id.DeviceID, opts Options) (*SQLiteStore, error) {
	if _, _, err := userID.Parse(); err != nil {
		return nil, &MalformedIDError{Kind: "user id", Value: string(userID), Err: err}
	}
	if deviceID == "" {
		return nil, &MalformedIDError{Kind: "device id", Value: ""}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cryptostore")

	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	busyTimeout := opts.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	params := opts.KDF
	if params == (picklekey.KDFParams{}) {
		params = picklekey.DefaultKDFParams
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	path := filepath.Join(dir, DatabaseName)

	dsn, err := dataSourceName(driver, path, busyTimeout)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := newSQLiteStore(db, path, userID, deviceID, picklekey.Fallback(), logger)

	key, err := picklekey.Resolve(ctx, s, userID, deviceID, opts.Passphrase, params)
	if err != nil {
		db.Close()
		if errors.Is(err, picklekey.ErrWrongKeyOrCorrupt) || errors.Is(err, picklekey.ErrUnsupportedFormat) {
			return nil, fmt.Errorf("%w: %w", ErrUnpickling, err)
		}
		return nil, fmt.Errorf("resolving pickle key: %w", err)
	}
	s.key = key

	logger.Info("crypto store opened",
		"path", path,
		"user_id", userID,
		"device_id", deviceID,
		"pickle_mode", key.Mode(),
	)
	return s, nil
}

// newSQLiteStore wraps an already migrated database
func newSQLiteStore(db *sql.DB, path string, userID id.UserID, deviceID id.DeviceID, key *picklekey.Key, logger *slog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:       db,
		path:     path,
		userID:   userID,
		deviceID: deviceID,
		key:      key,
		logger:   logger,
		conn:     syncs.NewSemaphore(1),
		sessions: sessioncache.New(func(s *Session) string { return string(s.SessionID) }),
		tracked:  make(set.Set[id.UserID]),
		dirty:    make(set.Set[id.UserID]),
	}
}

// dataSourceName enables foreign keys on every connection the pool opens
func dataSourceName(driver, path string, busyTimeout time.Duration) (string, error) {
	ms := busyTimeout.Milliseconds()
	switch driver {
	case DriverSQLite:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, ms), nil
	case DriverSQLite3:
		return fmt.Sprintf("file:%s?_foreign_keys=1&_busy_timeout=%d&_journal_mode=WAL", path, ms), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(log.New(io.Discard, "", 0))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// SchemaSQL returns the migration that creates the store schema
func SchemaSQL() ([]byte, error) {
	return migrations.ReadFile("migrations/00001_initial_schema.sql")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// PickleMode reports whether the store runs on a passphrase-protected key
func (s *SQLiteStore) PickleMode() picklekey.Mode {
	return s.key.Mode()
}

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{user: %s, device: %s, path: %s}", s.userID, s.deviceID, s.path)
}

// acquire takes the connection lock, giving up when ctx is done
func (s *SQLiteStore) acquire(ctx context.Context) error {
	if !s.conn.AcquireContext(ctx) {
		return ctx.Err()
	}
	return nil
}

func (s *SQLiteStore) release() {
	s.conn.Release()
}

// currentAccount returns the cached account row id and identity keys
func (s *SQLiteStore) currentAccount() (*accountInfo, error) {
	info := s.account.Load()
	if info == nil {
		return nil, ErrAccountUnset
	}
	return info, nil
}

// withTx runs fn in a transaction. The connection lock must be held.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) seal(kind string, pickle []byte) ([]byte, error) {
	sealed, err := s.key.Seal(kind, pickle)
	if err != nil {
		return nil, fmt.Errorf("sealing %s pickle: %w", kind, err)
	}
	return sealed, nil
}

func (s *SQLiteStore) open(kind string, sealed []byte) ([]byte, error) {
	pickle, err := s.key.Open(kind, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnpickling, kind, err)
	}
	return pickle, nil
}

// nullString converts empty strings to NULL
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
