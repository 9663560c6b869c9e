// ABOUTME: Tests for atomic changesets against SQLite and a mocked driver
// ABOUTME: Covers full batches, rollback on failure and post-commit caching

package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/picklekey"
)

func TestSaveChanges_Empty(t *testing.T) {
	s := openTestStore(t, t.TempDir(), "")
	ctx := context.Background()

	// No account is needed for a no-op.
	assert.NoError(t, s.SaveChanges(ctx, nil))
	assert.NoError(t, s.SaveChanges(ctx, &Changes{}))
}

func TestSaveChanges_RequiresAccount(t *testing.T) {
	s := openTestStore(t, t.TempDir(), "")

	err := s.SaveChanges(context.Background(), &Changes{
		MessageHashes: []MessageHash{{SenderKey: "k", Hash: "h"}},
	})
	assert.ErrorIs(t, err, ErrAccountUnset)
}

func TestSaveChanges_FullBatch(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	acct := testAccount()
	acct.UploadedKeyCount = 75
	require.NoError(t, s.SaveChanges(ctx, &Changes{
		Account:         acct,
		PrivateIdentity: &PrivateIdentity{UserID: testUser, Pickle: []byte("private")},
		Sessions:        []*Session{testSession("s1", "bob-curve")},
		GroupSessions:   []*GroupSession{testGroupSession("g1", []string{"fwd"})},
		Devices: DeviceChanges{
			New: []*Device{newTestDevice(bob, "BOBPHONE"), newTestDevice(bob, "BOBLAPTOP")},
		},
		Identities:    IdentityChanges{New: []*UserIdentity{testIdentity(testUser, true), testIdentity(bob, false)}},
		MessageHashes: []MessageHash{{SenderKey: "bob-curve", Hash: "h1"}},
	}))

	l, err := s.GetSessions(ctx, "bob-curve")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Len())

	changed := newTestDevice(bob, "BOBPHONE")
	changed.Trust = TrustVerified
	require.NoError(t, s.SaveChanges(ctx, &Changes{
		Devices: DeviceChanges{
			Changed: []*Device{changed},
			Deleted: []*Device{{UserID: bob, DeviceID: "BOBLAPTOP"}},
		},
	}))

	s2 := reopen(t, s, dir)

	loaded, err := s2.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(75), loaded.UploadedKeyCount)

	pi, err := s2.LoadPrivateIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("private"), pi.Pickle)

	devices, err := s2.GetUserDevices(ctx, bob)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, TrustVerified, devices["BOBPHONE"].Trust)

	_, err = s2.GetUserIdentity(ctx, testUser)
	assert.NoError(t, err)
	_, err = s2.GetGroupSession(ctx, testRoom, "bob-curve25519", "g1")
	assert.NoError(t, err)

	known, err := s2.IsMessageKnown(ctx, MessageHash{SenderKey: "bob-curve", Hash: "h1"})
	require.NoError(t, err)
	assert.True(t, known)
}

func TestSaveChanges_AccountOnFreshStore(t *testing.T) {
	s := openTestStore(t, t.TempDir(), "")
	ctx := context.Background()

	require.NoError(t, s.SaveChanges(ctx, &Changes{
		Account:  testAccount(),
		Sessions: []*Session{testSession("s1", "bob-curve")},
	}))

	keys, err := s.AccountKeys()
	require.NoError(t, err)
	assert.Equal(t, testAccount().IdentityKeys, keys)

	l, err := s.GetSessions(ctx, "bob-curve")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, []id.SessionID{"s1"}, sessionIDs(l.Snapshot()))
}

func TestSaveChanges_RollsBackOnFailure(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	broken := testIdentity(bob, false)
	broken.MasterKey.Usage = nil

	err := s.SaveChanges(ctx, &Changes{
		Sessions:      []*Session{testSession("s1", "carol-curve")},
		Devices:       DeviceChanges{New: []*Device{newTestDevice(bob, "BOBPHONE")}},
		Identities:    IdentityChanges{New: []*UserIdentity{broken}},
		MessageHashes: []MessageHash{{SenderKey: "carol-curve", Hash: "h1"}},
	})
	require.ErrorIs(t, err, ErrIdentityIntegrity)

	_, err = s.GetDevice(ctx, bob, "BOBPHONE")
	assert.ErrorIs(t, err, ErrNotFound)

	l, err := s.GetSessions(ctx, "carol-curve")
	require.NoError(t, err)
	assert.Nil(t, l)

	known, err := s.IsMessageKnown(ctx, MessageHash{SenderKey: "carol-curve", Hash: "h1"})
	require.NoError(t, err)
	assert.False(t, known)
}

func TestIsMessageKnown(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	h := MessageHash{SenderKey: "bob-curve", Hash: "abc"}

	known, err := s.IsMessageKnown(ctx, h)
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, s.SaveChanges(ctx, &Changes{MessageHashes: []MessageHash{h}}))
	require.NoError(t, s.SaveChanges(ctx, &Changes{MessageHashes: []MessageHash{h}}))

	s2 := reopen(t, s, dir)
	known, err = s2.IsMessageKnown(ctx, h)
	require.NoError(t, err)
	assert.True(t, known)

	known, err = s2.IsMessageKnown(ctx, MessageHash{SenderKey: "other", Hash: "abc"})
	require.NoError(t, err)
	assert.False(t, known)
}

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newSQLiteStore(db, "", testUser, testDevice, picklekey.Fallback(), logger)
	s.account.Store(&accountInfo{id: 1})
	return s, mock
}

func TestSaveChanges_ExecErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO olm_hashes").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err := s.SaveChanges(context.Background(), &Changes{
		MessageHashes: []MessageHash{{SenderKey: "k", Hash: "h"}},
	})
	assert.ErrorContains(t, err, "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveChanges_CommitFailureLeavesCacheUntouched(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT session_id, creation_time, last_use_time, pickle").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "creation_time", "last_use_time", "pickle"}))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	err := s.SaveChanges(context.Background(), &Changes{
		Sessions: []*Session{testSession("s1", "bob-curve")},
	})
	assert.ErrorContains(t, err, "committing transaction")
	assert.False(t, s.sessions.Has("bob-curve"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
