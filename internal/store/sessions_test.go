// ABOUTME: Tests for pairwise session persistence and the session cache
// ABOUTME: Covers reopen survival, hydrate-before-append and malformed rows

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func sessionIDs(sessions []*Session) []id.SessionID {
	out := make([]id.SessionID, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.SessionID)
	}
	return out
}

func TestGetSessions_Empty(t *testing.T) {
	s, _ := newTestStore(t)

	l, err := s.GetSessions(context.Background(), "unknown-key")
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.False(t, s.sessions.Has("unknown-key"), "empty result must not be cached")
}

func TestSessions_SurviveReopen(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	const senderKey = id.SenderKey("bob-curve25519")

	var batch []*Session
	var want []id.SessionID
	for i := range 5 {
		sess := testSession(fmt.Sprintf("session-%d", i), senderKey)
		batch = append(batch, sess)
		want = append(want, sess.SessionID)
	}
	require.NoError(t, s.SaveSessions(ctx, batch))
	require.NoError(t, s.SaveSessions(ctx, []*Session{testSession("other", "carol-curve25519")}))

	s2 := reopen(t, s, dir)
	l, err := s2.GetSessions(ctx, senderKey)
	require.NoError(t, err)
	require.NotNil(t, l)

	got := l.Snapshot()
	assert.Equal(t, want, sessionIDs(got))

	first := got[0]
	assert.Equal(t, batch[0].Pickle, first.Pickle)
	assert.True(t, batch[0].CreationTime.Equal(first.CreationTime))
	assert.True(t, batch[0].LastUseTime.Equal(first.LastUseTime))
	assert.Equal(t, testAccount().IdentityKeys, first.AccountKeys)
}

func TestSaveSessions_HydratesBeforeAppend(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	const senderKey = id.SenderKey("bob-curve25519")

	require.NoError(t, s.SaveSessions(ctx, []*Session{testSession("old", senderKey)}))

	// A fresh process starts with an empty cache and saves before reading.
	s2 := reopen(t, s, dir)
	require.NoError(t, s2.SaveSessions(ctx, []*Session{testSession("new", senderKey)}))

	l, err := s2.GetSessions(ctx, senderKey)
	require.NoError(t, err)
	assert.Equal(t, []id.SessionID{"old", "new"}, sessionIDs(l.Snapshot()))
}

func TestSaveSessions_UpdatesInPlace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	const senderKey = id.SenderKey("bob-curve25519")

	require.NoError(t, s.SaveSessions(ctx, []*Session{testSession("a", senderKey), testSession("b", senderKey)}))
	held, err := s.GetSessions(ctx, senderKey)
	require.NoError(t, err)

	updated := testSession("a", senderKey)
	updated.Pickle = []byte("ratcheted")
	require.NoError(t, s.SaveSessions(ctx, []*Session{updated}))

	snap := held.Snapshot()
	assert.Equal(t, []id.SessionID{"a", "b"}, sessionIDs(snap))
	assert.Equal(t, []byte("ratcheted"), snap[0].Pickle)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestGetSessions_SkipsMalformedRows(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	const senderKey = id.SenderKey("bob-curve25519")

	require.NoError(t, s.SaveSessions(ctx, []*Session{testSession("good", senderKey)}))
	info, err := s.currentAccount()
	require.NoError(t, err)

	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, account_id, creation_time, last_use_time, sender_key, pickle)
		VALUES ('bad-time', ?, 'yesterday', 'today', ?, x'00')
	`, info.id, string(senderKey))
	require.NoError(t, err)
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, account_id, creation_time, last_use_time, sender_key, pickle)
		VALUES ('bad-pickle', ?, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z', ?, x'0101deadbeef')
	`, info.id, string(senderKey))
	require.NoError(t, err)

	s2 := reopen(t, s, dir)
	l, err := s2.GetSessions(ctx, senderKey)
	require.NoError(t, err)
	assert.Equal(t, []id.SessionID{"good"}, sessionIDs(l.Snapshot()))
}
