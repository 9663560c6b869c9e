// ABOUTME: Tests for key/value settings, the replay guard and Stats
// ABOUTME: Exercises the account-scoped helper tables

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestValues(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetValue(ctx, "sync_token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveValue(ctx, "sync_token", "s1"))
	require.NoError(t, s.SaveValue(ctx, "sync_token", "s2"))

	s2 := reopen(t, s, dir)
	got, err := s2.GetValue(ctx, "sync_token")
	require.NoError(t, err)
	assert.Equal(t, "s2", got)

	require.NoError(t, s2.RemoveValue(ctx, "sync_token"))
	require.NoError(t, s2.RemoveValue(ctx, "sync_token"))
	_, err = s2.GetValue(ctx, "sync_token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)

	require.NoError(t, s.SaveChanges(ctx, &Changes{
		Sessions:      []*Session{testSession("s1", "bob-curve"), testSession("s2", "bob-curve")},
		GroupSessions: []*GroupSession{testGroupSession("g1", nil)},
		Devices:       DeviceChanges{New: []*Device{newTestDevice(bob, "BOBPHONE")}},
		Identities:    IdentityChanges{New: []*UserIdentity{testIdentity(bob, false)}},
		MessageHashes: []MessageHash{{SenderKey: "bob-curve", Hash: "h1"}},
	}))
	_, err = s.UpdateTrackedUser(ctx, bob, true)
	require.NoError(t, err)
	_, err = s.UpdateTrackedUser(ctx, "@carol:example.org", false)
	require.NoError(t, err)
	require.NoError(t, s.SaveValue(ctx, "k", "v"))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{
		Sessions:      2,
		GroupSessions: 1,
		Devices:       1,
		Identities:    1,
		TrackedUsers:  2,
		DirtyUsers:    1,
		MessageHashes: 1,
		Values:        1,
	}, stats)
}
