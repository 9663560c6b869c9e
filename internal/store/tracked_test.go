// ABOUTME: Tests for the tracked-user registry
// ABOUTME: Covers the dirty flag, returned copies and reload from storage

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestUpdateTrackedUser(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	assert.False(t, s.IsUserTracked(bob))
	assert.False(t, s.HasUsersForKeyQuery())

	added, err := s.UpdateTrackedUser(ctx, bob, true)
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, s.IsUserTracked(bob))
	assert.True(t, s.HasUsersForKeyQuery())
	assert.True(t, s.UsersForKeyQuery().Contains(bob))

	added, err = s.UpdateTrackedUser(ctx, bob, false)
	require.NoError(t, err)
	assert.False(t, added, "second update must not report a new user")
	assert.True(t, s.IsUserTracked(bob))
	assert.False(t, s.HasUsersForKeyQuery())
	assert.Equal(t, 0, s.UsersForKeyQuery().Len())
}

func TestUpdateTrackedUser_RejectsMalformed(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.UpdateTrackedUser(context.Background(), "bob", true)
	var malformed *MalformedIDError
	assert.ErrorAs(t, err, &malformed)
	assert.Equal(t, 0, s.TrackedUsers().Len())
}

func TestTrackedUsers_ReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	bob := id.UserID("@bob:example.org")

	_, err := s.UpdateTrackedUser(context.Background(), bob, true)
	require.NoError(t, err)

	tracked := s.TrackedUsers()
	tracked.Delete(bob)
	dirty := s.UsersForKeyQuery()
	dirty.Delete(bob)

	assert.True(t, s.IsUserTracked(bob))
	assert.True(t, s.HasUsersForKeyQuery())
}

func TestTrackedUsers_SurviveReopen(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")
	carol := id.UserID("@carol:example.org")

	_, err := s.UpdateTrackedUser(ctx, bob, true)
	require.NoError(t, err)
	_, err = s.UpdateTrackedUser(ctx, carol, false)
	require.NoError(t, err)

	info, err := s.currentAccount()
	require.NoError(t, err)
	_, err = s.db.Exec("INSERT INTO tracked_users (account_id, user_id, dirty) VALUES (?, 'garbage', 1)", info.id)
	require.NoError(t, err)

	s2 := reopen(t, s, dir)
	assert.Equal(t, 2, s2.TrackedUsers().Len())
	assert.True(t, s2.IsUserTracked(bob))
	assert.True(t, s2.IsUserTracked(carol))

	dirty := s2.UsersForKeyQuery()
	assert.Equal(t, 1, dirty.Len())
	assert.True(t, dirty.Contains(bob))
}
