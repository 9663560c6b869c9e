// ABOUTME: Tests for device persistence
// ABOUTME: Covers round trips, capability pruning on update and deletion

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func newTestDevice(userID id.UserID, deviceID id.DeviceID) *Device {
	return &Device{
		UserID:      userID,
		DeviceID:    deviceID,
		DisplayName: "Phone",
		Trust:       TrustUnset,
		Algorithms:  []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.DeviceKeyID]string{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID): "device-curve",
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID):    "device-ed",
		},
		Signatures: map[id.UserID]map[id.KeyID]string{
			userID: {
				id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID)): "self-signature",
				id.NewKeyID(id.KeyAlgorithmEd25519, "self-signing-pub"): "cross-signature",
			},
		},
	}
}

func TestDevice_RoundTrip(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	d := newTestDevice(bob, "BOBPHONE")
	d.Trust = TrustVerified
	require.NoError(t, s.SaveDevices(ctx, []*Device{d, newTestDevice(bob, "BOBLAPTOP")}))

	s2 := reopen(t, s, dir)
	got, err := s2.GetDevice(ctx, bob, "BOBPHONE")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	all, err := s2.GetUserDevices(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, id.DeviceID("BOBLAPTOP"))
}

func TestDevice_NoDisplayName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	d := newTestDevice(bob, "BOBPHONE")
	d.DisplayName = ""
	require.NoError(t, s.SaveDevices(ctx, []*Device{d}))

	got, err := s.GetDevice(ctx, bob, "BOBPHONE")
	require.NoError(t, err)
	assert.Equal(t, "", got.DisplayName)
}

func TestDevice_UpdatePrunesRemovedCapabilities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	require.NoError(t, s.SaveDevices(ctx, []*Device{newTestDevice(bob, "BOBPHONE")}))

	updated := newTestDevice(bob, "BOBPHONE")
	updated.DisplayName = "Old phone"
	updated.Trust = TrustBlackListed
	updated.Algorithms = []id.Algorithm{id.AlgorithmMegolmV1}
	delete(updated.Keys, id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, "BOBPHONE"))
	updated.Signatures = map[id.UserID]map[id.KeyID]string{
		bob: {id.NewKeyID(id.KeyAlgorithmEd25519, "BOBPHONE"): "new-self-signature"},
	}
	require.NoError(t, s.SaveDevices(ctx, []*Device{updated}))

	got, err := s.GetDevice(ctx, bob, "BOBPHONE")
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestDevice_Delete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	require.NoError(t, s.SaveDevices(ctx, []*Device{newTestDevice(bob, "BOBPHONE")}))
	require.NoError(t, s.DeleteDevice(ctx, bob, "BOBPHONE"))

	_, err := s.GetDevice(ctx, bob, "BOBPHONE")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, table := range []string{"algorithms", "device_keys", "device_signatures"} {
		var n int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		if n != 0 {
			t.Errorf("table %s: got %d rows, want 0", table, n)
		}
	}
}

func TestGetUserDevices_SkipsMalformedRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	require.NoError(t, s.SaveDevices(ctx, []*Device{newTestDevice(bob, "BOBPHONE"), newTestDevice(bob, "BOBLAPTOP")}))

	var rowID int64
	require.NoError(t, s.db.QueryRow("SELECT id FROM devices WHERE device_id = 'BOBLAPTOP'").Scan(&rowID))
	_, err := s.db.Exec("INSERT INTO device_keys (device_id, key_id, key) VALUES (?, 'no-colon', 'k')", rowID)
	require.NoError(t, err)

	all, err := s.GetUserDevices(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, id.DeviceID("BOBPHONE"))
}
