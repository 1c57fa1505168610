package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestViewportRoundTrip(t *testing.T) {
	c := openTestCache(t)

	_, found, err := c.LoadViewport("room1")
	require.NoError(t, err)
	assert.False(t, found)

	want := Viewport{X: 10, Y: -20, Scale: 1.5, Background: "#202020"}
	require.NoError(t, c.SaveViewport("room1", want))

	got, found, err := c.LoadViewport("room1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)

	// Saving again overwrites.
	want.Scale = 2
	require.NoError(t, c.SaveViewport("room1", want))
	got, _, _ = c.LoadViewport("room1")
	assert.Equal(t, 2.0, got.Scale)
}

func TestGuestRooms(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.AddGuestRoom(GuestRoom{RoomID: "room1", ActorID: "a1", Role: "editor"}))
	// Re-adding keeps the first record.
	require.NoError(t, c.AddGuestRoom(GuestRoom{RoomID: "room1", ActorID: "a2", Role: "viewer"}))
	require.NoError(t, c.AddGuestRoom(GuestRoom{RoomID: "room2", ActorID: "a3", Role: "editor"}))

	rooms, err := c.GuestRooms()
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	byID := map[string]GuestRoom{}
	for _, r := range rooms {
		byID[r.RoomID] = r
	}
	assert.Equal(t, "a1", byID["room1"].ActorID)
	assert.Equal(t, "a3", byID["room2"].ActorID)
}
