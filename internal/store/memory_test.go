// internal/store/memory_test.go
package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/registry"
	"github.com/parlor-games/parlor/internal/roomerr"
)

func newRoomAndHost() (*models.Room, *models.Player) {
	hostID := uuid.New()
	room := &models.Room{
		ID:         uuid.New(),
		Code:       "AB3D9K",
		HostID:     hostID,
		GameType:   "numberrush",
		Status:     models.StatusWaiting,
		MaxPlayers: 8,
	}
	host := &models.Player{ID: hostID, RoomID: room.ID, Nickname: "host"}
	return room, host
}

func TestInsertRoomWithHostCodeConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)

	room, host := newRoomAndHost()
	require.NoError(t, m.InsertRoomWithHost(ctx, room, host))

	dupe, dupeHost := newRoomAndHost()
	dupe.Code = room.Code
	assert.ErrorIs(t, m.InsertRoomWithHost(ctx, dupe, dupeHost), ErrCodeConflict)

	// Soft-deleting the first room frees the code.
	require.NoError(t, m.SoftDeleteRoom(ctx, room.HostID, room.ID))
	assert.NoError(t, m.InsertRoomWithHost(ctx, dupe, dupeHost))
}

func TestOwnershipEnforcement(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	room, host := newRoomAndHost()
	require.NoError(t, m.InsertRoomWithHost(ctx, room, host))

	other := &models.Player{ID: uuid.New(), RoomID: room.ID, Nickname: "guest"}
	require.NoError(t, m.InsertPlayer(ctx, other))

	// Nobody writes another player's row.
	other.IsReady = true
	assert.ErrorIs(t, m.SavePlayer(ctx, host.ID, other), ErrNotOwner)
	assert.NoError(t, m.SavePlayer(ctx, other.ID, other))

	// Only the host writes the room.
	room.Status = models.StatusPlaying
	err := m.SaveRoom(ctx, other.ID, room)
	assert.Equal(t, roomerr.CodeNotHost, roomerr.CodeOf(err))
	assert.NoError(t, m.SaveRoom(ctx, host.ID, room))

	// Only the host deletes the room.
	err = m.SoftDeleteRoom(ctx, other.ID, room.ID)
	assert.Equal(t, roomerr.CodeNotHost, roomerr.CodeOf(err))

	// Nobody deletes another player's row.
	assert.ErrorIs(t, m.DeletePlayer(ctx, host.ID, other.ID), ErrNotOwner)
}

func TestRoomByCodeSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	room, host := newRoomAndHost()
	require.NoError(t, m.InsertRoomWithHost(ctx, room, host))

	got, err := m.RoomByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	require.NoError(t, m.SoftDeleteRoom(ctx, host.ID, room.ID))
	_, err = m.RoomByCode(ctx, room.Code)
	assert.Equal(t, roomerr.CodeRoomNotFound, roomerr.CodeOf(err))

	// RoomByID still serves the deleted row so clients can observe the
	// terminal state.
	got, err = m.RoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}

func TestChangeFeed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	room, host := newRoomAndHost()
	require.NoError(t, m.InsertRoomWithHost(ctx, room, host))

	sub, err := m.Subscribe(ctx, room.ID)
	require.NoError(t, err)
	defer sub.Close()

	guest := &models.Player{ID: uuid.New(), RoomID: room.ID, Nickname: "guest"}
	require.NoError(t, m.InsertPlayer(ctx, guest))

	ev := nextEvent(t, sub)
	assert.Equal(t, "players", ev.Table)
	assert.Equal(t, EventInsert, ev.Type)
	require.NotNil(t, ev.Player)
	assert.Equal(t, guest.ID, ev.Player.ID)

	guest.IsReady = true
	require.NoError(t, m.SavePlayer(ctx, guest.ID, guest))
	ev = nextEvent(t, sub)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.True(t, ev.Player.IsReady)

	require.NoError(t, m.DeletePlayer(ctx, guest.ID, guest.ID))
	ev = nextEvent(t, sub)
	assert.Equal(t, EventDelete, ev.Type)
	assert.Equal(t, guest.ID, ev.PlayerID)

	require.NoError(t, m.SoftDeleteRoom(ctx, host.ID, room.ID))
	ev = nextEvent(t, sub)
	assert.Equal(t, "rooms", ev.Table)
	require.NotNil(t, ev.Room)
	assert.True(t, ev.Room.IsDeleted)
}

func TestFeedScopedToRoom(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	roomA, hostA := newRoomAndHost()
	require.NoError(t, m.InsertRoomWithHost(ctx, roomA, hostA))
	roomB, hostB := newRoomAndHost()
	roomB.Code = "XYZW23"
	require.NoError(t, m.InsertRoomWithHost(ctx, roomB, hostB))

	sub, err := m.Subscribe(ctx, roomA.ID)
	require.NoError(t, err)
	defer sub.Close()

	guest := &models.Player{ID: uuid.New(), RoomID: roomB.ID, Nickname: "guest"}
	require.NoError(t, m.InsertPlayer(ctx, guest))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for other room: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyGameResult(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	room, host := newRoomAndHost()
	require.NoError(t, m.InsertRoomWithHost(ctx, room, host))
	guest := &models.Player{ID: uuid.New(), RoomID: room.ID, Nickname: "guest"}
	require.NoError(t, m.InsertPlayer(ctx, guest))
	require.NoError(t, m.ResetRoster(ctx, room.ID, true))

	res := registry.Result{
		State:       json.RawMessage(`{"round":2}`),
		Eliminated:  []uuid.UUID{guest.ID},
		ScoreDeltas: map[uuid.UUID]int{host.ID: 1},
	}
	updated, err := m.ApplyGameResult(ctx, room.ID, res, models.StatusPlaying)
	require.NoError(t, err)
	assert.JSONEq(t, `{"round":2}`, string(updated.GameState))

	players, err := m.PlayersByRoom(ctx, room.ID)
	require.NoError(t, err)
	for _, p := range players {
		switch p.ID {
		case host.ID:
			assert.True(t, p.IsAlive)
			assert.Equal(t, 1, p.Score)
		case guest.ID:
			assert.False(t, p.IsAlive)
			assert.Equal(t, 0, p.Score)
		}
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	m := NewMemoryStore(nil)
	sub, err := m.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)
	sub.Close()
	assert.NotPanics(t, sub.Close)
}

func nextEvent(t *testing.T, sub Subscription) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}
