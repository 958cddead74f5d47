// internal/session/service_test.go
package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/registry"
	"github.com/parlor-games/parlor/internal/roomcode"
	"github.com/parlor-games/parlor/internal/roomerr"
	"github.com/parlor-games/parlor/internal/store"
)

// partyReducer is a minimal test module: state counts actions, any action is
// legal, and an action {"type":"finish"} ends the game.
type partyReducer struct{}

type partyState struct {
	Actions int `json:"actions"`
}

func (partyReducer) Init(room *models.Room, players []*models.Player) (registry.Result, error) {
	raw, _ := json.Marshal(partyState{})
	return registry.Result{State: raw}, nil
}

func (partyReducer) Reduce(state json.RawMessage, playerID uuid.UUID, action json.RawMessage) (registry.Result, error) {
	var st partyState
	if err := json.Unmarshal(state, &st); err != nil {
		return registry.Result{}, err
	}
	st.Actions++
	raw, _ := json.Marshal(st)
	var act struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(action, &act)
	return registry.Result{State: raw, Done: act.Type == "finish"}, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	reg, err := registry.New(
		registry.Descriptor{ID: "party", DisplayName: "Party", MinPlayers: 3, MaxPlayers: 10, Reducer: partyReducer{}},
		registry.Descriptor{ID: "duo", DisplayName: "Duo", MinPlayers: 2, MaxPlayers: 2, Reducer: partyReducer{}},
	)
	require.NoError(t, err)
	return NewService(store.NewMemoryStore(testLogger()), reg, testLogger())
}

// fillRoom joins n extra players and returns them.
func fillRoom(t *testing.T, svc *Service, code string, n int) []*models.Player {
	t.Helper()
	ctx := context.Background()
	var out []*models.Player
	for i := 0; i < n; i++ {
		_, p, err := svc.JoinRoom(ctx, code, "guest")
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestCreateRoomInvariants(t *testing.T) {
	svc := newTestService(t)
	room, host, err := svc.CreateRoom(context.Background(), "ada", "party")
	require.NoError(t, err)

	assert.True(t, roomcode.Valid(room.Code), "code %q has the wrong shape", room.Code)
	assert.Equal(t, host.ID, room.HostID)
	assert.Equal(t, models.StatusWaiting, room.Status)
	assert.Equal(t, 10, room.MaxPlayers)

	players, err := svc.Store.PlayersByRoom(context.Background(), room.ID)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, room.HostID, players[0].ID)
}

func TestCreateRoomWithoutGameOpensSelection(t *testing.T) {
	svc := newTestService(t)
	room, _, err := svc.CreateRoom(context.Background(), "ada", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusGameSelection, room.Status)
	assert.Empty(t, room.GameType)
}

func TestCreateRoomValidation(t *testing.T) {
	svc := newTestService(t)
	_, _, err := svc.CreateRoom(context.Background(), "", "party")
	assert.Error(t, err)
	_, _, err = svc.CreateRoom(context.Background(), strings.Repeat("x", 21), "party")
	assert.Error(t, err)
	_, _, err = svc.CreateRoom(context.Background(), "ada", "nosuchgame")
	assert.Error(t, err)
}

// exhaustedStore forces a code collision on every insert.
type exhaustedStore struct {
	store.Store
}

func (exhaustedStore) InsertRoomWithHost(ctx context.Context, room *models.Room, host *models.Player) error {
	return store.ErrCodeConflict
}

func TestCreateRoomCodeExhausted(t *testing.T) {
	svc := newTestService(t)
	svc.Store = exhaustedStore{svc.Store}
	_, _, err := svc.CreateRoom(context.Background(), "ada", "party")
	assert.Equal(t, roomerr.CodeRoomCodeExhausted, roomerr.CodeOf(err))
}

func TestJoinRoomErrors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.JoinRoom(ctx, "ZZZZZZ", "bob")
	assert.Equal(t, roomerr.CodeRoomNotFound, roomerr.CodeOf(err))

	room, _, err := svc.CreateRoom(ctx, "ada", "duo")
	require.NoError(t, err)
	fillRoom(t, svc, room.Code, 1)

	// duo caps the room at 2 players.
	_, _, err = svc.JoinRoom(ctx, room.Code, "carol")
	assert.Equal(t, roomerr.CodeRoomInProgress, roomerr.CodeOf(err))

	// An in-progress room rejects joins outright.
	bigRoom, bigHost, err := svc.CreateRoom(ctx, "eve", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, bigRoom.Code, 2)
	for _, g := range guests {
		_, err := svc.ToggleReady(ctx, g.ID)
		require.NoError(t, err)
	}
	_, err = svc.StartGame(ctx, bigHost.ID, bigRoom.ID)
	require.NoError(t, err)
	_, _, err = svc.JoinRoom(ctx, bigRoom.Code, "dan")
	assert.Equal(t, roomerr.CodeRoomInProgress, roomerr.CodeOf(err))
}

func TestJoinRoomNormalizesCode(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, _, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)

	_, p, err := svc.JoinRoom(ctx, "  "+strings.ToLower(room.Code)+" ", "bob")
	require.NoError(t, err)
	assert.Equal(t, room.ID, p.RoomID)
}

func TestToggleReadyRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, _, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guest := fillRoom(t, svc, room.Code, 1)[0]

	p, err := svc.ToggleReady(ctx, guest.ID)
	require.NoError(t, err)
	assert.True(t, p.IsReady)

	p, err = svc.ToggleReady(ctx, guest.ID)
	require.NoError(t, err)
	assert.False(t, p.IsReady)
}

func TestToggleReadyNoopOutsideWaiting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, room.Code, 2)
	for _, g := range guests {
		_, err := svc.ToggleReady(ctx, g.ID)
		require.NoError(t, err)
	}
	_, err = svc.StartGame(ctx, host.ID, room.ID)
	require.NoError(t, err)

	// Ready flags were cleared on start; toggling while playing changes nothing.
	p, err := svc.ToggleReady(ctx, guests[0].ID)
	require.NoError(t, err)
	assert.False(t, p.IsReady)
}

// Scenario: host creates, two join, both ready, host starts; the roster
// flips alive and the module's opening state lands on the room.
func TestStartGameFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, room.Code, 2)

	players, err := svc.Store.PlayersByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, players, 3)

	for _, g := range guests {
		_, err := svc.ToggleReady(ctx, g.ID)
		require.NoError(t, err)
	}

	updated, err := svc.StartGame(ctx, host.ID, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, updated.Status)
	assert.JSONEq(t, `{"actions":0}`, string(updated.GameState))

	players, err = svc.Store.PlayersByRoom(ctx, room.ID)
	require.NoError(t, err)
	for _, p := range players {
		assert.True(t, p.IsAlive)
		assert.False(t, p.IsReady)
	}
}

// Scenario: module needs 3, only 2 present; the start predicate fails
// server-side regardless of what the host's UI believed.
func TestStartGameTooFewPlayers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guest := fillRoom(t, svc, room.Code, 1)[0]
	_, err = svc.ToggleReady(ctx, guest.ID)
	require.NoError(t, err)

	_, err = svc.StartGame(ctx, host.ID, room.ID)
	assert.Equal(t, roomerr.CodeStartPrecondition, roomerr.CodeOf(err))

	got, err := svc.Store.RoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
}

func TestStartGameNotAllReady(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, room.Code, 2)
	_, err = svc.ToggleReady(ctx, guests[0].ID)
	require.NoError(t, err)
	// guests[1] never readies.

	_, err = svc.StartGame(ctx, host.ID, room.ID)
	assert.Equal(t, roomerr.CodeStartPrecondition, roomerr.CodeOf(err))
}

// Scenario: a non-host calling startGame is rejected and the room is
// untouched.
func TestStartGameNotHost(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, _, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, room.Code, 2)
	for _, g := range guests {
		_, err := svc.ToggleReady(ctx, g.ID)
		require.NoError(t, err)
	}

	_, err = svc.StartGame(ctx, guests[0].ID, room.ID)
	assert.Equal(t, roomerr.CodeNotHost, roomerr.CodeOf(err))

	got, err := svc.Store.RoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Empty(t, got.GameState)
}

func startedRoom(t *testing.T, svc *Service) (*models.Room, *models.Player, []*models.Player) {
	t.Helper()
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, room.Code, 2)
	for _, g := range guests {
		_, err := svc.ToggleReady(ctx, g.ID)
		require.NoError(t, err)
	}
	updated, err := svc.StartGame(ctx, host.ID, room.ID)
	require.NoError(t, err)
	return updated, host, guests
}

func TestPerformAction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, _, guests := startedRoom(t, svc)

	updated, err := svc.PerformAction(ctx, guests[0].ID, room.ID, json.RawMessage(`{"type":"poke"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"actions":1}`, string(updated.GameState))
	assert.Equal(t, models.StatusPlaying, updated.Status)

	// A Done result finishes the room.
	updated, err = svc.PerformAction(ctx, guests[1].ID, room.ID, json.RawMessage(`{"type":"finish"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, updated.Status)

	// And a finished room rejects further actions.
	_, err = svc.PerformAction(ctx, guests[0].ID, room.ID, json.RawMessage(`{"type":"poke"}`))
	assert.Equal(t, roomerr.CodeGameNotActive, roomerr.CodeOf(err))
}

func TestPerformActionOutsideGame(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)

	_, err = svc.PerformAction(ctx, host.ID, room.ID, json.RawMessage(`{"type":"poke"}`))
	assert.Equal(t, roomerr.CodeGameNotActive, roomerr.CodeOf(err))
}

func TestResetGame(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, guests := startedRoom(t, svc)

	_, err := svc.ResetGame(ctx, guests[0].ID, room.ID)
	assert.Equal(t, roomerr.CodeNotHost, roomerr.CodeOf(err))

	updated, err := svc.ResetGame(ctx, host.ID, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, updated.Status)
	assert.Empty(t, updated.GameState)

	players, err := svc.Store.PlayersByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, players, 3)
	for _, p := range players {
		assert.False(t, p.IsReady)
		assert.False(t, p.IsAlive)
	}
}

func TestChangeGameVoteFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, room.Code, 2)

	// Host votes are a no-op.
	got, err := svc.RequestChangeGame(ctx, host.ID, room.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WantChangeGame)

	// Transition is gated until the vote set covers every non-host player.
	_, err = svc.RequestChangeGame(ctx, guests[0].ID, room.ID)
	require.NoError(t, err)
	_, err = svc.ReturnToSelection(ctx, host.ID, room.ID)
	assert.Equal(t, roomerr.CodeStartPrecondition, roomerr.CodeOf(err))

	_, err = svc.RequestChangeGame(ctx, guests[1].ID, room.ID)
	require.NoError(t, err)

	_, err = svc.ReturnToSelection(ctx, guests[0].ID, room.ID)
	assert.Equal(t, roomerr.CodeNotHost, roomerr.CodeOf(err))

	updated, err := svc.ReturnToSelection(ctx, host.ID, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGameSelection, updated.Status)
	assert.Empty(t, updated.GameType)
	assert.Empty(t, updated.WantChangeGame)

	// Picking a new game returns the room to waiting.
	updated, err = svc.SelectGame(ctx, host.ID, room.ID, "duo")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, updated.Status)
	assert.Equal(t, "duo", updated.GameType)
	assert.Equal(t, 2, updated.MaxPlayers)
}

func TestLeaveRoom(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room, host, err := svc.CreateRoom(ctx, "ada", "party")
	require.NoError(t, err)
	guests := fillRoom(t, svc, room.Code, 2)

	// A guest leaving removes only their row.
	require.NoError(t, svc.LeaveRoom(ctx, guests[0].ID))
	players, err := svc.Store.PlayersByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, players, 2)

	// Leaving twice is harmless.
	require.NoError(t, svc.LeaveRoom(ctx, guests[0].ID))

	// The host leaving tears the room down; no host migration.
	require.NoError(t, svc.LeaveRoom(ctx, host.ID))
	got, err := svc.Store.RoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}
