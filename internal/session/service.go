// internal/session/service.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/cache"
	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/presence"
	"github.com/parlor-games/parlor/internal/registry"
	"github.com/parlor-games/parlor/internal/roomcode"
	"github.com/parlor-games/parlor/internal/roomerr"
	"github.com/parlor-games/parlor/internal/store"
)

// codeRetries bounds room-code regeneration on uniqueness collisions before
// creation fails with ROOM_CODE_EXHAUSTED.
const codeRetries = 5

// defaultMaxPlayers applies when the chosen module sets no upper bound.
const defaultMaxPlayers = 10

// Service owns the authoritative room operations. Every mutation is a
// request/response against the store; clients observe the outcome through
// their own Synchronizer. There is no shared in-process lock between clients;
// the store's per-row serialization is the only ordering primitive.
type Service struct {
	Store    store.Store
	Registry *registry.Registry
	Log      *logrus.Logger
}

// NewService wires a Service. The registry is built once at process start and
// passed by reference; it is never mutated afterwards.
func NewService(st store.Store, reg *registry.Registry, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{Store: st, Registry: reg, Log: log}
}

// ValidateNickname enforces the 1-20 displayable character rule.
func ValidateNickname(nickname string) error {
	n := utf8.RuneCountInString(nickname)
	if n < 1 || n > 20 {
		return errors.New("nickname must be 1-20 characters")
	}
	for _, r := range nickname {
		if unicode.IsControl(r) {
			return errors.New("nickname contains control characters")
		}
	}
	return nil
}

// CreateRoom allocates a fresh room and its host player. The two inserts are
// atomic at the store so a half-created, hostless room is never visible.
// gameType may be empty; the room then opens in game_selection until the host
// picks a module.
func (s *Service) CreateRoom(ctx context.Context, hostNickname, gameType string) (*models.Room, *models.Player, error) {
	if err := ValidateNickname(hostNickname); err != nil {
		return nil, nil, err
	}

	status := models.StatusGameSelection
	maxPlayers := defaultMaxPlayers
	if gameType != "" {
		desc, ok := s.Registry.Lookup(gameType)
		if !ok {
			return nil, nil, fmt.Errorf("unknown game type %q", gameType)
		}
		status = models.StatusWaiting
		if desc.MaxPlayers > 0 {
			maxPlayers = desc.MaxPlayers
		}
	}

	hostID := uuid.New()
	for attempt := 0; attempt < codeRetries; attempt++ {
		code, err := roomcode.Generate()
		if err != nil {
			return nil, nil, err
		}
		room := &models.Room{
			ID:         uuid.New(),
			Code:       code,
			HostID:     hostID,
			GameType:   gameType,
			Status:     status,
			MaxPlayers: maxPlayers,
		}
		host := &models.Player{
			ID:       hostID,
			RoomID:   room.ID,
			Nickname: hostNickname,
		}
		err = s.Store.InsertRoomWithHost(ctx, room, host)
		if errors.Is(err, store.ErrCodeConflict) {
			s.Log.Warnf("room code collision on %s, retrying (%d/%d)", code, attempt+1, codeRetries)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return room, host, nil
	}
	return nil, nil, roomerr.New(roomerr.CodeRoomCodeExhausted, "could not allocate a unique room code after %d attempts", codeRetries)
}

// JoinRoom adds a player to the room holding code. Concurrent joins are
// independent inserts; no lock is taken.
func (s *Service) JoinRoom(ctx context.Context, code, nickname string) (*models.Room, *models.Player, error) {
	if err := ValidateNickname(nickname); err != nil {
		return nil, nil, err
	}
	room, err := s.Store.RoomByCode(ctx, roomcode.Normalize(code))
	if err != nil {
		return nil, nil, err
	}
	if room.Status == models.StatusPlaying || room.Status == models.StatusFinished {
		return nil, nil, roomerr.New(roomerr.CodeRoomInProgress, "room %s is already in progress", room.Code)
	}
	players, err := s.Store.PlayersByRoom(ctx, room.ID)
	if err != nil {
		return nil, nil, err
	}
	if room.MaxPlayers > 0 && len(players) >= room.MaxPlayers {
		return nil, nil, roomerr.New(roomerr.CodeRoomInProgress, "room %s is full", room.Code)
	}

	p := &models.Player{
		ID:       uuid.New(),
		RoomID:   room.ID,
		Nickname: nickname,
	}
	if err := s.Store.InsertPlayer(ctx, p); err != nil {
		return nil, nil, err
	}
	return room, p, nil
}

// ToggleReady flips the caller's own ready flag. Outside the waiting phase it
// is a no-op and returns the row unchanged.
func (s *Service) ToggleReady(ctx context.Context, playerID uuid.UUID) (*models.Player, error) {
	p, err := s.Store.PlayerByID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	room, err := s.Store.RoomByID(ctx, p.RoomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.StatusWaiting || room.IsDeleted {
		return p, nil
	}
	p.IsReady = !p.IsReady
	if err := s.Store.SavePlayer(ctx, playerID, p); err != nil {
		return nil, err
	}
	return p, nil
}

// startPredicate is the authoritative gate for waiting -> playing. It is
// re-validated here on every call: a stale client UI or a racing second host
// session must never start an under-ready room.
func startPredicate(room *models.Room, players []*models.Player, desc registry.Descriptor) error {
	if room.Status != models.StatusWaiting {
		return roomerr.New(roomerr.CodeStartPrecondition, "room is %s, not waiting", room.Status)
	}
	if len(players) < desc.MinPlayers {
		return roomerr.New(roomerr.CodeStartPrecondition, "need %d players, have %d", desc.MinPlayers, len(players))
	}
	for _, p := range players {
		if p.ID != room.HostID && !p.IsReady {
			return roomerr.New(roomerr.CodeStartPrecondition, "player %s is not ready", p.Nickname)
		}
	}
	return nil
}

// StartGame transitions the room to playing and asks the module for its
// opening state. Host only.
func (s *Service) StartGame(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) (*models.Room, error) {
	room, err := s.Store.RoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actor != room.HostID {
		return nil, roomerr.New(roomerr.CodeNotHost, "only the host may start the game")
	}
	desc, ok := s.Registry.Lookup(room.GameType)
	if !ok {
		return nil, roomerr.New(roomerr.CodeStartPrecondition, "no game selected")
	}
	players, err := s.Store.PlayersByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := startPredicate(room, players, desc); err != nil {
		return nil, err
	}

	res, err := desc.Reducer.Init(room, players)
	if err != nil {
		return nil, fmt.Errorf("module %s init: %w", desc.ID, err)
	}
	if err := s.Store.ResetRoster(ctx, roomID, true); err != nil {
		return nil, err
	}
	updated, err := s.Store.ApplyGameResult(ctx, roomID, res, models.StatusPlaying)
	if err != nil {
		return nil, err
	}
	s.Log.Infof("room %s started %s with %d players", room.Code, desc.ID, len(players))
	return updated, nil
}

// PerformAction forwards one player action to the active module's reducer and
// persists whatever it returns. The core enforces only the playing phase;
// turn order and legality are the module's problem.
func (s *Service) PerformAction(ctx context.Context, actor uuid.UUID, roomID uuid.UUID, action json.RawMessage) (*models.Room, error) {
	room, err := s.Store.RoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.StatusPlaying || room.IsDeleted {
		return nil, roomerr.New(roomerr.CodeGameNotActive, "room %s is not in a game", room.Code)
	}
	desc, ok := s.Registry.Lookup(room.GameType)
	if !ok {
		return nil, roomerr.New(roomerr.CodeGameNotActive, "room %s has no active module", room.Code)
	}

	res, err := desc.Reducer.Reduce(room.GameState, actor, action)
	if err != nil {
		return nil, err
	}
	status := models.StatusPlaying
	if res.Done {
		status = models.StatusFinished
	}
	updated, err := s.Store.ApplyGameResult(ctx, roomID, res, status)
	if err != nil {
		return nil, err
	}

	record := cache.RoomActionRecord{
		RoomID:        roomID,
		GameType:      room.GameType,
		ActorPlayerID: actor,
		Action:        action,
		Timestamp:     time.Now().Unix(),
	}
	go func(rec cache.RoomActionRecord) {
		if cache.Rdb == nil {
			return
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cache.PublishRoomAction(pubCtx, rec); err != nil {
			s.Log.Warnf("failed to publish action record for room %s: %v", roomID, err)
		}
	}(record)

	return updated, nil
}

// ResetGame returns the room to waiting, clearing ready/alive flags and the
// per-round game state while keeping every identity. Host only.
func (s *Service) ResetGame(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) (*models.Room, error) {
	room, err := s.Store.RoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actor != room.HostID {
		return nil, roomerr.New(roomerr.CodeNotHost, "only the host may reset the game")
	}
	room.Status = models.StatusWaiting
	room.GameState = nil
	if err := s.Store.SaveRoom(ctx, actor, room); err != nil {
		return nil, err
	}
	if err := s.Store.ResetRoster(ctx, roomID, false); err != nil {
		return nil, err
	}
	return room, nil
}

// RequestChangeGame records the caller's vote to return to game selection.
// The host has no vote; a host call is a no-op.
func (s *Service) RequestChangeGame(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) (*models.Room, error) {
	room, err := s.Store.RoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actor == room.HostID {
		return room, nil
	}
	return s.Store.AddChangeVote(ctx, actor, roomID)
}

// ReturnToSelection moves the room back to game_selection once every non-host
// player has voted for it. Host only; an incomplete vote set fails the
// transition's precondition.
func (s *Service) ReturnToSelection(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) (*models.Room, error) {
	room, err := s.Store.RoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actor != room.HostID {
		return nil, roomerr.New(roomerr.CodeNotHost, "only the host may change the game")
	}
	players, err := s.Store.PlayersByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !presence.VoteComplete(room, players) {
		return nil, roomerr.New(roomerr.CodeStartPrecondition, "not all players voted to change the game")
	}
	room.Status = models.StatusGameSelection
	room.GameType = ""
	room.GameState = nil
	room.WantChangeGame = nil
	if err := s.Store.SaveRoom(ctx, actor, room); err != nil {
		return nil, err
	}
	if err := s.Store.ResetRoster(ctx, roomID, false); err != nil {
		return nil, err
	}
	return room, nil
}

// SelectGame sets the room's module while in game_selection and moves it to
// waiting. Host only.
func (s *Service) SelectGame(ctx context.Context, actor uuid.UUID, roomID uuid.UUID, gameType string) (*models.Room, error) {
	room, err := s.Store.RoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actor != room.HostID {
		return nil, roomerr.New(roomerr.CodeNotHost, "only the host may pick the game")
	}
	desc, ok := s.Registry.Lookup(gameType)
	if !ok {
		return nil, fmt.Errorf("unknown game type %q", gameType)
	}
	if room.Status != models.StatusGameSelection && room.Status != models.StatusWaiting {
		return nil, roomerr.New(roomerr.CodeStartPrecondition, "room is %s, cannot pick a game", room.Status)
	}
	room.GameType = gameType
	room.Status = models.StatusWaiting
	if desc.MaxPlayers > 0 {
		room.MaxPlayers = desc.MaxPlayers
	}
	if err := s.Store.SaveRoom(ctx, actor, room); err != nil {
		return nil, err
	}
	return room, nil
}

// LeaveRoom removes the caller from their room. A leaving host soft-deletes
// the whole room instead of migrating authority; every remaining client
// detects the terminal state and self-evicts.
func (s *Service) LeaveRoom(ctx context.Context, actor uuid.UUID) error {
	p, err := s.Store.PlayerByID(ctx, actor)
	if err != nil {
		if roomerr.CodeOf(err) == roomerr.CodeRoomNotFound {
			return nil // already gone
		}
		return err
	}
	room, err := s.Store.RoomByID(ctx, p.RoomID)
	if err != nil {
		return err
	}
	if room.HostID == actor && !room.IsDeleted {
		if err := s.Store.SoftDeleteRoom(ctx, actor, room.ID); err != nil {
			return err
		}
	}
	return s.Store.DeletePlayer(ctx, actor, actor)
}
