// internal/store/store.go
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/registry"
)

// ErrCodeConflict signals a room-code uniqueness collision on insert. The
// creating operation retries with a fresh code; only after bounded retries
// does it surface ROOM_CODE_EXHAUSTED.
var ErrCodeConflict = errors.New("store: room code already in use")

// ErrNotOwner signals an attempt to write a player row on behalf of a
// different player. Ownership is enforced here, not by client convention.
var ErrNotOwner = errors.New("store: caller does not own this row")

// EventType classifies a change-feed event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row-level change pushed on the notification channel.
// Exactly one of Room/Player is set depending on Table; deletes carry only
// the row id.
type ChangeEvent struct {
	Table  string // "rooms" or "players"
	Type   EventType
	RoomID uuid.UUID

	Room     *models.Room
	Player   *models.Player
	PlayerID uuid.UUID // set for player deletes
}

// Subscription is a live change feed scoped to one room. Events carries
// pushes until Close or a fatal feed error; Err yields at most one error and
// marks the feed dead (callers fall back to polling and re-subscribe).
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() <-chan error
	Close()
}

// Store is typed access to Room and Player rows plus the change feed. It
// enforces row ownership (players write their own rows, the host writes the
// room) but carries no other business rules.
type Store interface {
	// InsertRoomWithHost writes the room and its host player atomically.
	// Returns ErrCodeConflict if the code is taken by a non-deleted room.
	InsertRoomWithHost(ctx context.Context, room *models.Room, host *models.Player) error

	RoomByCode(ctx context.Context, code string) (*models.Room, error)
	RoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	PlayerByID(ctx context.Context, id uuid.UUID) (*models.Player, error)
	PlayersByRoom(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error)

	InsertPlayer(ctx context.Context, p *models.Player) error

	// SavePlayer persists p. actor must equal p.ID (ErrNotOwner otherwise).
	SavePlayer(ctx context.Context, actor uuid.UUID, p *models.Player) error

	// SaveRoom persists room. actor must equal room.HostID.
	SaveRoom(ctx context.Context, actor uuid.UUID, room *models.Room) error

	// AddChangeVote appends actor's own id to the room's change-game votes.
	AddChangeVote(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) (*models.Room, error)

	// DeletePlayer removes a player row. actor must equal playerID.
	DeletePlayer(ctx context.Context, actor uuid.UUID, playerID uuid.UUID) error

	// SoftDeleteRoom marks the room deleted. actor must equal the host id.
	SoftDeleteRoom(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) error

	// ResetRoster is an engine-privileged write: it clears every roster
	// member's ready flag and sets their alive flag, on game start (alive)
	// and on reset back to waiting (not alive).
	ResetRoster(ctx context.Context, roomID uuid.UUID, alive bool) error

	// ApplyGameResult is the engine-privileged write path: it persists the
	// reducer's next state and the per-player mutations it requested. Not
	// reachable from any client-owned operation except performAction, whose
	// writes are authored by the module, not the caller.
	ApplyGameResult(ctx context.Context, roomID uuid.UUID, res registry.Result, status models.RoomStatus) (*models.Room, error)

	// Subscribe opens a change feed for one room.
	Subscribe(ctx context.Context, roomID uuid.UUID) (Subscription, error)
}
