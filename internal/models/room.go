// internal/models/room.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RoomStatus is the lifecycle phase of a room.
type RoomStatus string

const (
	StatusWaiting       RoomStatus = "waiting"
	StatusGameSelection RoomStatus = "game_selection"
	StatusPlaying       RoomStatus = "playing"
	StatusFinished      RoomStatus = "finished"
)

// Room is one ephemeral game session, joined via its short code.
// Module-specific fields live in Extra, keyed by GameType, instead of
// piling every module's optional columns onto the room itself.
type Room struct {
	ID         uuid.UUID  `json:"id"`
	Code       string     `json:"code"`
	HostID     uuid.UUID  `json:"hostId"`
	GameType   string     `json:"gameType,omitempty"` // empty until the host picks a game
	Status     RoomStatus `json:"status"`
	MaxPlayers int        `json:"maxPlayers"`

	// WantChangeGame holds ids of players who voted to return to game selection.
	WantChangeGame []uuid.UUID `json:"wantChangeGame,omitempty"`

	// Extra is the per-module payload (tagged by GameType). The core never
	// inspects it; reducers own its shape.
	Extra json.RawMessage `json:"extra,omitempty"`

	// GameState is the opaque module-owned snapshot while Status == playing.
	GameState json.RawMessage `json:"gameState,omitempty"`

	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasChangeVote reports whether playerID already voted to change the game.
func (r *Room) HasChangeVote(playerID uuid.UUID) bool {
	for _, id := range r.WantChangeGame {
		if id == playerID {
			return true
		}
	}
	return false
}

// Player is one participant's identity and per-room state. A player belongs
// to exactly one room and is hard-deleted on leave.
type Player struct {
	ID       uuid.UUID `json:"id"`
	RoomID   uuid.UUID `json:"roomId"`
	Nickname string    `json:"nickname"`
	IsReady  bool      `json:"isReady"`
	IsAlive  bool      `json:"isAlive"`
	Score    int       `json:"score"`
	JoinedAt time.Time `json:"joinedAt"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// IsHost reports whether p created the room.
func (p *Player) IsHost(r *Room) bool {
	return r != nil && p.ID == r.HostID
}
