// internal/session/ops.go
package session

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/parlor-games/parlor/internal/models"
)

// The operation wrappers below run the authoritative Service call and, on
// success, register the confirmed row as a pending overlay keyed by a fresh
// op id. The overlay makes the caller's own mutation visible immediately and
// is cleared when the corresponding row arrives through reconciliation (or
// expires after PendingTTL without confirmation).

func (s *Synchronizer) pendRoom(room *models.Room) {
	if room != nil {
		s.send(pendingMsg{opID: uuid.New(), room: room})
	}
}

func (s *Synchronizer) pendPlayer(p *models.Player) {
	if p != nil {
		s.send(pendingMsg{opID: uuid.New(), player: p})
	}
}

// ToggleReady flips the caller's own ready flag.
func (s *Synchronizer) ToggleReady(ctx context.Context) (*models.Player, error) {
	p, err := s.svc.ToggleReady(ctx, s.selfID)
	if err != nil {
		return nil, err
	}
	s.pendPlayer(p)
	return p, nil
}

// StartGame transitions the room into playing; host only.
func (s *Synchronizer) StartGame(ctx context.Context) (*models.Room, error) {
	room, err := s.svc.StartGame(ctx, s.selfID, s.roomID)
	if err != nil {
		return nil, err
	}
	s.pendRoom(room)
	return room, nil
}

// PerformAction dispatches one game action to the active module.
func (s *Synchronizer) PerformAction(ctx context.Context, action json.RawMessage) (*models.Room, error) {
	room, err := s.svc.PerformAction(ctx, s.selfID, s.roomID, action)
	if err != nil {
		return nil, err
	}
	s.pendRoom(room)
	return room, nil
}

// ResetGame returns the room to waiting; host only.
func (s *Synchronizer) ResetGame(ctx context.Context) (*models.Room, error) {
	room, err := s.svc.ResetGame(ctx, s.selfID, s.roomID)
	if err != nil {
		return nil, err
	}
	s.pendRoom(room)
	return room, nil
}

// RequestChangeGame records the caller's vote to return to game selection.
func (s *Synchronizer) RequestChangeGame(ctx context.Context) (*models.Room, error) {
	room, err := s.svc.RequestChangeGame(ctx, s.selfID, s.roomID)
	if err != nil {
		return nil, err
	}
	s.pendRoom(room)
	return room, nil
}

// ReturnToSelection moves the room back to game selection; host only.
func (s *Synchronizer) ReturnToSelection(ctx context.Context) (*models.Room, error) {
	room, err := s.svc.ReturnToSelection(ctx, s.selfID, s.roomID)
	if err != nil {
		return nil, err
	}
	s.pendRoom(room)
	return room, nil
}

// SelectGame picks the room's game module; host only.
func (s *Synchronizer) SelectGame(ctx context.Context, gameType string) (*models.Room, error) {
	room, err := s.svc.SelectGame(ctx, s.selfID, s.roomID, gameType)
	if err != nil {
		return nil, err
	}
	s.pendRoom(room)
	return room, nil
}

// LeaveRoom removes the caller from the room and tears the session down.
func (s *Synchronizer) LeaveRoom(ctx context.Context) error {
	err := s.svc.LeaveRoom(ctx, s.selfID)
	s.Cleanup()
	return err
}
