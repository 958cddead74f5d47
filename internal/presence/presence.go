// internal/presence/presence.go
package presence

import (
	"github.com/google/uuid"

	"github.com/parlor-games/parlor/internal/models"
)

// View is the derived per-client read of a roster. It is recomputed from
// scratch on every reconciled update and never persisted; the authoritative
// start predicate lives server-side and this only mirrors it for gating.
type View struct {
	PlayerCount int              `json:"playerCount"`
	Alive       []*models.Player `json:"alive,omitempty"`
	NonHost     []*models.Player `json:"nonHost,omitempty"`

	// AllReady is true when there is at least one non-host player and every
	// non-host player is ready. The host is implicitly ready.
	AllReady bool `json:"allReady"`

	// CanStart mirrors the server's start predicate for the viewing client:
	// host + waiting + enough players + everyone ready.
	CanStart bool `json:"canStart"`

	// HostLeft flips once the room is observed deleted or no player row
	// matches the host id. It is terminal for the session.
	HostLeft bool `json:"hostLeft"`
}

// Derive computes the View for selfID over the current room and roster.
// minPlayers is the active module's lower bound (0 when no game is chosen,
// which makes CanStart false via the status check anyway).
func Derive(room *models.Room, players []*models.Player, selfID uuid.UUID, minPlayers int) View {
	v := View{}
	if room == nil || room.IsDeleted {
		v.HostLeft = true
		return v
	}

	v.PlayerCount = len(players)
	hostPresent := false
	for _, p := range players {
		if p.IsAlive {
			v.Alive = append(v.Alive, p)
		}
		if p.ID == room.HostID {
			hostPresent = true
		} else {
			v.NonHost = append(v.NonHost, p)
		}
	}
	if !hostPresent {
		v.HostLeft = true
		return v
	}

	v.AllReady = len(v.NonHost) > 0
	for _, p := range v.NonHost {
		if !p.IsReady {
			v.AllReady = false
			break
		}
	}

	v.CanStart = selfID == room.HostID &&
		room.Status == models.StatusWaiting &&
		minPlayers > 0 &&
		v.PlayerCount >= minPlayers &&
		v.AllReady
	return v
}

// VoteComplete reports whether every non-host player has voted to return to
// game selection.
func VoteComplete(room *models.Room, players []*models.Player) bool {
	if room == nil {
		return false
	}
	voted := make(map[uuid.UUID]bool, len(room.WantChangeGame))
	for _, id := range room.WantChangeGame {
		voted[id] = true
	}
	any := false
	for _, p := range players {
		if p.ID == room.HostID {
			continue
		}
		any = true
		if !voted[p.ID] {
			return false
		}
	}
	return any
}
