// internal/games/lastcall/lastcall.go
package lastcall

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/registry"
)

// lastcall is an elimination game: a lit fuse is passed around the table,
// ticking down on every pass, and whoever holds it at zero is out. Last
// player standing takes the round. It exercises the alive-flag flow.

// FusePerPlayer sizes the fuse relative to the roster so a round lasts a few
// laps.
const FusePerPlayer = 4

// State is the module-owned game snapshot.
type State struct {
	Alive    []uuid.UUID `json:"alive"`
	HolderID uuid.UUID   `json:"holderId"`
	Fuse     int         `json:"fuse"`
	WinnerID uuid.UUID   `json:"winnerId,omitempty"`
}

// Action is one player's move: pass the fuse to another live player.
type Action struct {
	Type string    `json:"type"` // "pass"
	To   uuid.UUID `json:"to"`
}

// Reducer implements registry.Reducer.
type Reducer struct{}

// Descriptor registers lastcall with the module registry.
func Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:          "lastcall",
		DisplayName: "Last Call",
		// MinPlayers intentionally unset; the registry default applies.
		MaxPlayers: 10,
		Reducer:    Reducer{},
	}
}

// Init hands the fuse to the first-joined player.
func (Reducer) Init(room *models.Room, players []*models.Player) (registry.Result, error) {
	if len(players) == 0 {
		return registry.Result{}, fmt.Errorf("lastcall: empty roster")
	}
	st := State{
		HolderID: players[0].ID,
		Fuse:     FusePerPlayer * len(players),
	}
	for _, p := range players {
		st.Alive = append(st.Alive, p.ID)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{State: raw}, nil
}

func (st *State) isAlive(id uuid.UUID) bool {
	for _, a := range st.Alive {
		if a == id {
			return true
		}
	}
	return false
}

func (st *State) eliminate(id uuid.UUID) {
	out := st.Alive[:0]
	for _, a := range st.Alive {
		if a != id {
			out = append(out, a)
		}
	}
	st.Alive = out
}

// Reduce applies one pass. Only the current holder may act, and only toward a
// live player other than themselves.
func (Reducer) Reduce(state json.RawMessage, playerID uuid.UUID, action json.RawMessage) (registry.Result, error) {
	var st State
	if err := json.Unmarshal(state, &st); err != nil {
		return registry.Result{}, fmt.Errorf("lastcall: bad state: %w", err)
	}
	if st.WinnerID != uuid.Nil {
		return registry.Result{}, fmt.Errorf("lastcall: round already over")
	}
	var act Action
	if err := json.Unmarshal(action, &act); err != nil {
		return registry.Result{}, fmt.Errorf("lastcall: bad action: %w", err)
	}
	if act.Type != "pass" {
		return registry.Result{}, fmt.Errorf("lastcall: unknown action %q", act.Type)
	}
	if playerID != st.HolderID {
		return registry.Result{}, fmt.Errorf("lastcall: you are not holding the fuse")
	}
	if act.To == playerID || !st.isAlive(act.To) {
		return registry.Result{}, fmt.Errorf("lastcall: invalid pass target")
	}

	res := registry.Result{}
	st.Fuse--
	st.HolderID = act.To
	if st.Fuse <= 0 {
		// Holder at zero is out; relight proportional to survivors.
		res.Eliminated = []uuid.UUID{st.HolderID}
		st.eliminate(st.HolderID)
		if len(st.Alive) == 1 {
			st.WinnerID = st.Alive[0]
			res.Done = true
			res.ScoreDeltas = map[uuid.UUID]int{st.WinnerID: 1}
		} else {
			st.HolderID = st.Alive[0]
			st.Fuse = FusePerPlayer * len(st.Alive)
		}
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return registry.Result{}, err
	}
	res.State = raw
	return res, nil
}
