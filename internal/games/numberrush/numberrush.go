// internal/games/numberrush/numberrush.go
package numberrush

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/registry"
)

// numberrush is the classic count-to-target trap game: players take turns
// raising a shared number by 1-3, and whoever is forced to land on the target
// loses the round. It exercises the shared-counter style of room state.

const (
	// Target is the losing number.
	Target = 21
	// MaxStep bounds how far one turn may raise the counter.
	MaxStep = 3
)

// State is the module-owned game snapshot. The core never looks inside.
type State struct {
	Current   int         `json:"current"`
	Target    int         `json:"target"`
	TurnOrder []uuid.UUID `json:"turnOrder"`
	TurnIdx   int         `json:"turnIdx"`
	LoserID   uuid.UUID   `json:"loserId,omitempty"`
}

// Action is one player's move.
type Action struct {
	Type string `json:"type"` // "add"
	N    int    `json:"n"`
}

// Reducer implements registry.Reducer.
type Reducer struct{}

// Descriptor registers numberrush with the module registry.
func Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:          "numberrush",
		DisplayName: "Number Rush",
		MinPlayers:  2,
		MaxPlayers:  8,
		Reducer:     Reducer{},
	}
}

// Init seeds the counter at zero with the roster's join order as turn order.
func (Reducer) Init(room *models.Room, players []*models.Player) (registry.Result, error) {
	st := State{
		Current: 0,
		Target:  Target,
	}
	for _, p := range players {
		st.TurnOrder = append(st.TurnOrder, p.ID)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{State: raw}, nil
}

// Reduce applies one "add" action. Turn order and step bounds are enforced
// here; out-of-turn actions are rejected, never silently reordered.
func (Reducer) Reduce(state json.RawMessage, playerID uuid.UUID, action json.RawMessage) (registry.Result, error) {
	var st State
	if err := json.Unmarshal(state, &st); err != nil {
		return registry.Result{}, fmt.Errorf("numberrush: bad state: %w", err)
	}
	if st.LoserID != uuid.Nil {
		return registry.Result{}, fmt.Errorf("numberrush: round already over")
	}
	var act Action
	if err := json.Unmarshal(action, &act); err != nil {
		return registry.Result{}, fmt.Errorf("numberrush: bad action: %w", err)
	}
	if act.Type != "add" {
		return registry.Result{}, fmt.Errorf("numberrush: unknown action %q", act.Type)
	}
	if len(st.TurnOrder) == 0 {
		return registry.Result{}, fmt.Errorf("numberrush: empty turn order")
	}
	if st.TurnOrder[st.TurnIdx] != playerID {
		return registry.Result{}, fmt.Errorf("numberrush: not your turn")
	}
	if act.N < 1 || act.N > MaxStep {
		return registry.Result{}, fmt.Errorf("numberrush: step must be 1-%d", MaxStep)
	}
	if st.Current+act.N > st.Target {
		return registry.Result{}, fmt.Errorf("numberrush: cannot pass %d", st.Target)
	}

	st.Current += act.N
	res := registry.Result{}
	if st.Current == st.Target {
		st.LoserID = playerID
		res.Done = true
		res.ScoreDeltas = map[uuid.UUID]int{}
		for _, id := range st.TurnOrder {
			if id != playerID {
				res.ScoreDeltas[id] = 1
			}
		}
	} else {
		st.TurnIdx = (st.TurnIdx + 1) % len(st.TurnOrder)
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return registry.Result{}, err
	}
	res.State = raw
	return res, nil
}
