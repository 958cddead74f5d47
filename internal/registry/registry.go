// internal/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/parlor-games/parlor/internal/models"
)

// DefaultMinPlayers applies when a module descriptor leaves MinPlayers unset.
const DefaultMinPlayers = 3

// Result is what a reducer hands back: the next opaque game state, plus the
// per-player mutations the module is allowed to request (alive flags, score
// deltas) and whether the game just ended.
type Result struct {
	State json.RawMessage

	// Eliminated lists players whose IsAlive should flip to false.
	Eliminated []uuid.UUID

	// ScoreDeltas are added to each listed player's score.
	ScoreDeltas map[uuid.UUID]int

	// Done marks the game finished; the room transitions to "finished".
	Done bool
}

// Reducer is the pluggable game brain. Init produces the opening state for a
// roster; Reduce folds one player action into the next state. The core never
// inspects State; legality and win conditions are entirely the module's
// problem.
type Reducer interface {
	Init(room *models.Room, players []*models.Player) (Result, error)
	Reduce(state json.RawMessage, playerID uuid.UUID, action json.RawMessage) (Result, error)
}

// Descriptor is the static registration record for one game module.
type Descriptor struct {
	ID          string
	DisplayName string
	MinPlayers  int
	MaxPlayers  int
	Reducer     Reducer
}

// Registry is an immutable game-type lookup table, built once at process
// start and passed by reference to whoever needs it.
type Registry struct {
	modules map[string]Descriptor
}

// New builds a Registry from descriptors. Duplicate or empty ids and missing
// reducers are programmer errors and fail construction.
func New(descriptors ...Descriptor) (*Registry, error) {
	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("registry: descriptor with empty id")
		}
		if d.Reducer == nil {
			return nil, fmt.Errorf("registry: module %q has no reducer", d.ID)
		}
		if _, dup := m[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate module id %q", d.ID)
		}
		if d.MinPlayers <= 0 {
			d.MinPlayers = DefaultMinPlayers
		}
		m[d.ID] = d
	}
	return &Registry{modules: m}, nil
}

// MustNew is New for static process-start registration.
func MustNew(descriptors ...Descriptor) *Registry {
	r, err := New(descriptors...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the descriptor for gameType.
func (r *Registry) Lookup(gameType string) (Descriptor, bool) {
	d, ok := r.modules[gameType]
	return d, ok
}

// IDs returns the registered module ids, for listing endpoints.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	return ids
}
