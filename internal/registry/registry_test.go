// internal/registry/registry_test.go
package registry

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/models"
)

type nopReducer struct{}

func (nopReducer) Init(room *models.Room, players []*models.Player) (Result, error) {
	return Result{State: json.RawMessage(`{}`)}, nil
}

func (nopReducer) Reduce(state json.RawMessage, playerID uuid.UUID, action json.RawMessage) (Result, error) {
	return Result{State: state}, nil
}

func TestLookup(t *testing.T) {
	reg, err := New(
		Descriptor{ID: "alpha", DisplayName: "Alpha", MinPlayers: 2, MaxPlayers: 4, Reducer: nopReducer{}},
		Descriptor{ID: "beta", DisplayName: "Beta", Reducer: nopReducer{}},
	)
	require.NoError(t, err)

	d, ok := reg.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, 2, d.MinPlayers)

	_, ok = reg.Lookup("gamma")
	assert.False(t, ok)
}

func TestMinPlayersDefault(t *testing.T) {
	reg, err := New(Descriptor{ID: "beta", Reducer: nopReducer{}})
	require.NoError(t, err)
	d, ok := reg.Lookup("beta")
	require.True(t, ok)
	assert.Equal(t, DefaultMinPlayers, d.MinPlayers)
}

func TestConstructionErrors(t *testing.T) {
	_, err := New(Descriptor{ID: "", Reducer: nopReducer{}})
	assert.Error(t, err)

	_, err = New(Descriptor{ID: "x"})
	assert.Error(t, err)

	_, err = New(
		Descriptor{ID: "x", Reducer: nopReducer{}},
		Descriptor{ID: "x", Reducer: nopReducer{}},
	)
	assert.Error(t, err)
}

func TestIDs(t *testing.T) {
	reg := MustNew(
		Descriptor{ID: "alpha", Reducer: nopReducer{}},
		Descriptor{ID: "beta", Reducer: nopReducer{}},
	)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, reg.IDs())
}
