package player

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CollotsSpot/Massiv/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) (*IdentityStore, *state.State) {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewIdentityStore(st, testLogger()), st
}

func TestGetOrCreate_MintsCurrentFormat(t *testing.T) {
	ids, _ := testStore(t)

	id, err := ids.GetOrCreate()
	require.NoError(t, err)
	assert.True(t, IsCurrentFormat(id.ID))
	assert.Greater(t, len(id.ID), len(CurrentIDPrefix))
	assert.False(t, id.CreatedAt.IsZero())
}

func TestGetOrCreate_StableAcrossCalls(t *testing.T) {
	ids, _ := testStore(t)

	first, err := ids.GetOrCreate()
	require.NoError(t, err)

	second, err := ids.GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreate_StableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := state.LoadAt(path)
	require.NoError(t, err)

	first, err := NewIdentityStore(st, testLogger()).GetOrCreate()
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = state.LoadAt(path)
	require.NoError(t, err)
	defer st.Close()

	second, err := NewIdentityStore(st, testLogger()).GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGet_MigratesLegacyKeyWithoutRegenerating(t *testing.T) {
	ids, st := testStore(t)

	require.NoError(t, st.SetLegacyClientID("massiv_old"))

	id, err := ids.Get()
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "massiv_old", id.ID)

	// The value moved under the current key; the legacy key is gone.
	assert.Empty(t, st.LegacyClientID())

	stored, err := st.Identity()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "massiv_old", stored.ID)

	// Later lookups keep returning the migrated value verbatim.
	again, err := ids.GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "massiv_old", again.ID)
}

func TestGetOrCreate_LegacyMarkerBesideCurrentIDNeverRegenerates(t *testing.T) {
	ids, st := testStore(t)

	require.NoError(t, st.SetIdentity(state.Identity{ID: "ensemble_abc"}))
	require.NoError(t, st.SetLegacyClientID("massiv_stale"))

	id, err := ids.GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "ensemble_abc", id.ID)

	// The stale legacy marker is left alone; the stored identity wins.
	assert.Equal(t, "massiv_stale", st.LegacyClientID())
}

func TestAdopt_OverridesGeneration(t *testing.T) {
	ids, _ := testStore(t)

	require.NoError(t, ids.Adopt("ensemble_ghost"))

	id, err := ids.GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "ensemble_ghost", id.ID)
}

func TestAdopt_RejectsEmptyID(t *testing.T) {
	ids, _ := testStore(t)

	require.Error(t, ids.Adopt(""))
}

func TestIsCurrentFormat(t *testing.T) {
	assert.True(t, IsCurrentFormat("ensemble_abc"))
	assert.False(t, IsCurrentFormat("massiv_abc"))
	assert.False(t, IsCurrentFormat("abc"))
}
