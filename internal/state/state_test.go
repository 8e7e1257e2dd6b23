package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()

	st, err := LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func TestIdentity_AbsentByDefault(t *testing.T) {
	st := testDB(t)

	id, err := st.Identity()
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestIdentity_RoundTrip(t *testing.T) {
	st := testDB(t)

	created := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SetIdentity(Identity{ID: "ensemble_abc", CreatedAt: created}))

	id, err := st.Identity()
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "ensemble_abc", id.ID)
	assert.True(t, id.CreatedAt.Equal(created))
}

func TestIdentity_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := LoadAt(path)
	require.NoError(t, err)
	require.NoError(t, st.SetIdentity(Identity{ID: "ensemble_abc", CreatedAt: time.Now()}))
	require.NoError(t, st.Close())

	st, err = LoadAt(path)
	require.NoError(t, err)
	defer st.Close()

	id, err := st.Identity()
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "ensemble_abc", id.ID)
}

func TestLegacyClientID(t *testing.T) {
	st := testDB(t)

	assert.Empty(t, st.LegacyClientID())

	require.NoError(t, st.SetLegacyClientID("massiv_old"))
	assert.Equal(t, "massiv_old", st.LegacyClientID())

	require.NoError(t, st.DeleteLegacyClientID())
	assert.Empty(t, st.LegacyClientID())
}

func TestOwnerName(t *testing.T) {
	st := testDB(t)

	assert.Empty(t, st.OwnerName())
	require.NoError(t, st.SetOwnerName("Chris"))
	assert.Equal(t, "Chris", st.OwnerName())
}

func TestServerID(t *testing.T) {
	st := testDB(t)

	assert.Empty(t, st.ServerID())
	require.NoError(t, st.SetServerID("srv-1"))
	assert.Equal(t, "srv-1", st.ServerID())
}

func TestPlayerConfigSaved(t *testing.T) {
	st := testDB(t)

	assert.False(t, st.PlayerConfigSaved())

	require.NoError(t, st.SetPlayerConfigSaved(true))
	assert.True(t, st.PlayerConfigSaved())

	require.NoError(t, st.SetPlayerConfigSaved(false))
	assert.False(t, st.PlayerConfigSaved())
}
