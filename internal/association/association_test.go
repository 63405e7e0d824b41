package association

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	t.Parallel()

	m := NewMemory(Association{Name: "OBS", MaskID: "a"})

	require.NoError(t, m.UpdateAssociation(Association{Name: "obs", MaskID: "b"}))
	items, err := m.Associations()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].MaskID)

	err = m.UpdateAssociation(Association{Name: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	// Callers get a copy.
	items[0].MaskID = "mutated"
	items, _ = m.Associations()
	assert.Equal(t, "b", items[0].MaskID)
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	path := "/home/user/.config/coremask/profiles.json"
	store := NewFileStore(fs, path)

	items, err := store.Associations()
	require.NoError(t, err)
	assert.Empty(t, items)

	nice := -5
	data := []byte(`[
		{"name": "game", "executables": ["game.x86_64"], "maskId": "p-cores", "priority": -5},
		{"name": "build", "executables": ["make", "cc1"], "maskId": "e-cores"}
	]`)
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))

	items, err = store.Associations()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, Association{Name: "game", Executables: []string{"game.x86_64"}, MaskID: "p-cores", Priority: &nice}, items[0])
	assert.Nil(t, items[1].Priority)

	require.NoError(t, store.UpdateAssociation(Association{Name: "BUILD", Executables: []string{"make"}, MaskID: "all"}))
	items, err = store.Associations()
	require.NoError(t, err)
	assert.Equal(t, "all", items[1].MaskID)
	assert.Equal(t, "p-cores", items[0].MaskID)

	assert.ErrorIs(t, store.UpdateAssociation(Association{Name: "nope"}), ErrNotFound)

	require.NoError(t, afero.WriteFile(fs, path, []byte("nope"), 0o644))
	_, err = store.Associations()
	assert.Error(t, err)
}
