package targets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFile_AddIsIdempotent(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "sd", "nodes.yaml"), map[string]string{"job": "node"})

	changed, err := f.Add("10.0.0.6")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.Add("10.0.0.5")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.Add("10.0.0.6")
	require.NoError(t, err)
	assert.False(t, changed)

	list, err := f.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5:9100", "10.0.0.6:9100"}, list)

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	var groups []group
	require.NoError(t, yaml.Unmarshal(data, &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "node", groups[0].Labels["job"])
}

func TestFile_Remove(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "nodes.yaml"), nil)
	_, err := f.Add("10.0.0.5")
	require.NoError(t, err)

	changed, err := f.Remove("10.0.0.9")
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = f.Remove("10.0.0.5")
	require.NoError(t, err)
	assert.True(t, changed)

	list, err := f.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFile_RejectsInvalidAddress(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "nodes.yaml"), nil)
	_, err := f.Add("not-an-ip")
	assert.Error(t, err)
	_, statErr := os.Stat(f.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestFile_MissingFileIsEmpty(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	list, err := f.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: [unclosed"), 0o600))
	_, err := NewFile(path, nil).Add("10.0.0.5")
	assert.Error(t, err)
}
