package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/logging"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestLogger() logging.Logger {
	return logging.New(logging.Config{Stderr: false})
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	in := sample{Name: "alice", Count: 3}

	require.NoError(t, Save(path, in))

	out := Load(newTestLogger(), path, sample{})
	assert.Equal(t, in, out)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	def := sample{Name: "default"}
	assert.Equal(t, def, Load(newTestLogger(), path, def))
}

func TestLoadCorruptFileReturnsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	def := sample{Name: "default"}
	assert.Equal(t, def, Load(newTestLogger(), path, def))
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c", "state.json")
	require.NoError(t, Save(path, sample{Name: "deep"}))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, sample{Name: "first"}))
	require.NoError(t, Save(path, sample{Name: "second"}))

	out := Load(newTestLogger(), path, sample{})
	assert.Equal(t, "second", out.Name)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful rename")
}
