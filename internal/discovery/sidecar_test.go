// ABOUTME: Tests for the discovery sidecar file lifecycle.
// ABOUTME: Validates write/read round-trip, atomic overwrite, bad inputs, and the path.

package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pi-hive", "broker.json")

	info := Info{Port: 43210, PID: 1234, HubID: "hub-uuid", StartedAt: 1754300000000}
	written, err := writeTo(path, info)
	require.NoError(t, err)
	assert.Equal(t, path, written)

	got, err := readFrom(path)
	require.NoError(t, err)
	assert.Equal(t, info, *got)
	assert.Equal(t, "ws://127.0.0.1:43210", got.URL())

	// No stray temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestReadMissingSidecar(t *testing.T) {
	_, err := readFrom(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestReadCorruptSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.json")
	require.NoError(t, os.WriteFile(path, []byte("{half a payload"), 0o644))

	_, err := readFrom(path)
	assert.Error(t, err)
}

func TestWriteOverwritesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.json")

	_, err := writeTo(path, Info{Port: 1000, PID: 1, HubID: "old", StartedAt: 1})
	require.NoError(t, err)
	_, err = writeTo(path, Info{Port: 2000, PID: 2, HubID: "new", StartedAt: 2})
	require.NoError(t, err)

	got, err := readFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 2000, got.Port)
	assert.Equal(t, "new", got.HubID)
}

func TestPathLandsUnderTempDir(t *testing.T) {
	p := Path()
	assert.Equal(t, filepath.Join(os.TempDir(), "pi-hive", "broker.json"), p)
}
