package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsp-gateway/models"
)

func newStream(id, name string, order int) models.Stream {
	return models.Stream{
		ID:        id,
		Name:      name,
		RTSPUrl:   "rtsp://192.168.1.10/" + id,
		Order:     order,
		Status:    models.StatusStopped,
		TargetFPS: 5,
	}
}

func TestLoadMissingFileIsEmptyCatalogue(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "catalog.yml"))

	streams, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "catalog.yml"))

	want := []models.Stream{newStream("a", "lobby", 0), newStream("b", "entrance", 1)}
	require.NoError(t, store.Save(want))

	reloaded := New(filepath.Join(dir, "catalog.yml"))
	got, err := reloaded.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, want[0].Name, got[0].Name)
	assert.Equal(t, want[1].RTSPUrl, got[1].RTSPUrl)
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "catalog.yml"))

	bad := newStream("a", "lobby", 0)
	bad.TargetFPS = 0

	err := store.Save([]models.Stream{bad})
	require.Error(t, err)
	var schemaErr *SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestLoadRejectsInvalidRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yml")
	raw := "- id: a\n  name: lobby\n  rtsp_url: rtsp://192.168.1.10/a\n  order: 0\n  status: stopped\n  target_fps: 999\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	store := New(path)
	_, err := store.Load()
	require.Error(t, err)
	var schemaErr *SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestSavePreservesUnknownFieldsOnRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yml")
	raw := "- id: a\n  name: lobby\n  rtsp_url: rtsp://192.168.1.10/a\n  order: 0\n  status: stopped\n  target_fps: 5\n  hw_accel_enabled: false\n  future_field: keep-me\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	store := New(path)
	streams, err := store.Load()
	require.NoError(t, err)
	require.Len(t, streams, 1)

	streams[0].Name = "renamed lobby"
	require.NoError(t, store.Save(streams))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(out), "future_field: keep-me")
	assert.Contains(t, string(out), "renamed lobby")
}

func TestSaveIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "catalog.yml"))

	require.NoError(t, store.Save([]models.Stream{newStream("a", "lobby", 0)}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "catalog.yml", entries[0].Name())
}
