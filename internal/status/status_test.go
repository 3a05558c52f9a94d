package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgridengine/supervisor/internal/childrunner"
	"github.com/mlgridengine/supervisor/internal/testutils"
)

func TestWriteStarted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	p := New(path)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.WriteStarted("host-a", 9090, started))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "running", doc.Status)
	assert.Equal(t, "host-a", doc.Executor.Hostname)
	assert.Equal(t, 9090, doc.Executor.Port)
	assert.Nil(t, doc.FinishedAt)
}

func TestWriteFinished_Exited(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	p := New(path)

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	require.NoError(t, p.WriteFinished("host-a", 9090, started, finished, childrunner.StatusExited, 0, 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "exited", doc.Status)
	require.NotNil(t, doc.ExitCode)
	assert.Equal(t, 0, *doc.ExitCode)
	assert.Nil(t, doc.ExitSignal)
	require.NotNil(t, doc.FinishedAt)
}

func TestWriteFinished_Signalled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	p := New(path)

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	require.NoError(t, p.WriteFinished("host-a", 9090, started, finished, childrunner.StatusSignalled, 0, 9))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "signalled", doc.Status)
	assert.Nil(t, doc.ExitCode)
	require.NotNil(t, doc.ExitSignal)
	assert.Equal(t, 9, *doc.ExitSignal)
}

func TestWriteFinished_StructuralShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	p := New(path)

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	require.NoError(t, p.WriteFinished("host-b", 8080, started, finished, childrunner.StatusExited, 7, 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	expected := `{
		"status": "exited",
		"executor": {"hostname": "host-b", "port": 8080},
		"exitCode": 7,
		"startedAt": "<<PRESENCE>>",
		"finishedAt": "<<PRESENCE>>"
	}`
	testutils.NewJSONAsserter(t).Assert(string(data), expected)
}

func TestWrite_OverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	p := New(path)

	started := time.Now()
	require.NoError(t, p.WriteStarted("host-a", 1, started))
	require.NoError(t, p.WriteFinished("host-a", 1, started, time.Now(), childrunner.StatusExited, 0, 0))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // no leftover temp files
}

func TestPersister_EmptyPathIsNoop(t *testing.T) {
	p := New("")
	require.NoError(t, p.WriteStarted("host-a", 1, time.Now()))
	require.NoError(t, p.WriteFinished("host-a", 1, time.Now(), time.Now(), childrunner.StatusExited, 0, 0))
}
