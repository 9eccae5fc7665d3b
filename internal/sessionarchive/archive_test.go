package sessionarchive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/engine"
)

func TestOpen_MigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	var count int
	err = a.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('commands','session_events')").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecordCommand_InsertsAndUpserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	snap := engine.Snapshot{ID: "cmd-1", Text: "k", State: engine.StateCompleted, SubmittedAt: time.Now(), Output: "ok"}
	a.RecordCommand("sess-1", snap)

	var state, output string
	err = a.db.QueryRow("SELECT state, output FROM commands WHERE id = ?", "cmd-1").Scan(&state, &output)
	require.NoError(t, err)
	assert.Equal(t, "completed", state)
	assert.Equal(t, "ok", output)

	snap.Output = "updated"
	a.RecordCommand("sess-1", snap)
	err = a.db.QueryRow("SELECT output FROM commands WHERE id = ?", "cmd-1").Scan(&output)
	require.NoError(t, err)
	assert.Equal(t, "updated", output)
}

func TestRecordSessionEvent_Inserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	a.RecordSessionEvent("sess-1", "opened", "")

	var count int
	err = a.db.QueryRow("SELECT count(*) FROM session_events WHERE session_id = ? AND kind = ?", "sess-1", "opened").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
