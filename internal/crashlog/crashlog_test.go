package crashlog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebloop/fleetbridge/internal/store"
)

func TestLogErrorPersistsRow(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "crash.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	Init(db)
	LogError("pipeline", errors.New("boom"), map[string]string{"requestId": "abc"})

	entries, err := Recent(db, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].Level)
	assert.Equal(t, "pipeline", entries[0].Module)
	assert.Contains(t, entries[0].Context, "abc")
}

func TestLogWarnAndPanicPersist(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "crash.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	Init(db)
	LogWarn("fleet", "socket wait timed out", nil)
	LogPanic("server", "nil pointer", nil)

	entries, err := Recent(db, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "panic", entries[0].Level)
	assert.NotEmpty(t, entries[0].Stacktrace)
	assert.Equal(t, "warn", entries[1].Level)
}
