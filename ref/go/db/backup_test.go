package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupSQLite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.db")

	// Nothing to back up on first run.
	require.NoError(t, backupSQLite(path, time.Now(), 2))
	matches, err := filepath.Glob(path + ".*.backup")
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, os.WriteFile(path, []byte("db"), 0644))
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, backupSQLite(path, ts.Add(time.Duration(i)*time.Hour), 2))
	}

	// Pruned down to the two newest copies.
	matches, err = filepath.Glob(path + ".*.backup")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Contains(t, matches[0], "20260801T020000")
	assert.Contains(t, matches[1], "20260801T030000")

	body, err := os.ReadFile(matches[1])
	require.NoError(t, err)
	assert.Equal(t, "db", string(body))
}
