package database

import (
	"path/filepath"
	"testing"

	"transcribeengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesAllEntitiesAndSetsPragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "engine.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer Close(db)

	assert.True(t, db.Migrator().HasTable(&models.Job{}))
	assert.True(t, db.Migrator().HasTable(&models.AudioMeta{}))
	assert.True(t, db.Migrator().HasTable(&models.RawTranscript{}))
	assert.True(t, db.Migrator().HasTable(&models.CorrectedTranscript{}))
	assert.True(t, db.Migrator().HasTable(&models.Summary{}))
	assert.True(t, db.Migrator().HasTable(&models.ProcessingLog{}))

	var journalMode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&journalMode).Error)
	assert.Equal(t, "wal", journalMode)
}

func TestHealthCheckSucceedsOnOpenConnection(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	defer Close(db)

	assert.NoError(t, HealthCheck(db))
}

func TestHealthCheckFailsOnNilConnection(t *testing.T) {
	assert.Error(t, HealthCheck(nil))
}

func TestCloseOnAlreadyClosedConnectionDoesNotPanic(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)

	require.NoError(t, Close(db))
	assert.NotPanics(t, func() { Close(db) })
}
