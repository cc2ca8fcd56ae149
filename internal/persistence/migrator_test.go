package persistence

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_projections.up.sql":   {Data: []byte("CREATE SCHEMA projections;")},
		"000001_event_log.up.sql":     {Data: []byte("CREATE SCHEMA event_log;")},
		"000001_event_log.down.sql":   {Data: []byte("DROP SCHEMA event_log;")},
		"README.md":                   {Data: []byte("notes")},
		"archive/000000_old.up.sql":   {Data: []byte("--")},
		"000002_projections.down.sql": {Data: []byte("DROP SCHEMA projections;")},
	}

	up, err := listMigrationFiles(fsys, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_event_log.up.sql", "000002_projections.up.sql"}, up)

	down, err := listMigrationFiles(fsys, ".down.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_event_log.down.sql", "000002_projections.down.sql"}, down)
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000001", extractVersion("000001_event_log.up.sql"))
	assert.Equal(t, "000010", extractVersion("000010_add_index.down.sql"))
	assert.Equal(t, "noversion.sql", extractVersion("noversion.sql"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	assert.Equal(t, "($10, $11)", placeholders(9, 2))
}
