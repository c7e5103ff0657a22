package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStatements(t *testing.T) {
	script := `-- runs
CREATE TABLE a (id TEXT); -- trailing
-- only a comment;

CREATE INDEX idx_a ON a(id);
`
	assert.Equal(t, []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX idx_a ON a(id)"}, sqlStatements(script))
}

func TestLoadSteps(t *testing.T) {
	steps, err := loadSteps(fstest.MapFS{
		"migrations/010_waits.sql": {Data: []byte("CREATE TABLE w (id TEXT);")},
		"migrations/002_runs.sql":  {Data: []byte("CREATE TABLE r (id TEXT); CREATE TABLE s (id TEXT);")},
		"migrations/README.md":     {Data: []byte("ignored")},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].version)
	assert.Equal(t, "runs", steps[0].label)
	assert.Len(t, steps[0].stmts, 2)
	assert.Equal(t, 10, steps[1].version)

	_, err = loadSteps(fstest.MapFS{"migrations/initial.sql": {Data: []byte("x")}})
	assert.Error(t, err)

	_, err = loadSteps(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("x")},
		"migrations/1_b.sql":   {Data: []byte("y")},
	})
	assert.ErrorContains(t, err, "already used")
}

func TestLoadSteps_Embedded(t *testing.T) {
	steps, err := loadSteps(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, 1, steps[0].version)
}
