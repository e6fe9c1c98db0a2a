package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
tables:
  - name: scratch
    kind: structured
    columns:
      - {name: note, kind: string}
databases:
  - name: ${CATALOG_DB:-crm}
    tables:
      - name: users
        kind: structured
        columns:
          - {name: id, kind: int}
          - {name: name, kind: string}
      - name: frames
        kind: media
        columns:
          - {name: id, kind: int}
          - {name: data, kind: bytes}
          - {name: timestamp, kind: float}
`

func TestLoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	users, err := c.Lookup("crm", "users")
	require.NoError(t, err)
	assert.Equal(t, storage.KindStructured, users.Kind)
	assert.Equal(t, []string{"id", "name"}, users.Schema.Names())

	frames, err := c.Lookup("crm", "frames")
	require.NoError(t, err)
	assert.Equal(t, storage.KindMedia, frames.Kind)
	col, ok := frames.Schema.Lookup("data")
	require.True(t, ok)
	assert.Equal(t, schema.KindBytes, col.Kind)

	scratch, err := c.Lookup("", "scratch")
	require.NoError(t, err)
	assert.Equal(t, "scratch", scratch.QualifiedName())

	var names []string
	for _, d := range c.Tables() {
		names = append(names, d.QualifiedName())
	}
	assert.Equal(t, []string{"crm.frames", "crm.users", "scratch"}, names)
}

func TestLookupUnknown(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	_, err = c.Lookup("crm", "orders")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = c.Lookup("", "users")
	assert.True(t, errors.IsNotFound(err))
}

func TestInvalidCatalogs(t *testing.T) {
	tests := map[string]string{
		"unknown kind": `
tables:
  - {name: t, kind: graph, columns: [{name: a, kind: int}]}`,
		"unknown column kind": `
tables:
  - {name: t, kind: structured, columns: [{name: a, kind: decimal}]}`,
		"duplicate column": `
tables:
  - {name: t, kind: structured, columns: [{name: a, kind: int}, {name: a, kind: int}]}`,
		"no columns": `
tables:
  - {name: t, kind: structured}`,
		"duplicate table": `
tables:
  - {name: t, kind: structured, columns: [{name: a, kind: int}]}
  - {name: t, kind: media, columns: [{name: a, kind: int}]}`,
		"bad yaml": `tables: [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}
