package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/idb/internal/idbsql"
)

// runRoot executes rootCmd with args and returns what it printed. The
// commands write straight to os.Stdout via fmt.Printf rather than through
// cobra's OutOrStdout, so stdout itself has to be redirected to capture it.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w

	rootCmd.SetArgs(args)
	runErr := rootCmd.Execute()

	os.Stdout = origStdout
	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String(), runErr
}

func writeSchemaFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestApplyCommandCreatesStoresInFreshDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.sqlite")
	schemaPath := writeSchemaFile(t, `
apiVersion: idb/v1
kind: Database
metadata:
  name: catalog
spec:
  version: 1
  stores:
    - name: widgets
      autoIncrement: true
      indexes:
        - name: by_sku
          keyPath: [sku]
          unique: true
`)

	_, err := runRoot(t, "apply", "-f", schemaPath, "--db", dbPath)
	require.NoError(t, err)

	backend, err := idbsql.Open(filepath.Dir(dbPath))
	require.NoError(t, err)
	defer backend.Close()

	conn, err := backend.Open("catalog")
	require.NoError(t, err)
	defer conn.Close()
	meta, err := conn.Metadata()
	require.NoError(t, err)
	assert.Contains(t, meta.Stores, "widgets")
	assert.Contains(t, meta.Indexes, "widgets\x00by_sku")
}

func TestApplyCommandIsIdempotentAtTheSameVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.sqlite")
	schemaPath := writeSchemaFile(t, `
metadata:
  name: catalog
spec:
  version: 1
  stores:
    - name: widgets
`)

	_, err := runRoot(t, "apply", "-f", schemaPath, "--db", dbPath)
	require.NoError(t, err)

	out, err := runRoot(t, "apply", "-f", schemaPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "already at version")
}

func TestInspectCommandReportsStoreAndIndexCounts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.sqlite")
	schemaPath := writeSchemaFile(t, `
metadata:
  name: catalog
spec:
  version: 1
  stores:
    - name: widgets
      indexes:
        - name: by_sku
          keyPath: [sku]
`)
	_, err := runRoot(t, "apply", "-f", schemaPath, "--db", dbPath)
	require.NoError(t, err)

	out, err := runRoot(t, "inspect", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "widgets")
	assert.Contains(t, out, "by_sku")
}

func TestCompactCommandReportsReclaimedBytes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.sqlite")
	schemaPath := writeSchemaFile(t, `
metadata:
  name: catalog
spec:
  version: 1
  stores:
    - name: widgets
`)
	_, err := runRoot(t, "apply", "-f", schemaPath, "--db", dbPath)
	require.NoError(t, err)

	out, err := runRoot(t, "compact", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "bytes")
}

func TestCompactCommandFailsOnMissingFile(t *testing.T) {
	_, err := runRoot(t, "compact", filepath.Join(t.TempDir(), "does-not-exist.sqlite"))
	assert.Error(t, err)
}
