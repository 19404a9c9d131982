package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-workflow/store"
)

const validDocument = `
version: 1
definitions:
  - name: finding-review
    entity_type: finding
    active: true
    steps:
      - id: draft
        kind: start
      - id: review
        kind: approval
        assignment_type: role
        assigned_role: manager
        deadline: 3d
      - id: approved
        kind: end
    transitions:
      - {from: draft, to: review, action: submit}
      - {from: review, to: approved, action: approve}
      - {from: review, to: draft, action: reject}
`

const brokenDocument = `
version: 1
definitions:
  - name: finding-review
    entity_type: finding
    steps:
      - id: draft
        kind: start
      - id: approved
        kind: end
    transitions:
      - {from: draft, to: nowhere, action: submit}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", validDocument)
	bad := writeFile(t, dir, "bad.yaml", brokenDocument)

	var out bytes.Buffer
	require.NoError(t, run([]string{"validate", good}, &out))
	assert.Contains(t, out.String(), "OK   "+good+" (1 definitions)")

	out.Reset()
	err := run([]string{"validate", good, bad}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 documents failed validation")
	assert.Contains(t, out.String(), "FAIL "+bad)
}

func TestValidateRejectsMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"validate", filepath.Join(t.TempDir(), "missing.yaml")}, &out)
	assert.Error(t, err)
}

func TestLoadCommandStoresDefinitions(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "review.yaml", validDocument)
	dsn := filepath.Join(dir, "workflow.db")
	cfg := writeFile(t, dir, "workflow.yaml", "store:\n  driver: sqlite3\n  dsn: "+dsn+"\nlogging:\n  level: error\n")

	var out bytes.Buffer
	require.NoError(t, run([]string{"--config", cfg, "load", doc}, &out))
	assert.Contains(t, out.String(), "finding-review\tv1\tactive")

	ctx := context.Background()
	s, err := store.OpenSQLStore(ctx, store.DialectSQLite, dsn)
	require.NoError(t, err)
	defer s.Close()

	defs, err := s.ListDefinitions(ctx, "finding-review")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.True(t, defs[0].Active)
	assert.Equal(t, 1, defs[0].Version)
}
