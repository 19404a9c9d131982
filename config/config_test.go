package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/directory"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("store:\n  driver: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadResolvesDefinitionPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	doc := `
store:
  driver: SQLite3
  dsn: file:wf.db
engine:
  call_timeout: 2s
  admin_roles: [admin]
  auto_strategy: round_robin
scheduler:
  expression: "*/5 * * * *"
  sweep_timeout: 30s
directory:
  users:
    mia: [manager@ops]
  permissions:
    - action: cancel
      roles: [admin]
      effect: allow
definitions:
  - defs/review.yaml
  - /etc/workflow/shared.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.DelegationCacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepTimeout)
	assert.Equal(t, []string{"manager@ops"}, cfg.Directory.Users["mia"])
	require.Len(t, cfg.Directory.Permissions, 1)
	assert.Equal(t, workflow.ActionCancel, cfg.Directory.Permissions[0].Action)
	assert.Equal(t, directory.Allow, cfg.Directory.Permissions[0].Effect)
	assert.Equal(t, []string{filepath.Join(dir, "defs/review.yaml"), "/etc/workflow/shared.yaml"}, cfg.Definitions)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown driver":   "store:\n  driver: oracle\n",
		"missing dsn":      "store:\n  driver: postgres\n",
		"unknown strategy": "engine:\n  auto_strategy: random\n",
		"negative limit":   "scheduler:\n  batch_limit: -1\n",
		"bad grant":        "directory:\n  users:\n    x: ['@ops']\n",
		"bad format":       "logging:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}
