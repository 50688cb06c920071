package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definition = `
name: triage
trigger:
  type: manual
steps:
  - id: classify
    name: Classify
    agentId: 3f1c2a9e-4b6d-4e8f-9a0b-1c2d3e4f5a6b
    action: classify_ticket
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(slog.New(slog.DiscardHandler))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd(slog.New(slog.DiscardHandler))
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "workflow", "sweep", "version"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestWorkflowValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definition), 0o600))

	out, err := execute(t, "workflow", "validate", path)
	require.NoError(t, err)
	assert.Equal(t, "triage: 1 steps, trigger manual\n", out)
}

func TestWorkflowValidateRejectsBadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: broken\ntrigger:\n  type: manual\nsteps: []\n"), 0o600))

	_, err := execute(t, "workflow", "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one step is required")
}

func TestWorkflowImportRequiresWorkspace(t *testing.T) {
	_, err := execute(t, "workflow", "import", "missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--workspace is required")

	_, err = execute(t, "workflow", "import", "missing.yaml", "--workspace", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--workspace")
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := t.Context()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn").Enabled(ctx, slog.LevelInfo))
}
