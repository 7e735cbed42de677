package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/pkg/schema"
)

// execute runs the root command with args and returns stdout, stderr and the exit code.
func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := Execute(context.Background(), root)
	code := ExitSuccess
	if err != nil {
		code = ExitFailed
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
	}
	return out.String(), errOut.String(), code
}

func TestVersionCmd(t *testing.T) {
	isolateEnv(t)
	out, _, code := execute(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, version+"\n", out)
}

func TestInvalidConfigIsUsageError(t *testing.T) {
	isolateEnv(t)
	_, _, code := execute(t, "--log-level", "loud", "validate", "x.json")
	assert.Equal(t, ExitUsage, code)
}

func TestRunCmd_Completes(t *testing.T) {
	isolateEnv(t)
	out, logs, code := execute(t, "run", "quick_prototype", "-d", "a todo app", "--provider", "static", "--diagram")
	require.Equal(t, ExitSuccess, code, logs)

	assert.Contains(t, out, "workflow_status")
	assert.Contains(t, out, "step_complete")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "--- codegen ---")
	assert.Contains(t, out, "[static]")
	assert.Contains(t, logs, `"msg":"crewflow ready"`)
	assert.Contains(t, out, "=== quick_prototype ")
	assert.Contains(t, out, "[OK]")
}

func TestRunCmd_JSONLines(t *testing.T) {
	isolateEnv(t)
	out, logs, code := execute(t, "run", "quick_prototype", "-d", "a todo app", "--json")
	require.Equal(t, ExitSuccess, code, logs)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	var last schema.Event
	var prev int64
	for _, line := range lines {
		var ev schema.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		assert.Greater(t, ev.Sequence, prev)
		prev = ev.Sequence
		last = ev
	}
	assert.Equal(t, schema.EventWorkflowComplete, last.Type)
}

func TestRunCmd_Errors(t *testing.T) {
	isolateEnv(t)

	_, _, code := execute(t, "run", "no_such_type", "-d", "x")
	assert.Equal(t, ExitUsage, code)

	_, _, code = execute(t, "run", "full_stack", "-d", "x", "-l", "cobol")
	assert.Equal(t, ExitUsage, code, "input rules reject the language")

	_, _, code = execute(t, "run", "quick_prototype")
	assert.Equal(t, ExitFailed, code, "missing required flag")
}

func TestValidateCmd_Definition(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"workflow_type": "custom",
		"steps": [
			{"id": "idea", "agent": "ideator"},
			{"id": "code", "agent": "coder", "timeout": "2m"}
		]
	}`), 0o644))
	out, _, code := execute(t, "validate", good)
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "valid (2 steps)")

	out, _, code = execute(t, "validate", "--diagram", "mermaid", good)
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "idea --> code")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{
		"steps": [
			{"id": "a", "agent": "ideator"},
			{"id": "a", "agent": "nobody"}
		]
	}`), 0o644))
	out, _, code = execute(t, "validate", bad)
	assert.Equal(t, ExitFailed, code)
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "nobody")

	_, _, code = execute(t, "validate", filepath.Join(dir, "missing.json"))
	assert.Equal(t, ExitUsage, code)
}

func TestValidateCmd_Catalog(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "extra.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
workflow_types:
  - name: idea_only
    description: Just the concept
    steps:
      - id: ideation
        agent: ideator
`), 0o644))
	out, _, code := execute(t, "validate", good)
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "idea_only")

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("workflow_types:\n  - name: x\n    bogus_key: 1\n"), 0o644))
	_, _, code = execute(t, "validate", bad)
	assert.Equal(t, ExitFailed, code)
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCodeFor(schema.WorkflowStatusCompleted))
	assert.Equal(t, ExitFailed, exitCodeFor(schema.WorkflowStatusFailed))
	assert.Equal(t, ExitCancelled, exitCodeFor(schema.WorkflowStatusCancelled))
}
