// File: cmd/workflow_test.go
package cmd

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const mixedWorkflow = `
name: smoke
concurrency: 2
jobs:
  - name: sign-in-shown
    objective: Check the sign-in page
    steps:
      - action: verify
        post_condition: page.title == "Sign in"
  - name: fill-email
    objective: Enter the email
    steps:
      - action: fill
        target: {kind: id, value: email}
        value: qa@example.test
        post_condition: page.fields.email == "qa@example.test"
  - name: dashboard
    objective: Reach the dashboard
    steps:
      - action: verify
        post_condition: page.title == "Dashboard"
`

func TestWorkflowCmd_ReportsEveryJob(t *testing.T) {
	provider := newFakeProvider(nil)
	cfgPath := createTempFile(t, "config.yaml", fastConfig)
	wfPath := createTempFile(t, "smoke.yaml", mixedWorkflow)
	outPath := filepath.Join(t.TempDir(), "report.yaml")

	_, _, code := executeRoot(t, provider, "workflow", "--config", cfgPath, "--file", wfPath, "--format", "yaml", "--output", outPath)
	assert.Equal(t, 1, code, "one failed job fails the workflow")

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	outcomes := map[string]string{}
	dec := yaml.NewDecoder(f)
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		goal := doc["objective"].(map[string]any)["goal"].(string)
		outcomes[goal] = doc["outcome"].(string)
	}
	assert.Equal(t, map[string]string{
		"Check the sign-in page": "COMPLETED",
		"Enter the email":        "COMPLETED",
		"Reach the dashboard":    "FAILED",
	}, outcomes)
	assert.Len(t, provider.store.Saved(), 3)
}

func TestWorkflowCmd_AllCompleted(t *testing.T) {
	provider := newFakeProvider(nil)
	cfgPath := createTempFile(t, "config.yaml", fastConfig)
	wfPath := createTempFile(t, "ok.yaml", `
jobs:
  - objective: Check the sign-in page
    steps:
      - {action: verify, post_condition: 'page.title == "Sign in"'}
`)

	out, _, code := executeRoot(t, provider, "workflow", "--config", cfgPath, "--file", wfPath, "--concurrency", "1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "COMPLETED")
}

func TestWorkflowCmd_UsageErrors(t *testing.T) {
	cfgPath := createTempFile(t, "config.yaml", fastConfig)
	badPath := createTempFile(t, "bad.yaml", "jobs:\n  - objective: x\n    retries: 2\n")
	tests := map[string][]string{
		"missing file flag": {"workflow", "--config", cfgPath},
		"file not found":    {"workflow", "--config", cfgPath, "--file", filepath.Join(t.TempDir(), "nope.yaml")},
		"invalid workflow":  {"workflow", "--config", cfgPath, "--file", badPath},
		"bad format":        {"workflow", "--config", cfgPath, "--file", badPath, "--format", "xml"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			provider := newFakeProvider(nil)
			_, _, code := executeRoot(t, provider, args...)
			assert.Equal(t, ExitUsage, code)
			assert.Zero(t, provider.created)
		})
	}
}
