// internal/reporting/reporter_test.go
package reporting_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/reporting"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func record() *schemas.SessionRecord {
	summary := schemas.SessionSummary{
		Outcome:   schemas.OutcomeFailed,
		Attempts:  4,
		Elapsed:   1500 * time.Millisecond,
		ErrorCode: schemas.ErrCodeRecoveryExhausted,
		Error:     "step 2: attempts exhausted",
	}
	return &schemas.SessionRecord{
		SessionID: "session-1",
		Objective: schemas.Objective{Goal: "buy a ticket", StartURL: "https://shop.test"},
		Outcome:   schemas.OutcomeFailed,
		Steps: []schemas.Step{
			{ID: "1", Description: "Open tickets", Action: schemas.ActionClick, Status: schemas.StepSucceeded},
			{ID: "2", Description: "Pay", Action: schemas.ActionClick, Status: schemas.StepFailed},
		},
		History: []schemas.HistoryEntry{
			{Seq: 1, Kind: schemas.EntryAttempt, Attempt: &schemas.StepAttempt{StepID: "2", Attempt: 1, Screenshot: "screenshots/session-1/2-1.png"}},
			{Seq: 2, Kind: schemas.EntrySummary, Summary: &summary},
		},
		Extracted: map[string]interface{}{"1": map[string]interface{}{"text": "Tickets"}},
	}
}

func TestNew_Stdout(t *testing.T) {
	for _, path := range []string{"stdout", ""} {
		r, err := reporting.New("text", path)
		require.NoError(t, err)
		// Close is a no-op for the stdout wrapper.
		assert.NoError(t, r.Close())
	}
}

func TestNew_File(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "report.json")

	r, err := reporting.New("json", tmpFile)
	require.NoError(t, err)
	require.NoError(t, r.Write(record()))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)
	var got []schemas.SessionRecord
	require.NoError(t, jsoniter.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "session-1", got[0].SessionID)
	assert.Equal(t, schemas.ErrCodeRecoveryExhausted, got[0].Summary().ErrorCode)
}

func TestNew_Failures(t *testing.T) {
	r, err := reporting.New("sarif", "stdout")
	assert.Nil(t, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format: sarif")

	// An unsupported format never creates the output file.
	tmpFile := filepath.Join(t.TempDir(), "out.txt")
	_, err = reporting.New("xml", tmpFile)
	assert.Error(t, err)
	_, statErr := os.Stat(tmpFile)
	assert.True(t, os.IsNotExist(statErr))

	// A directory cannot be used as the output file.
	_, err = reporting.New("json", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create output file")
}

func TestJSONReporter_EmptyIsArray(t *testing.T) {
	buf := &bufferCloser{}
	r, err := reporting.NewWriter(reporting.FormatJSON, buf)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "[]\n", buf.String())
	assert.True(t, buf.closed)
}

func TestYAMLReporter(t *testing.T) {
	buf := &bufferCloser{}
	r, err := reporting.NewWriter(reporting.FormatYAML, buf)
	require.NoError(t, err)
	require.NoError(t, r.Write(record()))
	require.NoError(t, r.Write(record()))
	require.NoError(t, r.Close())

	dec := yaml.NewDecoder(strings.NewReader(buf.String()))
	docs := 0
	for {
		var doc map[string]interface{}
		if err := dec.Decode(&doc); err != nil {
			break
		}
		docs++
		assert.Equal(t, "session-1", doc["session_id"])
		assert.Equal(t, "FAILED", doc["outcome"])
	}
	assert.Equal(t, 2, docs)
}

func TestTextReporter(t *testing.T) {
	buf := &bufferCloser{}
	r, err := reporting.NewWriter(reporting.FormatText, buf)
	require.NoError(t, err)
	require.NoError(t, r.Write(record()))
	assert.Error(t, r.Write(nil))
	require.NoError(t, r.Close())

	out := buf.String()
	for _, want := range []string{
		"Session session-1",
		"Objective: buy a ticket",
		"Outcome:   FAILED",
		"Attempts:  4 (replans: 0)",
		"RECOVERY_EXHAUSTED: step 2: attempts exhausted",
		"SUCCEEDED",
		`1: {"text":"Tickets"}`,
		"2#1: screenshots/session-1/2-1.png",
	} {
		assert.Contains(t, out, want)
	}
}
