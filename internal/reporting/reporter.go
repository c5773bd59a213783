// Package reporting renders finished session records for people and tools.
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// Supported output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

// Reporter defines the interface for writing session records to an output.
type Reporter interface {
	// Write processes a single session record.
	Write(rec *schemas.SessionRecord) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a new reporter based on the specified format and output path.
// An empty path or "stdout" writes to standard output.
func New(format, outputPath string) (Reporter, error) {
	if !Supported(format) {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return NewWriter(format, writer)
}

// NewWriter creates a reporter that takes ownership of w.
func NewWriter(format string, w io.WriteCloser) (Reporter, error) {
	switch format {
	case FormatJSON:
		return &jsonReporter{out: w}, nil
	case FormatYAML:
		return newYAMLReporter(w), nil
	case FormatText:
		return &textReporter{out: w}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// Supported reports whether format names a known reporter.
func Supported(format string) bool {
	switch format {
	case FormatJSON, FormatYAML, FormatText:
		return true
	}
	return false
}
