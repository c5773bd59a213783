// File: cmd/report.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/internal/engine"
	"github.com/xkilldash9x/autopilot-cli/internal/reporting"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// newReporter writes to outputPath, or to the command's stdout when it is empty.
func newReporter(cmd *cobra.Command, format, outputPath string) (reporting.Reporter, error) {
	if outputPath == "" || outputPath == "stdout" {
		return reporting.NewWriter(format, nopCloser{cmd.OutOrStdout()})
	}
	return reporting.New(format, outputPath)
}

// writeReport renders every session record. Jobs that never produced a
// record are reported on stderr.
func writeReport(cmd *cobra.Command, logger *zap.Logger, results []engine.Result, format, outputPath string) error {
	reporter, err := newReporter(cmd, format, outputPath)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}

	var writeErr error
	for _, r := range results {
		if r.Record == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "job %s did not run: %v\n", r.Job, r.Err)
			continue
		}
		if err := reporter.Write(r.Record); err != nil && writeErr == nil {
			writeErr = fmt.Errorf("failed to write report for job %s: %w", r.Job, err)
		}
	}
	if err := reporter.Close(); err != nil {
		logger.Error("Failed to close reporter", zap.Error(err))
		if writeErr == nil {
			writeErr = fmt.Errorf("failed to finalize report: %w", err)
		}
	}
	return writeErr
}
