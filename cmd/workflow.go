// File: cmd/workflow.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/internal/engine"
	"github.com/xkilldash9x/autopilot-cli/internal/observability"
	"github.com/xkilldash9x/autopilot-cli/internal/reporting"
	"github.com/xkilldash9x/autopilot-cli/internal/workflow"
)

// newWorkflowCmd creates the `workflow` command, which runs a batch file.
func newWorkflowCmd(provider appProvider) *cobra.Command {
	var (
		file        string
		outputPath  string
		format      string
		concurrency int
	)

	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run every job in a workflow file",
		Long: `Loads a YAML workflow, runs its jobs concurrently and reports each session.
The exit code is 1 if any job failed, otherwise 3 if any timed out, otherwise 2
if any was aborted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if file == "" {
				return errors.New("required flag \"file\" not set")
			}
			if !reporting.Supported(format) {
				return fmt.Errorf("unsupported output format: %s", format)
			}

			wf, err := workflow.Load(file)
			if err != nil {
				return err
			}
			jobs, err := engine.JobsFromWorkflow(wf)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.SetAgentConcurrency(concurrency)
			} else if wf.Concurrency > 0 {
				cfg.SetAgentConcurrency(wf.Concurrency)
			}

			logger.Info("Starting workflow", zap.String("file", file), zap.String("name", wf.Name), zap.Int("jobs", len(jobs)))
			results, err := runJobs(ctx, cfg, provider, jobs, cfg.Agent().Concurrency, logger)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			if err := writeReport(cmd, logger, results, format, outputPath); err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			return exitFromResults(ctx, results)
		},
	}

	workflowCmd.Flags().StringVar(&file, "file", "", "Path to the workflow YAML file (required)")
	workflowCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum sessions in flight (default from the file, then config)")
	workflowCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	workflowCmd.Flags().StringVarP(&format, "format", "f", reporting.FormatText, "Report format: text, json or yaml")
	return workflowCmd
}
