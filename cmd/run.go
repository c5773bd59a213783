// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
	"github.com/xkilldash9x/autopilot-cli/internal/engine"
	"github.com/xkilldash9x/autopilot-cli/internal/observability"
	"github.com/xkilldash9x/autopilot-cli/internal/reporting"
)

type runOptions struct {
	url         string
	objective   string
	constraints []string
	maxSteps    int
	timeout     time.Duration
	headless    bool
	driver      string
	outputPath  string
	format      string
}

// newRunCmd creates the `run` command, which drives one session.
func newRunCmd(provider appProvider) *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one objective against a browser session",
		Long: `Plans the objective with the configured model, executes the plan step by
step in a fresh browser, and prints the session record.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}
			applyRunFlagOverrides(cmd, cfg, opts)
			return runObjective(cmd, cfg, provider, opts, observability.GetLogger())
		},
	}

	runCmd.Flags().StringVarP(&opts.objective, "objective", "g", "", "Objective to accomplish (required)")
	runCmd.Flags().StringVarP(&opts.url, "url", "u", "", "Page to load before planning")
	runCmd.Flags().StringArrayVar(&opts.constraints, "constraint", nil, "Rule the planner must respect (repeatable)")
	runCmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "Upper bound on plan length (default from config)")
	runCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Session timeout (default from config)")
	runCmd.Flags().BoolVar(&opts.headless, "headless", true, "Run the browser without a window")
	runCmd.Flags().StringVar(&opts.driver, "driver", "", "Browser driver: chromedp or purego")
	runCmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	runCmd.Flags().StringVarP(&opts.format, "format", "f", reporting.FormatText, "Report format: text, json or yaml")
	return runCmd
}

func (o *runOptions) validate() error {
	if o.objective == "" {
		return errors.New("required flag \"objective\" not set")
	}
	if !reporting.Supported(o.format) {
		return fmt.Errorf("unsupported output format: %s", o.format)
	}
	if o.timeout < 0 || o.maxSteps < 0 {
		return errors.New("--timeout and --max-steps must not be negative")
	}
	return nil
}

// applyRunFlagOverrides copies explicitly set flags over the loaded configuration.
func applyRunFlagOverrides(cmd *cobra.Command, cfg config.Interface, opts *runOptions) {
	if cmd.Flags().Changed("headless") {
		cfg.SetBrowserHeadless(opts.headless)
	}
	if cmd.Flags().Changed("driver") {
		cfg.SetBrowserDriver(opts.driver)
	}
	if cmd.Flags().Changed("timeout") && opts.timeout > 0 {
		cfg.SetAgentSessionTimeout(opts.timeout)
	}
}

func runObjective(cmd *cobra.Command, cfg config.Interface, provider appProvider, opts *runOptions, logger *zap.Logger) error {
	ctx := cmd.Context()
	job := engine.Job{
		Name: "run",
		Objective: schemas.Objective{
			Goal:        opts.objective,
			StartURL:    opts.url,
			Timeout:     opts.timeout,
			MaxSteps:    opts.maxSteps,
			Constraints: opts.constraints,
		},
	}
	if err := job.Objective.Validate(); err != nil {
		return err
	}

	logger.Info("Starting session", zap.String("objective", opts.objective), zap.String("url", opts.url))
	results, err := runJobs(ctx, cfg, provider, []engine.Job{job}, 1, logger)
	if err != nil {
		// Config-class failures keep their usage exit code.
		if schemas.CodeOf(err) == schemas.ErrCodeConfig {
			return err
		}
		return &ExitError{Code: 1, Err: err}
	}

	if err := writeReport(cmd, logger, results, opts.format, opts.outputPath); err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	return exitFromResults(ctx, results)
}

func exitFromResults(ctx context.Context, results []engine.Result) error {
	code := aggregateExitCode(ctx, results)
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}
