// File: cmd/config.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

const redacted = "[redacted]"

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redactConfig(cfg))
			if err != nil {
				return &ExitError{Code: 1, Err: fmt.Errorf("failed to render config: %w", err)}
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return configCmd
}

// redactConfig returns a copy of cfg with credentials masked.
func redactConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.LLMCfg.Models = make(map[string]config.LLMModelConfig, len(cfg.LLMCfg.Models))
	for name, m := range cfg.LLMCfg.Models {
		if m.APIKey != "" {
			m.APIKey = redacted
		}
		out.LLMCfg.Models[name] = m
	}
	if out.StoreCfg.DSN != "" {
		out.StoreCfg.DSN = redacted
	}
	return out
}
