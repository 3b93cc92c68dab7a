package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConfigShowCmd creates the config show command, which prints the
// effective configuration after file and environment overrides.
func NewConfigShowCmd(state *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := state.cfg.Marshal()
			if err != nil {
				return err
			}
			if state.configPath != "" {
				cmd.Printf("# source: %s\n", state.configPath)
			}
			if _, err := fmt.Fprint(cmd.OutOrStdout(), string(data)); err != nil {
				return err
			}
			if err := state.cfg.Validate(); err != nil {
				cmd.PrintErrf("Warning: %v\n", err)
			}
			return nil
		},
	}
}
