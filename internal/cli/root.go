package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/netuidfetch/internal/config"
	"github.com/rshade/netuidfetch/internal/logging"
)

// annotationSkipConfig marks commands that must run even when the config file
// cannot be loaded.
const annotationSkipConfig = "netuidfetch/skip-config"

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// isWriterTerminal reports whether w is a terminal. Non-file writers such as
// buffers in tests are never terminals.
func isWriterTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isTerminal(f)
	}
	return false
}

// logger is the package-level logger for CLI operations.
var logger = zerolog.Nop() //nolint:gochecknoglobals // Required for zerolog context integration

// appState carries what the root command resolves for its subcommands.
type appState struct {
	lookupEnv  func(string) (string, bool)
	cfg        *config.Config
	configPath string
}

// loadConfig resolves the config file and overlays environment variables.
// An explicitly named file must exist; the default location is optional.
func (s *appState) loadConfig(cmd *cobra.Command) error {
	flagPath, _ := cmd.Flags().GetString("config")
	_, envSet := s.lookupEnv(config.EnvConfig)
	s.configPath = config.ResolvePath(flagPath, s.lookupEnv)

	if cmd.Annotations[annotationSkipConfig] != "" {
		s.cfg = config.New()
		return nil
	}

	cfg, err := config.Load(s.configPath, flagPath != "" || envSet)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(s.lookupEnv); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// NewRootCmd creates the root Cobra command for the netuidfetch CLI.
func NewRootCmd(ver string) *cobra.Command {
	return NewRootCmdWithEnv(ver, os.LookupEnv)
}

// NewRootCmdWithEnv creates the root command with an explicit env lookup for
// testability.
func NewRootCmdWithEnv(ver string, lookupEnv func(string) (string, bool)) *cobra.Command {
	var logResult *logging.LogPathResult
	state := &appState{lookupEnv: lookupEnv}

	cmd := &cobra.Command{
		Use:           "netuidfetch",
		Short:         "Fetch per-subnet JSON from an external CLI tool",
		Long:          "netuidfetch runs an external tool once per netuid with bounded concurrency and stores each result in its own file.",
		Version:       ver,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := state.loadConfig(cmd); err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			result := setupLogging(cmd, state.cfg.Logging)
			logResult = &result
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return cleanupLogging(logResult)
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("config", "", "config file (default ~/.netuidfetch/config.yaml)")
	cmd.PersistentFlags().Bool("skip-version-check", false, "skip the tool minimum version check")
	cmd.AddCommand(newFetchCmd(state), newConfigCmd(state))

	return cmd
}

const rootCmdExample = `  # Fetch netuids 1..128 with 10 concurrent invocations
  netuidfetch fetch

  # Fetch a smaller range into a custom directory
  netuidfetch fetch --start 1 --end 32 --outdir data

  # Only fetch netuids the tool reports as existing
  netuidfetch fetch --discover --shuffle

  # Write a JSON run report
  netuidfetch fetch --report run.json

  # Initialize configuration
  netuidfetch config init`

// newConfigCmd creates the config command group.
func newConfigCmd(state *appState) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration management commands"}
	cmd.AddCommand(NewConfigInitCmd(state), NewConfigShowCmd(state))
	return cmd
}
