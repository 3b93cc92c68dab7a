package cli

import (
	"github.com/spf13/cobra"

	"github.com/rshade/netuidfetch/internal/config"
	"github.com/rshade/netuidfetch/internal/logging"
)

// setupLogging configures logging from the resolved config and CLI flags.
// Environment overrides were already folded into cfg by config.ApplyEnv.
func setupLogging(cmd *cobra.Command, cfg config.LoggingConfig) logging.LogPathResult {
	debug, _ := cmd.Flags().GetBool("debug")
	if debug {
		cfg.Level = "debug"
		cfg.Format = "console"
		cfg.File = ""
	}

	result := logging.NewLoggerWithPath(cfg.ToLoggingConfig())
	logger = logging.ComponentLogger(result.Logger, "cli")

	if result.UsingFile {
		logging.PrintLogPathMessage(cmd.ErrOrStderr(), result.FilePath)
	} else if result.FallbackUsed {
		logging.PrintFallbackWarning(cmd.ErrOrStderr(), result.FallbackReason)
	}

	ctx := cmd.Context()
	traceID := logging.GetOrGenerateTraceID(ctx)
	ctx = logging.ContextWithTraceID(ctx, traceID)
	// Packages below cli tag their own component on the context logger.
	ctx = result.Logger.WithContext(ctx)
	cmd.SetContext(ctx)

	logger.Debug().Ctx(ctx).Str("command", cmd.Name()).Msg("command started")

	return result
}

// cleanupLogging closes the log file handle, if any.
func cleanupLogging(logResult *logging.LogPathResult) error {
	if logResult != nil {
		return logResult.Close()
	}
	return nil
}
