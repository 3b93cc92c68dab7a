package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rshade/netuidfetch/internal/config"
	"github.com/rshade/netuidfetch/internal/dispatch"
	"github.com/rshade/netuidfetch/internal/fetcher"
	"github.com/rshade/netuidfetch/internal/tui"
)

// errAborted is returned when a second interrupt abandons the run.
var errAborted = errors.New("aborted by second interrupt")

// FetchExitError is returned when a run finished but not every netuid was
// fetched. main uses ExitCode as the process exit status.
type FetchExitError struct {
	ExitCode int
	Reason   string
}

func (e *FetchExitError) Error() string {
	return fmt.Sprintf("fetch incomplete: %s", e.Reason)
}

// fetchFlags holds the fetch command's flag values. Only flags the user set
// override the configuration.
type fetchFlags struct {
	start        int
	end          int
	jobs         int
	retries      int
	failExitCode int
	outDir       string
	tool         string
	report       string
	timeout      time.Duration
	backoff      time.Duration
	qps          float64
	shuffle      bool
	discover     bool
	noSlowLane   bool
}

func (f *fetchFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("start") {
		cfg.Fetch.Start = f.start
	}
	if changed("end") {
		cfg.Fetch.End = f.end
	}
	if changed("jobs") {
		cfg.Fetch.Jobs = f.jobs
	}
	if changed("retries") {
		cfg.Fetch.Retries = f.retries
	}
	if changed("fail-exit-code") {
		cfg.Fetch.FailExitCode = f.failExitCode
	}
	if changed("outdir") {
		cfg.Fetch.OutDir = f.outDir
	}
	if changed("tool") {
		cfg.Tool.Command = f.tool
	}
	if changed("timeout") {
		cfg.Fetch.Timeout = f.timeout
	}
	if changed("backoff") {
		cfg.Fetch.Backoff = f.backoff
	}
	if changed("qps") {
		cfg.Fetch.QPS = f.qps
	}
	if changed("shuffle") {
		cfg.Fetch.Shuffle = f.shuffle
	}
	if changed("discover") {
		cfg.Fetch.Discover = f.discover
	}
	if f.noSlowLane {
		cfg.SlowLane.Enabled = false
	}
}

func newFetchCmd(state *appState) *cobra.Command {
	var flags fetchFlags
	defaults := config.New()

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch JSON for a range of netuids",
		Long: `Runs the configured tool once per netuid and writes each result to
<outdir>/<netuid>.json. At most --jobs invocations run at once. A failing
netuid is reported and retried but never stops the batch; netuids still
failing after the first pass are retried once more in a slower lane.

Exit status is 0 when every netuid was fetched, --fail-exit-code when some
failed, 1 when the run could not start, and 130 when interrupted.`,
		Example: `  # Fetch the default range 1..128
  netuidfetch fetch

  # Serial fetch with a longer timeout
  netuidfetch fetch --jobs 1 --timeout 45s

  # Fetch only subnets the tool lists, in random order
  netuidfetch fetch --discover --shuffle --report run.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetch(cmd, state, &flags)
		},
	}

	f := cmd.Flags()
	f.IntVar(&flags.start, "start", defaults.Fetch.Start, "first netuid (inclusive)")
	f.IntVar(&flags.end, "end", defaults.Fetch.End, "last netuid (inclusive)")
	f.IntVarP(&flags.jobs, "jobs", "j", defaults.Fetch.Jobs, "maximum concurrent invocations")
	f.StringVar(&flags.outDir, "outdir", defaults.Fetch.OutDir, "output directory")
	f.DurationVar(&flags.timeout, "timeout", defaults.Fetch.Timeout, "per-invocation timeout (0 disables)")
	f.IntVar(&flags.retries, "retries", defaults.Fetch.Retries, "attempts per netuid")
	f.DurationVar(&flags.backoff, "backoff", defaults.Fetch.Backoff, "base retry backoff, doubled per attempt")
	f.Float64Var(&flags.qps, "qps", defaults.Fetch.QPS, "invocation starts per second across all workers (0 disables)")
	f.BoolVar(&flags.shuffle, "shuffle", false, "process netuids in random order")
	f.BoolVar(&flags.discover, "discover", false, "fetch only the netuids the tool lists")
	f.BoolVar(&flags.noSlowLane, "no-slow-lane", false, "do not retry first-pass failures in a slow lane")
	f.StringVar(&flags.report, "report", "", "write a JSON run report to this file")
	f.IntVar(&flags.failExitCode, "fail-exit-code", defaults.Fetch.FailExitCode,
		"exit code when some netuids failed (0-255, 0 exits successfully)")
	f.StringVar(&flags.tool, "tool", defaults.Tool.Command, "tool executable")

	return cmd
}

func runFetch(cmd *cobra.Command, state *appState, flags *fetchFlags) error {
	ctx := cmd.Context()

	cfg := *state.cfg
	flags.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	runner := fetcher.NewCommandRunner(cfg.Tool)

	skipVersionCheck, _ := cmd.Flags().GetBool("skip-version-check")
	if !skipVersionCheck {
		if err := checkToolVersion(ctx, runner, cfg); err != nil {
			return err
		}
	}

	ids := resolveIDs(ctx, cmd, runner, cfg.Fetch)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sd := newShutdown(cancel, cmd.ErrOrStderr())
	stop := watchSignals(sd)
	defer stop()

	first := dispatch.Options{
		OutDir:  cfg.Fetch.OutDir,
		Jobs:    cfg.Fetch.Jobs,
		Retries: cfg.Fetch.Retries,
		Backoff: cfg.Fetch.Backoff,
		Timeout: cfg.Fetch.Timeout,
		QPS:     cfg.Fetch.QPS,
		Pass:    1,
	}
	plan := dispatch.Plan{
		IDs:      ids,
		Shuffle:  cfg.Fetch.Shuffle,
		First:    first,
		SlowLane: dispatch.SlowLaneOptions(first, cfg.SlowLane),
	}

	var (
		report dispatch.Report
		err    error
	)
	if isWriterTerminal(cmd.OutOrStdout()) {
		report, err = executeWithProgress(runCtx, cmd, runner, plan, sd)
	} else {
		report, err = executeWithLines(runCtx, cmd, runner, plan, sd)
	}
	if errors.Is(err, errAborted) {
		return &FetchExitError{ExitCode: exitInterrupted, Reason: "aborted"}
	}
	if err != nil {
		return err
	}

	if err := renderSummary(cmd.OutOrStdout(), report); err != nil {
		return fmt.Errorf("rendering summary: %w", err)
	}

	logger.Info().
		Ctx(ctx).
		Str("run_id", report.RunID).
		Int("succeeded", report.Summary.Succeeded).
		Int("failed", report.Summary.Failed).
		Int("cancelled", report.Summary.Cancelled).
		Msg("fetch finished")

	if flags.report != "" {
		if err := dispatch.WriteReport(flags.report, report); err != nil {
			return err
		}
		cmd.PrintErrf("Report written to %s\n", flags.report)
	}

	return exitStatus(report, sd.Interrupted(), cfg.Fetch.FailExitCode)
}

// checkToolVersion enforces tool.min_version. A tool that is missing or too
// old is a setup failure; unparseable version output only warns.
func checkToolVersion(ctx context.Context, runner *fetcher.CommandRunner, cfg config.Config) error {
	if cfg.Tool.MinVersion == "" {
		return nil
	}
	vctx, cancel := withOptionalTimeout(ctx, cfg.Fetch.Timeout)
	defer cancel()

	v, err := runner.CheckVersion(vctx, cfg.Tool.MinVersion)
	switch {
	case err == nil:
		logger.Debug().Ctx(ctx).Str("version", v.String()).Msg("tool version accepted")
		return nil
	case errors.Is(err, fetcher.ErrVersionTooOld), errors.Is(err, fetcher.ErrToolNotFound):
		return fmt.Errorf("%w: %w", dispatch.ErrSetup, err)
	default:
		logger.Warn().Ctx(ctx).Err(err).Msg("could not determine tool version, continuing")
		return nil
	}
}

// resolveIDs returns the netuids to fetch. Discovery failures fall back to
// the configured range.
func resolveIDs(ctx context.Context, cmd *cobra.Command, runner *fetcher.CommandRunner, fc config.FetchConfig) []int {
	if !fc.Discover {
		return dispatch.NewRange(fc.Start, fc.End)
	}

	dctx, cancel := withOptionalTimeout(ctx, fc.Timeout)
	defer cancel()

	ids, err := runner.Discover(dctx)
	if err != nil {
		logger.Warn().Ctx(ctx).Err(err).Msg("netuid discovery failed")
		cmd.PrintErrln("Could not discover netuids; falling back to range.")
		return dispatch.NewRange(fc.Start, fc.End)
	}
	cmd.Printf("Discovered %d netuids from the tool; querying only those.\n", len(ids))
	return ids
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// exitStatus maps a finished run onto the command's error.
func exitStatus(r dispatch.Report, interrupted bool, failExitCode int) error {
	if interrupted {
		return &FetchExitError{ExitCode: exitInterrupted, Reason: "interrupted"}
	}
	if r.Complete() {
		return nil
	}
	failed := len(r.FailedIDs())
	if failed > 0 && failExitCode != 0 {
		return &FetchExitError{ExitCode: failExitCode, Reason: fmt.Sprintf("%d netuids failed", failed)}
	}
	return nil
}

// withObserver sets obs on every pass of plan.
func withObserver(plan dispatch.Plan, obs dispatch.Observer) dispatch.Plan {
	plan.First.Observer = obs
	if plan.SlowLane != nil {
		slow := *plan.SlowLane
		slow.Observer = obs
		plan.SlowLane = &slow
	}
	return plan
}

type executeResult struct {
	report dispatch.Report
	err    error
}

// executeAsync runs the plan in its own goroutine so the caller can abandon
// it on a second interrupt. after runs once Execute returns.
func executeAsync(ctx context.Context, runner fetcher.Runner, plan dispatch.Plan, after func()) <-chan executeResult {
	ch := make(chan executeResult, 1)
	go func() {
		report, err := dispatch.Execute(ctx, runner, plan)
		if after != nil {
			after()
		}
		ch <- executeResult{report: report, err: err}
	}()
	return ch
}

func executeWithLines(
	ctx context.Context,
	cmd *cobra.Command,
	runner fetcher.Runner,
	plan dispatch.Plan,
	sd *shutdown,
) (dispatch.Report, error) {
	plan = withObserver(plan, newLinePrinter(cmd.OutOrStdout(), cmd.ErrOrStderr()))
	select {
	case res := <-executeAsync(ctx, runner, plan, nil):
		return res.report, res.err
	case <-sd.Aborted():
		return dispatch.Report{}, errAborted
	}
}

func executeWithProgress(
	ctx context.Context,
	cmd *cobra.Command,
	runner fetcher.Runner,
	plan dispatch.Plan,
	sd *shutdown,
) (dispatch.Report, error) {
	model := tui.NewFetchModel(len(plan.IDs), sd.Trigger)
	p := tea.NewProgram(model, tea.WithOutput(cmd.OutOrStdout()), tea.WithoutSignalHandler())

	plan = withObserver(plan, tui.NewObserver(p))
	results := executeAsync(ctx, runner, plan, func() { p.Send(tui.RunDoneMsg{}) })

	uiDone := make(chan struct{})
	go func() {
		select {
		case <-sd.Aborted():
			p.Send(tui.AbortMsg{})
		case <-uiDone:
		}
	}()

	final, err := p.Run()
	close(uiDone)
	if err != nil {
		logger.Warn().Ctx(ctx).Err(err).Msg("progress view stopped")
	}
	if m, ok := final.(tui.FetchModel); ok && m.Aborted() {
		return dispatch.Report{}, errAborted
	}

	select {
	case res := <-results:
		if res.err == nil {
			printFailures(cmd.ErrOrStderr(), res.report)
		}
		return res.report, res.err
	case <-sd.Aborted():
		return dispatch.Report{}, errAborted
	}
}
