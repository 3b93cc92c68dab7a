package dispatch

import (
	"context"
	"time"

	"github.com/rshade/netuidfetch/internal/config"
	"github.com/rshade/netuidfetch/internal/fetcher"
	"github.com/rshade/netuidfetch/internal/logging"
)

// Plan describes a complete fetch run.
type Plan struct {
	IDs     []int
	Shuffle bool
	First   Options
	// SlowLane, when set, retries the first pass's failures with gentler
	// settings. Its Pass field is overridden to 2.
	SlowLane *Options
}

// SlowLaneOptions derives second-pass options from the first pass. It
// returns nil when the slow lane is disabled.
func SlowLaneOptions(first Options, cfg config.SlowLaneConfig) *Options {
	if !cfg.Enabled {
		return nil
	}
	opts := first
	opts.Pass = 2
	opts.Jobs = cfg.Jobs
	opts.QPS = cfg.QPS
	opts.Retries = cfg.Retries
	opts.Backoff = max(first.Backoff, cfg.MinBackoff)
	opts.Timeout = max(first.Timeout, cfg.MinTimeout)
	return &opts
}

// Execute prepares the output directory, runs the first pass, and runs the
// slow lane over its failures. The error is non-nil only when the run could
// not start; item failures are reported in the Report.
func Execute(ctx context.Context, runner fetcher.Runner, plan Plan) (Report, error) {
	log := logging.ComponentLogger(*logging.FromContext(ctx), "dispatch")
	report := Report{
		RunID:     logging.GetOrGenerateTraceID(ctx),
		OutDir:    plan.First.OutDir,
		StartedAt: time.Now(),
	}

	first, err := New(runner, plan.First)
	if err != nil {
		return report, err
	}
	if err := first.Prepare(); err != nil {
		return report, err
	}

	ids := plan.IDs
	if plan.Shuffle {
		ids = Shuffle(ids)
	}

	report.addPass(first.Run(ctx, ids))

	failed := report.FailedIDs()
	if plan.SlowLane != nil && len(failed) > 0 && ctx.Err() == nil {
		opts := *plan.SlowLane
		opts.Pass = 2

		log.Info().
			Ctx(ctx).
			Int("items", len(failed)).
			Int("jobs", opts.Jobs).
			Float64("qps", opts.QPS).
			Msg("retrying failures in slow lane")

		second, err := New(runner, opts)
		if err != nil {
			return report, err
		}
		report.addPass(second.Run(ctx, failed))
	}

	report.FinishedAt = time.Now()
	report.Finalize()
	return report, nil
}
