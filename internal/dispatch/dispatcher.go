// Package dispatch runs the external tool once per netuid through a fixed-size
// worker pool and stores each payload in its own file.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rshade/netuidfetch/internal/fetcher"
	"github.com/rshade/netuidfetch/internal/logging"
)

const (
	// maxJitter is the upper bound of random delay added to each retry backoff.
	maxJitter = 250 * time.Millisecond
	// maxBackoff caps the doubled delay unless the base backoff is larger.
	maxBackoff = 2 * time.Minute
)

var (
	// ErrSetup marks failures that happen before any item is dispatched.
	ErrSetup = errors.New("dispatcher setup failed")
	// ErrInvalidOptions is returned by New for unusable options.
	ErrInvalidOptions = errors.New("invalid dispatch options")
)

// Options configures one dispatch pass.
type Options struct {
	// OutDir receives one <netuid>.json file per succeeded item.
	OutDir string
	// Jobs is the maximum number of concurrent invocations.
	Jobs int
	// Retries is the total number of attempts per item.
	Retries int
	// Backoff is the base delay before the second attempt; it doubles after.
	Backoff time.Duration
	// Timeout bounds each invocation. Zero means no limit.
	Timeout time.Duration
	// QPS caps invocation starts per second across all workers. Zero means no cap.
	QPS float64
	// Pass numbers the pass in results and events. Zero is treated as 1.
	Pass     int
	Observer Observer
}

func (o Options) validate() error {
	var errs []error
	if strings.TrimSpace(o.OutDir) == "" {
		errs = append(errs, errors.New("output directory is empty"))
	}
	if o.Jobs < 1 {
		errs = append(errs, fmt.Errorf("jobs must be >= 1, got %d", o.Jobs))
	}
	if o.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be >= 1, got %d", o.Retries))
	}
	if o.Backoff < 0 || o.Timeout < 0 || o.QPS < 0 {
		errs = append(errs, errors.New("backoff, timeout and qps must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// Dispatcher runs one pass over a list of netuids.
type Dispatcher struct {
	runner  fetcher.Runner
	opts    Options
	obs     Observer
	limiter *rate.Limiter

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New validates opts and returns a Dispatcher.
func New(runner fetcher.Runner, opts Options) (*Dispatcher, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: nil runner", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Pass == 0 {
		opts.Pass = 1
	}

	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	return &Dispatcher{
		runner:  runner,
		opts:    opts,
		obs:     obs,
		limiter: newLimiter(opts.QPS),
		sleep:   sleepContext,
		jitter:  func() time.Duration { return rand.N(maxJitter) },
	}, nil
}

func newLimiter(qps float64) *rate.Limiter {
	if qps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(qps), 1)
}

// Prepare creates the output directory. Its error wraps ErrSetup.
func (d *Dispatcher) Prepare() error {
	if err := ensureDir(d.opts.OutDir); err != nil {
		return fmt.Errorf("%w: creating output directory: %w", ErrSetup, err)
	}
	return nil
}

// Run dispatches every netuid in ids and blocks until all are terminal.
//
// Cancelling ctx stops dispatch: items not yet started end cancelled, pending
// backoffs are abandoned, and invocations already running finish under their
// own timeout. A failing item never affects the others.
func (d *Dispatcher) Run(ctx context.Context, ids []int) Pass {
	log := logging.ComponentLogger(*logging.FromContext(ctx), "dispatch")
	pass := Pass{Number: d.opts.Pass, StartedAt: time.Now().UTC()}
	total := len(ids)

	log.Info().
		Ctx(ctx).
		Int("pass", d.opts.Pass).
		Int("items", total).
		Int("jobs", d.opts.Jobs).
		Float64("qps", d.opts.QPS).
		Msg("dispatch started")

	var (
		mu    sync.Mutex
		items = make([]ItemResult, 0, total)
	)
	record := func(res ItemResult) {
		mu.Lock()
		items = append(items, res)
		done := len(items)
		mu.Unlock()
		d.obs.OnItemDone(res, done, total)
	}

	var g errgroup.Group
	g.SetLimit(d.opts.Jobs)

	for i, id := range ids {
		if ctx.Err() != nil {
			for _, rest := range ids[i:] {
				record(d.cancelled(rest))
			}
			break
		}
		g.Go(func() error {
			started := time.Now()
			res := d.runItem(ctx, id)
			res.Duration = time.Since(started)
			record(res)
			// Item failures are recorded, never returned: one failure must not
			// cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	sortItems(items)
	pass.Items = items
	pass.Summary = summarize(items)
	pass.FinishedAt = time.Now().UTC()

	log.Info().
		Ctx(ctx).
		Int("pass", d.opts.Pass).
		Int("succeeded", pass.Summary.Succeeded).
		Int("failed", pass.Summary.Failed).
		Int("cancelled", pass.Summary.Cancelled).
		Dur("elapsed", pass.FinishedAt.Sub(pass.StartedAt)).
		Msg("dispatch finished")

	d.obs.OnPassDone(pass)
	return pass
}

func (d *Dispatcher) cancelled(netuid int) ItemResult {
	return ItemResult{Netuid: netuid, Pass: d.opts.Pass, State: StateCancelled}
}

// runItem drives one netuid through its attempts.
func (d *Dispatcher) runItem(ctx context.Context, netuid int) ItemResult {
	log := logging.ComponentLogger(*logging.FromContext(ctx), "dispatch")
	res := ItemResult{Netuid: netuid, Pass: d.opts.Pass, State: StatePending}

	if ctx.Err() != nil {
		return d.cancelled(netuid)
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.Retries; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, d.backoff(attempt-1)); err != nil {
				break
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			break
		}

		res.State = StateRunning
		res.Attempts = attempt
		d.obs.OnAttemptStart(d.opts.Pass, netuid, attempt, d.opts.Retries)

		n, path, err := d.attempt(ctx, netuid)
		if err == nil {
			res.State = StateSucceeded
			res.Path = path
			res.Bytes = n
			res.Error = ""
			log.Debug().
				Ctx(ctx).
						Int("netuid", netuid).
				Int("attempt", attempt).
				Str("path", path).
				Msg("payload saved")
			return res
		}

		lastErr = err
		d.obs.OnAttemptFailed(d.opts.Pass, netuid, attempt, d.opts.Retries, err)
		log.Debug().
			Ctx(ctx).
				Int("netuid", netuid).
			Int("attempt", attempt).
			Err(err).
			Msg("attempt failed")

		if errors.Is(err, fetcher.ErrToolNotFound) {
			break
		}
	}

	if res.Attempts == 0 {
		return d.cancelled(netuid)
	}
	res.State = StateFailed
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	log.Warn().
		Ctx(ctx).
		Int("pass", d.opts.Pass).
		Int("netuid", netuid).
		Int("attempts", res.Attempts).
		Str("error", res.Error).
		Msg("netuid failed")
	return res
}

// attempt performs one invocation and, on success, writes the payload.
// The invocation is detached from ctx cancellation so shutdown lets it finish.
func (d *Dispatcher) attempt(ctx context.Context, netuid int) (int, string, error) {
	callCtx := context.WithoutCancel(ctx)
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, d.opts.Timeout)
		defer cancel()
	}

	out, err := d.runner.Fetch(callCtx, netuid)
	if err != nil {
		if errors.Is(err, fetcher.ErrTimeout) {
			return 0, "", fmt.Errorf("%w after %s", fetcher.ErrTimeout, d.opts.Timeout)
		}
		return 0, "", err
	}

	path := OutputPath(d.opts.OutDir, netuid)
	if err := writeFileAtomic(path, out.Stdout); err != nil {
		return 0, "", fmt.Errorf("writing %s: %w", path, err)
	}
	return len(out.Stdout), path, nil
}

// backoff returns the delay after the given failed attempt:
// base * 2^(failed-1), capped at max(maxBackoff, base), plus jitter.
func (d *Dispatcher) backoff(failed int) time.Duration {
	limit := max(maxBackoff, d.opts.Backoff)
	delay := d.opts.Backoff
	for i := 1; i < failed && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit) + d.jitter()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewRange returns the netuids start..end inclusive; empty when start > end.
func NewRange(start, end int) []int {
	if start > end {
		return []int{}
	}
	ids := make([]int, 0, end-start+1)
	for id := start; id <= end; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Shuffle returns a shuffled copy of ids.
func Shuffle(ids []int) []int {
	out := append([]int(nil), ids...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
