package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rshade/netuidfetch/internal/fetcher"
	"github.com/rshade/netuidfetch/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type span struct {
	start, end time.Time
}

// fakeRunner records concurrency and call counts. behave decides the outcome
// of each call; call is 1 for the first invocation of a netuid.
type fakeRunner struct {
	delay  time.Duration
	behave func(ctx context.Context, netuid, call int) ([]byte, error)

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	calls       map[int]int
	spans       []span
}

func newFakeRunner(delay time.Duration) *fakeRunner {
	return &fakeRunner{delay: delay, calls: make(map[int]int)}
}

func (f *fakeRunner) Fetch(ctx context.Context, netuid int) (fetcher.Result, error) {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.calls[netuid]++
	call := f.calls[netuid]
	f.mu.Unlock()

	started := time.Now()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.spans = append(f.spans, span{start: started, end: time.Now()})
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		t := time.NewTimer(f.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fetcher.Result{Netuid: netuid}, fetcher.ErrTimeout
			}
			return fetcher.Result{Netuid: netuid}, ctx.Err()
		}
	}

	if f.behave != nil {
		out, err := f.behave(ctx, netuid, call)
		return fetcher.Result{Netuid: netuid, Stdout: out}, err
	}
	return fetcher.Result{Netuid: netuid, Stdout: payload(netuid)}, nil
}

func (f *fakeRunner) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func payload(netuid int) []byte {
	return []byte(fmt.Sprintf(`{"netuid": %d}`, netuid))
}

// sleepRecorder replaces real backoff sleeps.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestDispatcher(t *testing.T, r fetcher.Runner, opts Options) (*Dispatcher, *sleepRecorder) {
	t.Helper()
	if opts.OutDir == "" {
		opts.OutDir = t.TempDir()
	}
	if opts.Jobs == 0 {
		opts.Jobs = 4
	}
	if opts.Retries == 0 {
		opts.Retries = 1
	}
	d, err := New(r, opts)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	d.jitter = func() time.Duration { return 0 }
	require.NoError(t, d.Prepare())
	return d, rec
}

func TestNewRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		want       []int
	}{
		{name: "default range size", start: 1, end: 128, want: nil},
		{name: "single", start: 7, end: 7, want: []int{7}},
		{name: "small", start: 0, end: 3, want: []int{0, 1, 2, 3}},
		{name: "empty when start > end", start: 5, end: 4, want: []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewRange(tt.start, tt.end)
			if tt.want == nil {
				require.Len(t, got, 128)
				assert.Equal(t, 1, got[0])
				assert.Equal(t, 128, got[127])
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShuffle_PreservesMembers(t *testing.T) {
	ids := NewRange(1, 50)
	shuffled := Shuffle(ids)
	assert.ElementsMatch(t, ids, shuffled)
	assert.Equal(t, NewRange(1, 50), ids, "input must not be mutated")
}

func TestNew_InvalidOptions(t *testing.T) {
	r := newFakeRunner(0)
	tests := []struct {
		name string
		opts Options
	}{
		{name: "no outdir", opts: Options{Jobs: 1, Retries: 1}},
		{name: "zero jobs", opts: Options{OutDir: "x", Jobs: 0, Retries: 1}},
		{name: "zero retries", opts: Options{OutDir: "x", Jobs: 1, Retries: 0}},
		{name: "negative timeout", opts: Options{OutDir: "x", Jobs: 1, Retries: 1, Timeout: -1}},
		{name: "negative qps", opts: Options{OutDir: "x", Jobs: 1, Retries: 1, QPS: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(r, tt.opts)
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	_, err := New(nil, Options{OutDir: "x", Jobs: 1, Retries: 1})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestPrepare(t *testing.T) {
	t.Run("creates nested directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		d, err := New(newFakeRunner(0), Options{OutDir: dir, Jobs: 1, Retries: 1})
		require.NoError(t, err)
		require.NoError(t, d.Prepare())
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	})

	t.Run("path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "taken")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		d, err := New(newFakeRunner(0), Options{OutDir: file, Jobs: 1, Retries: 1})
		require.NoError(t, err)
		require.ErrorIs(t, d.Prepare(), ErrSetup)
	})
}

func TestRun_WritesOneFilePerItem(t *testing.T) {
	r := newFakeRunner(time.Millisecond)
	d, _ := newTestDispatcher(t, r, Options{Jobs: 4})

	ids := NewRange(1, 20)
	pass := d.Run(context.Background(), ids)

	assert.Equal(t, Summary{Total: 20, Succeeded: 20}, pass.Summary)
	assert.Equal(t, 20, r.totalCalls())
	for i, it := range pass.Items {
		assert.Equal(t, ids[i], it.Netuid, "items are sorted by netuid")
		assert.Equal(t, StateSucceeded, it.State)
		assert.Equal(t, 1, it.Attempts)
		assert.Equal(t, OutputPath(d.opts.OutDir, it.Netuid), it.Path)

		data, err := os.ReadFile(it.Path)
		require.NoError(t, err)
		assert.Equal(t, payload(it.Netuid), data)
	}

	entries, err := os.ReadDir(d.opts.OutDir)
	require.NoError(t, err)
	assert.Len(t, entries, 20, "no temp files are left behind")
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	for _, jobs := range []int{1, 2, 5, 10} {
		t.Run(fmt.Sprintf("jobs=%d", jobs), func(t *testing.T) {
			r := newFakeRunner(5 * time.Millisecond)
			d, _ := newTestDispatcher(t, r, Options{Jobs: jobs})

			pass := d.Run(context.Background(), NewRange(1, 30))

			assert.Equal(t, 30, pass.Summary.Succeeded)
			assert.LessOrEqual(t, r.maxInFlight, jobs)
			assert.GreaterOrEqual(t, r.maxInFlight, 1)
		})
	}
}

func TestRun_SingleJobNeverOverlaps(t *testing.T) {
	r := newFakeRunner(2 * time.Millisecond)
	d, _ := newTestDispatcher(t, r, Options{Jobs: 1})

	d.Run(context.Background(), NewRange(1, 10))

	spans := slices.Clone(r.spans)
	require.Len(t, spans, 10)
	slices.SortFunc(spans, func(a, b span) int { return a.start.Compare(b.start) })
	for i := 1; i < len(spans); i++ {
		assert.False(t, spans[i].start.Before(spans[i-1].end),
			"invocation %d started before invocation %d ended", i, i-1)
	}
}

func TestRun_FailingItemDoesNotBlockOthers(t *testing.T) {
	r := newFakeRunner(time.Millisecond)
	r.behave = func(_ context.Context, netuid, _ int) ([]byte, error) {
		if netuid == 5 {
			return nil, &fetcher.ExitError{Code: 1, Stderr: "subnet does not exist"}
		}
		return payload(netuid), nil
	}
	d, _ := newTestDispatcher(t, r, Options{Jobs: 3})

	pass := d.Run(context.Background(), NewRange(1, 12))

	assert.Equal(t, Summary{Total: 12, Succeeded: 11, Failed: 1}, pass.Summary)
	assert.Equal(t, []int{5}, pass.FailedIDs())

	failed := pass.Items[4]
	assert.Equal(t, 5, failed.Netuid)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, "subnet does not exist", failed.Error)
	assert.Empty(t, failed.Path)
	assert.NoFileExists(t, OutputPath(d.opts.OutDir, 5))
}

func TestRun_RetriesWithBackoff(t *testing.T) {
	r := newFakeRunner(0)
	r.behave = func(_ context.Context, netuid, call int) ([]byte, error) {
		if call < 3 {
			return nil, fetcher.ErrEmptyPayload
		}
		return payload(netuid), nil
	}
	d, rec := newTestDispatcher(t, r, Options{Jobs: 1, Retries: 3, Backoff: 100 * time.Millisecond})

	pass := d.Run(context.Background(), []int{9})

	require.Len(t, pass.Items, 1)
	assert.Equal(t, StateSucceeded, pass.Items[0].State)
	assert.Equal(t, 3, pass.Items[0].Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestRun_BackoffIsCapped(t *testing.T) {
	r := newFakeRunner(0)
	r.behave = func(context.Context, int, int) ([]byte, error) {
		return nil, fetcher.ErrEmptyPayload
	}
	d, rec := newTestDispatcher(t, r, Options{Jobs: 1, Retries: 70, Backoff: time.Second})

	pass := d.Run(context.Background(), []int{1})

	require.Len(t, pass.Items, 1)
	assert.Equal(t, 70, pass.Items[0].Attempts)
	require.Len(t, rec.delays, 69)
	assert.Equal(t, time.Second, rec.delays[0])
	for i, delay := range rec.delays {
		assert.Positive(t, delay, "delay %d", i)
		assert.LessOrEqual(t, delay, maxBackoff, "delay %d", i)
		if i > 0 {
			assert.GreaterOrEqual(t, delay, rec.delays[i-1], "delay %d", i)
		}
	}
	assert.Equal(t, maxBackoff, rec.delays[len(rec.delays)-1])
}

func TestBackoff_LargeBaseIsKept(t *testing.T) {
	d, _ := newTestDispatcher(t, newFakeRunner(0), Options{Retries: 3, Backoff: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, d.backoff(1))
	assert.Equal(t, 10*time.Minute, d.backoff(40))
}

func TestRun_LogsFinalFailure(t *testing.T) {
	var buf bytes.Buffer
	base := logging.NewLogger(&buf, logging.Config{Level: "debug", Format: "json"})
	ctx := base.WithContext(context.Background())

	r := newFakeRunner(0)
	r.behave = func(_ context.Context, netuid, _ int) ([]byte, error) {
		if netuid == 2 {
			return nil, fetcher.ErrEmptyPayload
		}
		return payload(netuid), nil
	}
	d, _ := newTestDispatcher(t, r, Options{Jobs: 1, Retries: 2})
	d.Run(ctx, []int{1, 2})

	var warned []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		assert.Equal(t, 1, bytes.Count(line, []byte(`"component"`)), string(line))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		assert.Equal(t, "dispatch", entry["component"])
		if entry["level"] == "warn" {
			warned = append(warned, entry)
		}
	}
	require.Len(t, warned, 1)
	assert.Equal(t, "netuid failed", warned[0]["message"])
	assert.InDelta(t, 2, warned[0]["netuid"], 0)
	assert.Equal(t, fetcher.ErrEmptyPayload.Error(), warned[0]["error"])
}

func TestRun_RetriesExhausted(t *testing.T) {
	r := newFakeRunner(0)
	r.behave = func(context.Context, int, int) ([]byte, error) {
		return nil, fetcher.ErrEmptyPayload
	}
	d, _ := newTestDispatcher(t, r, Options{Jobs: 2, Retries: 4})

	pass := d.Run(context.Background(), []int{1, 2})

	assert.Equal(t, 8, r.totalCalls())
	for _, it := range pass.Items {
		assert.Equal(t, StateFailed, it.State)
		assert.Equal(t, 4, it.Attempts)
		assert.Equal(t, fetcher.ErrEmptyPayload.Error(), it.Error)
	}
}

func TestRun_ToolNotFoundStopsRetries(t *testing.T) {
	r := newFakeRunner(0)
	r.behave = func(context.Context, int, int) ([]byte, error) {
		return nil, fmt.Errorf("%w: btcli", fetcher.ErrToolNotFound)
	}
	d, _ := newTestDispatcher(t, r, Options{Jobs: 1, Retries: 5})

	pass := d.Run(context.Background(), []int{1})

	assert.Equal(t, 1, r.totalCalls())
	assert.Equal(t, 1, pass.Items[0].Attempts)
	assert.Equal(t, StateFailed, pass.Items[0].State)
}

func TestRun_Timeout(t *testing.T) {
	r := newFakeRunner(time.Second)
	d, _ := newTestDispatcher(t, r, Options{Jobs: 2, Timeout: 20 * time.Millisecond})

	started := time.Now()
	pass := d.Run(context.Background(), []int{1, 2})

	assert.Less(t, time.Since(started), 500*time.Millisecond)
	for _, it := range pass.Items {
		assert.Equal(t, StateFailed, it.State)
		assert.Contains(t, it.Error, "timed out")
	}
}

func TestRun_EmptyIDs(t *testing.T) {
	r := newFakeRunner(0)
	d, _ := newTestDispatcher(t, r, Options{})

	pass := d.Run(context.Background(), []int{})

	assert.Equal(t, Summary{}, pass.Summary)
	assert.Zero(t, r.totalCalls())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	r := newFakeRunner(0)
	d, _ := newTestDispatcher(t, r, Options{Jobs: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pass := d.Run(ctx, NewRange(1, 5))

	assert.Equal(t, Summary{Total: 5, Cancelled: 5}, pass.Summary)
	assert.Zero(t, r.totalCalls())
	for _, it := range pass.Items {
		assert.Zero(t, it.Attempts)
	}
}

func TestRun_ShutdownLetsInFlightFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var inFlightCtxErr error

	r := newFakeRunner(0)
	r.behave = func(ctx context.Context, netuid, _ int) ([]byte, error) {
		if netuid == 1 {
			close(started)
			<-release
			inFlightCtxErr = ctx.Err()
		}
		return payload(netuid), nil
	}
	d, _ := newTestDispatcher(t, r, Options{Jobs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Pass)
	go func() { done <- d.Run(ctx, NewRange(1, 5)) }()

	<-started
	cancel()
	close(release)
	pass := <-done

	require.NoError(t, inFlightCtxErr, "in-flight invocation must not see shutdown")
	assert.Equal(t, StateSucceeded, pass.Items[0].State)
	assert.FileExists(t, OutputPath(d.opts.OutDir, 1))
	assert.Equal(t, Summary{Total: 5, Succeeded: 1, Cancelled: 4}, pass.Summary)
	assert.Equal(t, 1, r.totalCalls())
}

func TestRun_CancelDuringBackoffFailsItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newFakeRunner(0)
	r.behave = func(context.Context, int, int) ([]byte, error) {
		cancel()
		return nil, fetcher.ErrEmptyPayload
	}
	d, _ := newTestDispatcher(t, r, Options{Jobs: 1, Retries: 3})

	pass := d.Run(ctx, []int{1})

	assert.Equal(t, 1, r.totalCalls())
	assert.Equal(t, StateFailed, pass.Items[0].State)
	assert.Equal(t, 1, pass.Items[0].Attempts)
}

func TestRun_RerunOverwrites(t *testing.T) {
	dir := t.TempDir()
	stale := OutputPath(dir, 3)
	require.NoError(t, os.WriteFile(stale, []byte(`{"netuid": 3, "stale": "a much longer previous payload"}`), 0o600))

	for range 2 {
		d, _ := newTestDispatcher(t, newFakeRunner(0), Options{OutDir: dir, Jobs: 2})
		pass := d.Run(context.Background(), NewRange(1, 4))
		require.Equal(t, 4, pass.Summary.Succeeded)
	}

	data, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, payload(3), data)
}

func TestRun_RateLimit(t *testing.T) {
	r := newFakeRunner(0)
	d, _ := newTestDispatcher(t, r, Options{Jobs: 5, QPS: 20})

	started := time.Now()
	d.Run(context.Background(), NewRange(1, 5))

	// Burst of one: the first call is free, the next four wait 50ms each.
	assert.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)
}

type recordingObserver struct {
	mu        sync.Mutex
	starts    int
	failures  int
	doneSeq   []int
	doneTotal int
	passes    []Pass
}

func (o *recordingObserver) OnAttemptStart(int, int, int, int) {
	o.mu.Lock()
	o.starts++
	o.mu.Unlock()
}

func (o *recordingObserver) OnAttemptFailed(int, int, int, int, error) {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func (o *recordingObserver) OnItemDone(_ ItemResult, done, total int) {
	o.mu.Lock()
	o.doneSeq = append(o.doneSeq, done)
	o.doneTotal = total
	o.mu.Unlock()
}

func (o *recordingObserver) OnPassDone(p Pass) {
	o.mu.Lock()
	o.passes = append(o.passes, p)
	o.mu.Unlock()
}

func TestRun_ObserverEvents(t *testing.T) {
	r := newFakeRunner(time.Millisecond)
	r.behave = func(_ context.Context, netuid, call int) ([]byte, error) {
		if netuid == 2 && call == 1 {
			return nil, fetcher.ErrEmptyPayload
		}
		return payload(netuid), nil
	}
	obs := &recordingObserver{}
	d, _ := newTestDispatcher(t, r, Options{Jobs: 3, Retries: 2, Observer: obs})

	d.Run(context.Background(), NewRange(1, 6))

	assert.Equal(t, 7, obs.starts)
	assert.Equal(t, 1, obs.failures)
	assert.Equal(t, 6, obs.doneTotal)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6}, obs.doneSeq)
	require.Len(t, obs.passes, 1)
	assert.Equal(t, 1, obs.passes[0].Number)
}
