package dispatch

import (
	"slices"
	"time"
)

// State is the lifecycle position of one work item within a pass.
type State string

// Work item states. An item moves pending -> running -> succeeded|failed, or
// pending -> cancelled when shutdown stops dispatch before it starts.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ItemResult is the outcome of one netuid in one pass.
type ItemResult struct {
	Netuid   int           `json:"netuid"`
	Pass     int           `json:"pass"`
	State    State         `json:"state"`
	Attempts int           `json:"attempts"`
	Path     string        `json:"path,omitempty"`
	Bytes    int           `json:"bytes,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Summary counts items by terminal state.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func summarize(items []ItemResult) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		switch it.State {
		case StateSucceeded:
			s.Succeeded++
		case StateFailed:
			s.Failed++
		case StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Pass is the result of dispatching one list of netuids.
type Pass struct {
	Number     int          `json:"number"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Summary    Summary      `json:"summary"`
	Items      []ItemResult `json:"-"`
}

// FailedIDs returns the netuids that ended the pass failed, ascending.
func (p Pass) FailedIDs() []int {
	return idsInState(p.Items, StateFailed)
}

func idsInState(items []ItemResult, state State) []int {
	var ids []int
	for _, it := range items {
		if it.State == state {
			ids = append(ids, it.Netuid)
		}
	}
	slices.Sort(ids)
	return ids
}

func sortItems(items []ItemResult) {
	slices.SortStableFunc(items, func(a, b ItemResult) int {
		return a.Netuid - b.Netuid
	})
}

// Observer receives progress events. Implementations must be safe for
// concurrent use: events arrive from every worker goroutine. Dispatch never
// writes to stdout or stderr itself.
type Observer interface {
	// OnAttemptStart fires before each invocation of the tool.
	OnAttemptStart(pass, netuid, attempt, maxAttempts int)
	// OnAttemptFailed fires after an invocation that did not produce a file.
	OnAttemptFailed(pass, netuid, attempt, maxAttempts int, err error)
	// OnItemDone fires once per item when it reaches a terminal state.
	OnItemDone(res ItemResult, done, total int)
	// OnPassDone fires after every item of a pass is terminal.
	OnPassDone(p Pass)
}

type nopObserver struct{}

func (nopObserver) OnAttemptStart(int, int, int, int)         {}
func (nopObserver) OnAttemptFailed(int, int, int, int, error) {}
func (nopObserver) OnItemDone(ItemResult, int, int)           {}
func (nopObserver) OnPassDone(Pass)                           {}
