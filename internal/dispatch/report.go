package dispatch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Report is the outcome of a whole run. Items hold the latest result per
// netuid, so a slow-lane success replaces the first-pass failure.
type Report struct {
	RunID      string       `json:"run_id"`
	OutDir     string       `json:"outdir"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Passes     []Pass       `json:"passes"`
	Summary    Summary      `json:"summary"`
	Items      []ItemResult `json:"items"`
}

func (r *Report) addPass(p Pass) {
	r.Passes = append(r.Passes, p)

	index := make(map[int]int, len(r.Items))
	for i, it := range r.Items {
		index[it.Netuid] = i
	}
	for _, it := range p.Items {
		if i, ok := index[it.Netuid]; ok {
			r.Items[i] = it
			continue
		}
		index[it.Netuid] = len(r.Items)
		r.Items = append(r.Items, it)
	}
	r.Summary = summarize(r.Items)
}

// Finalize normalises timestamps to UTC, sorts items by netuid, and
// recomputes the summary.
func (r *Report) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	if r.Items == nil {
		r.Items = []ItemResult{}
	}
	sortItems(r.Items)
	r.Summary = summarize(r.Items)
}

// FailedIDs returns the netuids whose latest result is failed.
func (r Report) FailedIDs() []int {
	return idsInState(r.Items, StateFailed)
}

// CancelledIDs returns the netuids that were never started.
func (r Report) CancelledIDs() []int {
	return idsInState(r.Items, StateCancelled)
}

// Complete reports whether every item succeeded.
func (r Report) Complete() bool {
	for _, it := range r.Items {
		if it.State != StateSucceeded {
			return false
		}
	}
	return true
}

// WriteReport stores r as indented JSON at path, replacing any previous file.
func WriteReport(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("writing report %s: %w", path, err)
	}
	return nil
}
