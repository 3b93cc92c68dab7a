package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrNoNetuids is returned when the list output holds no identifiers.
var ErrNoNetuids = errors.New("no netuids found in list output")

// Discover runs the list command and returns the sorted, de-duplicated
// netuids it reports.
func (r *CommandRunner) Discover(ctx context.Context) ([]int, error) {
	stdout, _, err := r.run(ctx, r.ListArgs)
	if err != nil {
		return nil, fmt.Errorf("listing netuids: %w", err)
	}
	if IsEmptyPayload(stdout) {
		return nil, ErrEmptyPayload
	}
	return ParseNetuids(stdout)
}

// ParseNetuids extracts netuids from list output. It accepts any nesting of
// objects carrying a "netuid" integer, or a flat array of integers.
func ParseNetuids(data []byte) ([]int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding list output: %w", err)
	}

	seen := make(map[int]struct{})
	if flat, ok := doc.([]any); ok {
		for _, v := range flat {
			if n, ok := asInt(v); ok {
				seen[n] = struct{}{}
			}
		}
	}
	harvest(doc, seen)

	if len(seen) == 0 {
		return nil, ErrNoNetuids
	}

	ids := make([]int, 0, len(seen))
	for n := range seen {
		ids = append(ids, n)
	}
	slices.Sort(ids)
	return ids, nil
}

func harvest(v any, seen map[int]struct{}) {
	switch t := v.(type) {
	case map[string]any:
		if n, ok := asInt(t["netuid"]); ok {
			seen[n] = struct{}{}
		}
		for _, child := range t {
			harvest(child, seen)
		}
	case []any:
		for _, child := range t {
			harvest(child, seen)
		}
	}
}

func asInt(v any) (int, bool) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	n, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return int(n), true
}
