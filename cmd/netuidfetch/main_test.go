package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rshade/netuidfetch/internal/cli"
	"github.com/rshade/netuidfetch/pkg/version"
)

func TestMainComponents(t *testing.T) {
	t.Run("version available", func(t *testing.T) {
		assert.NotEmpty(t, version.GetVersion())
	})

	t.Run("cli root command", func(t *testing.T) {
		root := cli.NewRootCmd(version.GetVersion())
		assert.NotNil(t, root)
		assert.Equal(t, "netuidfetch", root.Use)
	})
}

func TestExtractFetchExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil error returns 0", err: nil, want: 0},
		{name: "failed items", err: &cli.FetchExitError{ExitCode: 2, Reason: "3 netuids failed"}, want: 2},
		{name: "interrupted", err: &cli.FetchExitError{ExitCode: 130, Reason: "interrupted"}, want: 130},
		{
			name: "wrapped FetchExitError",
			err:  fmt.Errorf("outer: %w", &cli.FetchExitError{ExitCode: 42, Reason: "custom"}),
			want: 42,
		},
		{name: "generic error falls through", err: errors.New("boom"), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractFetchExitCode(tt.err))
		})
	}
}
