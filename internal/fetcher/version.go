package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// ErrVersionTooOld is returned by CheckVersion when the tool is below the minimum.
var ErrVersionTooOld = errors.New("tool version below minimum")

var versionPattern = regexp.MustCompile(`v?\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?`)

// ParseVersion finds the first semantic version in free-form --version output.
func ParseVersion(out string) (*semver.Version, error) {
	match := versionPattern.FindString(out)
	if match == "" {
		return nil, fmt.Errorf("no version found in %q", out)
	}
	v, err := semver.NewVersion(match)
	if err != nil {
		return nil, fmt.Errorf("parsing version %q: %w", match, err)
	}
	return v, nil
}

// Version asks the tool for its version.
func (r *CommandRunner) Version(ctx context.Context) (*semver.Version, error) {
	stdout, stderr, err := r.run(ctx, r.VersionArgs)
	if err != nil {
		return nil, fmt.Errorf("querying tool version: %w", err)
	}
	// Some CLIs print their version on stderr.
	out := string(stdout)
	if out == "" {
		out = stderr
	}
	return ParseVersion(out)
}

// CheckVersion fails when the tool reports a version lower than minVersion.
// An empty minVersion disables the check.
func (r *CommandRunner) CheckVersion(ctx context.Context, minVersion string) (*semver.Version, error) {
	if minVersion == "" {
		return nil, nil
	}
	minV, err := semver.NewVersion(minVersion)
	if err != nil {
		return nil, fmt.Errorf("parsing minimum version %q: %w", minVersion, err)
	}

	v, err := r.Version(ctx)
	if err != nil {
		return nil, err
	}
	if v.LessThan(minV) {
		return v, fmt.Errorf("%w: %s reports %s, need >= %s", ErrVersionTooOld, r.Command, v, minV)
	}
	return v, nil
}
