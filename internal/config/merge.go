package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Top-level YAML config key names used for shallow merge.
const (
	keyFetch    = "fetch"
	keyTool     = "tool"
	keySlowLane = "slow_lane"
	keyLogging  = "logging"
)

// knownTopLevelKeys lists the YAML keys that correspond to Config fields.
// Keys not in this list are silently ignored during merge.
//
//nolint:gochecknoglobals // Compile-time constant lookup table.
var knownTopLevelKeys = map[string]bool{
	keyFetch:    true,
	keyTool:     true,
	keySlowLane: true,
	keyLogging:  true,
}

// ShallowMergeYAML loads a YAML file and merges its sections onto target.
// Fields present in a section overwrite the target; fields absent from the
// file keep their current values.
func ShallowMergeYAML(target *Config, overlayPath string) error {
	if target == nil {
		return errors.New("nil target *Config in ShallowMergeYAML")
	}

	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return fmt.Errorf("reading overlay file %s: %w", overlayPath, err)
	}

	var overlay map[string]interface{}
	if err = yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing overlay YAML from %s: %w", overlayPath, err)
	}

	// Empty or comment-only file: nothing to merge.
	if len(overlay) == 0 {
		return nil
	}

	for key, value := range overlay {
		if !knownTopLevelKeys[key] {
			continue
		}

		// Re-marshal the single section so it can be decoded onto the
		// strongly-typed target field.
		sectionBytes, marshalErr := yaml.Marshal(value)
		if marshalErr != nil {
			return fmt.Errorf("re-marshalling overlay section %q: %w", key, marshalErr)
		}

		if err = unmarshalSection(target, key, sectionBytes); err != nil {
			return fmt.Errorf("applying overlay section %q: %w", key, err)
		}
	}

	return nil
}

// unmarshalSection decodes raw YAML bytes into the field of target named by key.
func unmarshalSection(target *Config, key string, data []byte) error {
	switch key {
	case keyFetch:
		return yaml.Unmarshal(data, &target.Fetch)
	case keyTool:
		return yaml.Unmarshal(data, &target.Tool)
	case keySlowLane:
		return yaml.Unmarshal(data, &target.SlowLane)
	case keyLogging:
		return yaml.Unmarshal(data, &target.Logging)
	default:
		return nil
	}
}
