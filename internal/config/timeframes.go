package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TimeframeMapping maps a base timeframe onto a custom aggregate timeframe.
// Alignment defaults to the Unix epoch; bucket boundaries are contiguous,
// half-open [start, end) intervals of the target period.
type TimeframeMapping struct {
	Base   string `yaml:"base"`
	Target string `yaml:"target"`
}

// TimeframeMappings is the parsed mappings file
type TimeframeMappings struct {
	Mappings []TimeframeMapping `yaml:"mappings"`
}

// LoadTimeframeMappings reads and validates a timeframe mappings YAML file
func LoadTimeframeMappings(path string) (*TimeframeMappings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timeframe mappings: %w", err)
	}

	var tm TimeframeMappings
	if err := yaml.Unmarshal(data, &tm); err != nil {
		return nil, fmt.Errorf("failed to parse timeframe mappings: %w", err)
	}

	if len(tm.Mappings) == 0 {
		return nil, fmt.Errorf("timeframe mappings file %s contains no mappings", path)
	}

	seen := make(map[string]bool, len(tm.Mappings))
	for _, m := range tm.Mappings {
		if m.Base == "" || m.Target == "" {
			return nil, fmt.Errorf("timeframe mapping with empty base or target")
		}
		key := m.Base + "->" + m.Target
		if seen[key] {
			return nil, fmt.Errorf("duplicate timeframe mapping %s", key)
		}
		seen[key] = true
	}

	return &tm, nil
}

// ForBase returns the targets configured for a base timeframe
func (tm *TimeframeMappings) ForBase(base string) []string {
	var targets []string
	for _, m := range tm.Mappings {
		if m.Base == base {
			targets = append(targets, m.Target)
		}
	}
	return targets
}
