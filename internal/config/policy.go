package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReviewPolicy tunes knobs the review core leaves to deployment policy.
type ReviewPolicy struct {
	// FinalizeRequiresFull rejects finalize of a suggestion that still has
	// pending hunks.
	FinalizeRequiresFull bool `yaml:"finalize_requires_full"`

	// DriftWindow bounds, in lines each way, how far a hunk anchor may be
	// searched from its declared position. 0 keeps the built-in default.
	DriftWindow int `yaml:"drift_window"`
}

func (p *ReviewPolicy) Validate() error {
	if p == nil {
		return errors.New("nil policy")
	}
	if p.DriftWindow < 0 {
		return errors.New("drift_window must be >= 0")
	}
	return nil
}

// LoadPolicy reads a review policy YAML file. An empty path yields the
// zero policy; a missing file at an explicitly configured path is an error.
func LoadPolicy(path string) (ReviewPolicy, error) {
	var p ReviewPolicy
	path = strings.TrimSpace(path)
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
