package config

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

//go:embed timecontrol.default.yaml
var defaultFiles embed.FS

// TimeControlPolicy names a time-control class from base and increment.
type TimeControlPolicy struct {
	IncrementWeight int          `yaml:"increment_weight"`
	Classes         []ClassLimit `yaml:"classes"`
	Fallback        string       `yaml:"fallback"`
}

// ClassLimit matches estimates strictly below BelowSeconds.
type ClassLimit struct {
	Name         string `yaml:"name"`
	BelowSeconds int    `yaml:"below_seconds"`
}

// DefaultPolicy is the embedded policy.
func DefaultPolicy() (*TimeControlPolicy, error) {
	raw, err := fs.ReadFile(defaultFiles, "timecontrol.default.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded policy: %w", err)
	}
	return parsePolicy(raw)
}

// LoadPolicy reads path, or the embedded default when path is empty.
func LoadPolicy(path string) (*TimeControlPolicy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := parsePolicy(raw)
	if err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p, nil
}

func parsePolicy(b []byte) (*TimeControlPolicy, error) {
	var p TimeControlPolicy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p.IncrementWeight < 0 {
		return nil, fmt.Errorf("increment_weight must not be negative")
	}
	if strings.TrimSpace(p.Fallback) == "" {
		return nil, fmt.Errorf("fallback class required")
	}
	seen := make(map[string]bool)
	for _, c := range p.Classes {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.BelowSeconds <= 0 {
			return nil, fmt.Errorf("class needs a name and a positive below_seconds")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate class %q", name)
		}
		seen[name] = true
	}
	sort.SliceStable(p.Classes, func(i, j int) bool { return p.Classes[i].BelowSeconds < p.Classes[j].BelowSeconds })
	return &p, nil
}

// Classify returns the first class whose limit the estimated duration is under.
func (p *TimeControlPolicy) Classify(baseSeconds, incrementSeconds int) string {
	est := baseSeconds + p.IncrementWeight*incrementSeconds
	for _, c := range p.Classes {
		if est < c.BelowSeconds {
			return strings.ToLower(strings.TrimSpace(c.Name))
		}
	}
	return strings.ToLower(strings.TrimSpace(p.Fallback))
}
