package team

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk team definition.
//
//	scope: ["repo:NixOS/nixpkgs"]
//	reviewers:
//	  - name: alice
//	    can_merge: true
//	    window_days: 7
//	    limit: 5
//	    kill_switch: 0123abcd
type File struct {
	Scope     []string         `yaml:"scope"`
	Reviewers []ReviewerConfig `yaml:"reviewers"`
}

// ReviewerConfig describes one candidate.
type ReviewerConfig struct {
	Name       string `yaml:"name"`
	KillSwitch string `yaml:"kill_switch"`
	WindowDays int    `yaml:"window_days"`
	Limit      int    `yaml:"limit"`
	CanMerge   bool   `yaml:"can_merge"`
}

// Load reads and validates a team file.
func Load(path string, holds HoldStore) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team file: %w", err)
	}
	pool, err := Parse(data, holds)
	if err != nil {
		return nil, fmt.Errorf("team file %s: %w", path, err)
	}
	return pool, nil
}

// Parse builds a pool from YAML. Each reviewer gets a kill switch if one is
// configured, then an activity limit if window_days and limit are set.
func Parse(data []byte, holds HoldStore) (*Pool, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(f.Reviewers) == 0 {
		return nil, errors.New("no reviewers configured")
	}

	// A person may be listed once as reviewer and once as merger, each with its own limits.
	type listing struct {
		name     string
		canMerge bool
	}
	seen := make(map[listing]bool, len(f.Reviewers))
	candidates := make([]*Candidate, 0, len(f.Reviewers))
	for i, r := range f.Reviewers {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, fmt.Errorf("reviewer %d: name is required", i)
		}
		key := listing{name: strings.ToLower(name), canMerge: r.CanMerge}
		if seen[key] {
			return nil, fmt.Errorf("reviewer %s (can_merge: %t): listed twice", name, r.CanMerge)
		}
		seen[key] = true

		c := &Candidate{Name: name, CanMerge: r.CanMerge}
		if r.KillSwitch != "" {
			c.Predicates = append(c.Predicates, KillSwitch{DocumentID: r.KillSwitch})
		}
		switch {
		case r.WindowDays == 0 && r.Limit == 0:
		case r.WindowDays <= 0 || r.Limit <= 0:
			return nil, fmt.Errorf("reviewer %s: window_days and limit must both be positive", name)
		default:
			window := time.Duration(r.WindowDays) * 24 * time.Hour
			limit := NewActivityLimit(window, r.Limit, f.Scope, holds)
			limit.CanMerge = r.CanMerge
			c.Predicates = append(c.Predicates, limit)
		}
		candidates = append(candidates, c)
	}
	return NewPool(candidates...), nil
}
