package piece

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, and normalizes a piece config from the given YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read piece config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid piece config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve locates a piece by name or path. A ref containing a path separator
// or .yaml/.yml suffix is treated as a file path; otherwise the piece is
// looked up under <projectCwd>/.takt/pieces/<name>.yaml.
func Resolve(projectCwd, ref string) (*Config, error) {
	if strings.ContainsAny(ref, `/\`) || strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") {
		return Load(ref)
	}
	candidates := []string{
		filepath.Join(projectCwd, ".takt", "pieces", ref+".yaml"),
		filepath.Join(projectCwd, ".takt", "pieces", ref+".yml"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	return nil, fmt.Errorf("piece %q not found under %s", ref, filepath.Join(projectCwd, ".takt", "pieces"))
}

// Parse unmarshals and normalizes a piece config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates structure and parses every rule condition, including
// parallel children and loop-monitor judges. Rule-target existence is checked
// later at engine construction; here only shape and syntax are enforced.
func Normalize(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("piece name is required")
	}
	if len(cfg.Movements) == 0 {
		return fmt.Errorf("piece %q has no movements", cfg.Name)
	}
	if cfg.MaxMovements <= 0 {
		return fmt.Errorf("piece %q: maxMovements must be positive", cfg.Name)
	}
	if cfg.InitialMovement == "" {
		return fmt.Errorf("piece %q: initialMovement is required", cfg.Name)
	}

	seen := make(map[string]bool, len(cfg.Movements))
	for _, m := range cfg.Movements {
		if m.Name == "" {
			return fmt.Errorf("piece %q: movement name must not be empty", cfg.Name)
		}
		if seen[m.Name] {
			return fmt.Errorf("piece %q: duplicate movement name %q", cfg.Name, m.Name)
		}
		seen[m.Name] = true
		if err := normalizeMovement(m, false); err != nil {
			return fmt.Errorf("piece %q: %w", cfg.Name, err)
		}
	}

	for i, lm := range cfg.LoopMonitors {
		if len(lm.Cycle) < 2 {
			return fmt.Errorf("piece %q: loop monitor %d: cycle needs at least 2 movements", cfg.Name, i)
		}
		if lm.Threshold <= 0 {
			return fmt.Errorf("piece %q: loop monitor %d: threshold must be positive", cfg.Name, i)
		}
		if lm.Judge == nil {
			return fmt.Errorf("piece %q: loop monitor %d: judge is required", cfg.Name, i)
		}
		if lm.Judge.Name == "" {
			lm.Judge.Name = lm.JudgeName()
		}
		if err := normalizeMovement(lm.Judge, false); err != nil {
			return fmt.Errorf("piece %q: loop monitor %d judge: %w", cfg.Name, i, err)
		}
	}

	return nil
}

// normalizeMovement parses rule conditions and enforces the per-movement
// shape invariants. child marks parallel sub-movements, which may not nest.
func normalizeMovement(m *Movement, child bool) error {
	if m.Persona != "" && m.IsParallel() {
		return fmt.Errorf("movement %q: persona and parallel are mutually exclusive", m.Name)
	}
	if child && m.IsParallel() {
		return fmt.Errorf("movement %q: parallel movements cannot nest", m.Name)
	}

	for i, r := range m.Rules {
		cond, err := ParseCondition(r.Condition)
		if err != nil {
			return fmt.Errorf("movement %q rule %d: %w", m.Name, i+1, err)
		}
		if cond.IsAggregate() && !m.IsParallel() {
			return fmt.Errorf("movement %q rule %d: aggregate condition %q requires a parallel movement", m.Name, i+1, r.Condition)
		}
		if m.IsParallel() && !cond.IsAggregate() {
			return fmt.Errorf("movement %q rule %d: parallel movements only accept all(...)/any(...) rules", m.Name, i+1)
		}
		if r.Next == "" {
			return fmt.Errorf("movement %q rule %d: next is required", m.Name, i+1)
		}
		r.Parsed = cond
	}

	childNames := make(map[string]bool, len(m.Parallel))
	for _, sub := range m.Parallel {
		if sub.Name == "" {
			return fmt.Errorf("movement %q: parallel sub-movement name must not be empty", m.Name)
		}
		if childNames[sub.Name] {
			return fmt.Errorf("movement %q: duplicate parallel sub-movement %q", m.Name, sub.Name)
		}
		childNames[sub.Name] = true
		if err := normalizeMovement(sub, true); err != nil {
			return err
		}
	}

	return nil
}
