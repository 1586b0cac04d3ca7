// Package piece defines the declarative workflow model: a piece is a graph of
// named movements with transition rules, an iteration budget, and optional
// loop monitors. Configs are loaded from YAML, normalized once, and treated
// as immutable afterwards.
package piece

// Reserved rule targets that terminate a piece run.
const (
	NextComplete = "COMPLETE"
	NextAbort    = "ABORT"
)

// Config is a fully normalized piece definition.
type Config struct {
	Name            string      `yaml:"name"`
	InitialMovement string      `yaml:"initialMovement"`
	MaxMovements    int         `yaml:"maxMovements"`
	Movements       []*Movement `yaml:"movements"`

	LoopMonitors []*LoopMonitor `yaml:"loopMonitors,omitempty"`

	// Per-piece resource maps referenced by movements by key.
	Personas      map[string]string `yaml:"personas,omitempty"`
	Policies      map[string]string `yaml:"policies,omitempty"`
	Knowledge     map[string]string `yaml:"knowledge,omitempty"`
	Instructions  map[string]string `yaml:"instructions,omitempty"`
	ReportFormats map[string]string `yaml:"reportFormats,omitempty"`
}

// Movement is one node of the piece graph: a single agent invocation (or a
// parallel group of them) plus the rules that decide the next transition.
type Movement struct {
	Name                 string   `yaml:"name"`
	Persona              string   `yaml:"persona,omitempty"`
	PersonaPath          string   `yaml:"personaPath,omitempty"`
	Instruction          string   `yaml:"instruction"`
	PassPreviousResponse *bool    `yaml:"passPreviousResponse,omitempty"`
	Rules                []*Rule  `yaml:"rules"`
	OutputContracts      []string `yaml:"outputContracts,omitempty"`
	QualityGates         []string `yaml:"qualityGates,omitempty"`
	Edit                 bool     `yaml:"edit,omitempty"`
	AllowedTools         []string `yaml:"allowedTools,omitempty"`

	Parallel []*Movement `yaml:"parallel,omitempty"`

	Provider       string `yaml:"provider,omitempty"`
	Model          string `yaml:"model,omitempty"`
	PermissionMode string `yaml:"permissionMode,omitempty"`
}

// PassesPreviousResponse reports whether the previous movement's output should
// be forwarded into this movement's instruction. Defaults to true.
func (m *Movement) PassesPreviousResponse() bool {
	return m.PassPreviousResponse == nil || *m.PassPreviousResponse
}

// IsParallel reports whether the movement is a parallel group.
func (m *Movement) IsParallel() bool {
	return len(m.Parallel) > 0
}

// Rule pairs a condition with the movement to run next when it matches.
// Next is either another movement's name or one of the reserved tokens
// COMPLETE / ABORT.
type Rule struct {
	Condition string `yaml:"condition"`
	Next      string `yaml:"next"`

	// Parsed is the normalized condition, populated during load.
	Parsed Condition `yaml:"-"`
}

// LoopMonitor interrupts a repeating movement cycle with a judge movement.
type LoopMonitor struct {
	Cycle     []string  `yaml:"cycle"`
	Threshold int       `yaml:"threshold"`
	Judge     *Movement `yaml:"judge"`
}

// JudgeName returns the namespaced name under which the monitor's judge is
// executed and recorded, avoiding collisions with real movements.
func (lm *LoopMonitor) JudgeName() string {
	name := "cycle"
	if len(lm.Cycle) > 0 {
		name = lm.Cycle[0]
	}
	return name + "/judge"
}

// MovementByName returns the named movement, or nil.
func (c *Config) MovementByName(name string) *Movement {
	for _, m := range c.Movements {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// PersonaText resolves a movement's persona spec against the piece's persona
// map. An unmapped persona spec is treated as literal prompt text.
func (c *Config) PersonaText(m *Movement) string {
	if m == nil || m.Persona == "" {
		return ""
	}
	if text, ok := c.Personas[m.Persona]; ok {
		return text
	}
	return m.Persona
}
