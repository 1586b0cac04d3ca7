package engine

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yoshihiko555/takt/internal/piece"
)

// InstructionContext carries everything the builder needs to render one
// movement's prompt.
type InstructionContext struct {
	Task              string
	Iteration         int
	MaxMovements      int
	MovementIteration int
	Cwd               string
	ProjectCwd        string
	ReportDir         string
	PreviousOutput    string
	UserInputs        []string
	Language          string
}

// InstructionBuilder renders the Phase 1 prompt for a movement.
type InstructionBuilder struct {
	cfg *piece.Config
}

// NewInstructionBuilder creates a builder bound to a piece config.
func NewInstructionBuilder(cfg *piece.Config) *InstructionBuilder {
	return &InstructionBuilder{cfg: cfg}
}

// reportRefPattern matches {report:<name>} placeholders.
var reportRefPattern = regexp.MustCompile(`\{report:([^}]+)\}`)

// resourceRefPattern matches references to the piece's policy, knowledge,
// and instruction maps, e.g. {policy:security}.
var resourceRefPattern = regexp.MustCompile(`\{(policy|knowledge|instruction):([^}]+)\}`)

// resolveResourceRefs substitutes piece-level resource texts into a template.
// References to unknown keys are left as written so they surface in the
// rendered prompt.
func (b *InstructionBuilder) resolveResourceRefs(template string) string {
	return resourceRefPattern.ReplaceAllStringFunc(template, func(ref string) string {
		parts := resourceRefPattern.FindStringSubmatch(ref)
		kind, key := parts[1], parts[2]
		var m map[string]string
		switch kind {
		case "policy":
			m = b.cfg.Policies
		case "knowledge":
			m = b.cfg.Knowledge
		case "instruction":
			m = b.cfg.Instructions
		}
		if text, ok := m[key]; ok {
			return text
		}
		return ref
	})
}

// Build renders the full prompt for a movement. Placeholders present in the
// template are substituted in place; sections whose placeholder is absent are
// auto-appended so every prompt carries the task and piece context.
func (b *InstructionBuilder) Build(m *piece.Movement, ictx InstructionContext) string {
	// Resource texts are expanded first so they may themselves carry
	// context placeholders.
	template := b.resolveResourceRefs(m.Instruction)

	task := Sanitize(ictx.Task)
	prev := Sanitize(ictx.PreviousOutput)
	userInputs := formatUserInputs(ictx.UserInputs)

	hasTask := strings.Contains(template, "{task}")
	hasPrev := strings.Contains(template, "{previous_response}")
	hasInputs := strings.Contains(template, "{user_inputs}")
	hasIteration := strings.Contains(template, "{iteration}") || strings.Contains(template, "{movement_iteration}")

	r := strings.NewReplacer(
		"{task}", task,
		"{iteration}", fmt.Sprintf("%d", ictx.Iteration),
		"{max_movements}", fmt.Sprintf("%d", ictx.MaxMovements),
		"{movement_iteration}", fmt.Sprintf("%d", ictx.MovementIteration),
		"{previous_response}", prev,
		"{user_inputs}", userInputs,
		"{report_dir}", ictx.ReportDir,
	)
	body := r.Replace(template)
	body = reportRefPattern.ReplaceAllStringFunc(body, func(ref string) string {
		name := reportRefPattern.FindStringSubmatch(ref)[1]
		return filepath.Join(ictx.ReportDir, name)
	})

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(body, "\n"))

	if !hasTask {
		sb.WriteString("\n\n## User Request\n\n")
		sb.WriteString(task)
	}
	if !hasPrev && m.PassesPreviousResponse() && prev != "" {
		sb.WriteString("\n\n## Previous Response\n\n")
		sb.WriteString(prev)
	}
	if !hasInputs && len(ictx.UserInputs) > 0 {
		sb.WriteString("\n\n## Additional User Inputs\n\n")
		sb.WriteString(userInputs)
	}
	if !hasIteration {
		sb.WriteString("\n\n## Piece Context\n\n")
		fmt.Fprintf(&sb, "- Iteration: %d/%d\n", ictx.Iteration, ictx.MaxMovements)
		fmt.Fprintf(&sb, "- Movement Iteration: %d", ictx.MovementIteration)
	}
	if len(m.QualityGates) > 0 {
		sb.WriteString("\n\n## Quality Gates\n")
		for _, gate := range m.QualityGates {
			sb.WriteString("\n- ")
			sb.WriteString(gate)
		}
	}

	sb.WriteString("\n\n## Execution Rules\n\n")
	if m.Edit {
		sb.WriteString("Editing is ENABLED: you may create and modify files in the working directory.")
	} else {
		sb.WriteString("Editing is DISABLED: do not create or modify any files.")
	}

	if ictx.Language != "" {
		fmt.Fprintf(&sb, "\nRespond in %s.", ictx.Language)
	}

	return sb.String()
}

// Sanitize replaces curly braces in interpolated user content with full-width
// look-alikes so the result cannot reintroduce placeholders.
func Sanitize(s string) string {
	if !strings.ContainsAny(s, "{}") {
		return s
	}
	s = strings.ReplaceAll(s, "{", "｛")
	return strings.ReplaceAll(s, "}", "｝")
}

func formatUserInputs(inputs []string) string {
	if len(inputs) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, in := range inputs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- ")
		sb.WriteString(Sanitize(in))
	}
	return sb.String()
}

// ReportInstructionBuilder renders the Phase 2 (report-writing) prompt.
type ReportInstructionBuilder struct {
	cfg *piece.Config
}

// NewReportInstructionBuilder creates a Phase 2 prompt builder.
func NewReportInstructionBuilder(cfg *piece.Config) *ReportInstructionBuilder {
	return &ReportInstructionBuilder{cfg: cfg}
}

// Build renders the report-writing prompt. Requesting Phase 2 for a movement
// without output contracts is a programming error and fails fatally.
func (b *ReportInstructionBuilder) Build(m *piece.Movement, reportDir string) (string, error) {
	if len(m.OutputContracts) == 0 {
		return "", fmt.Errorf("movement %q has no output contracts; report phase must not run", m.Name)
	}

	var sb strings.Builder
	sb.WriteString("Write the report files for the work you just completed.\n\n")
	fmt.Fprintf(&sb, "Report directory (absolute): %s\n\n", reportDir)
	sb.WriteString("## Files To Write\n")
	for _, name := range m.OutputContracts {
		fmt.Fprintf(&sb, "\n- %s", filepath.Join(reportDir, name))
		if format, ok := b.cfg.ReportFormats[name]; ok {
			fmt.Fprintf(&sb, "\n  Format:\n  %s", strings.ReplaceAll(format, "\n", "\n  "))
		}
	}
	sb.WriteString("\n\nWrite each file in Markdown. Overwrite existing files; prior versions are archived automatically.")
	return sb.String(), nil
}

// StatusJudgmentBuilder renders the Phase 3 (rule-classification) prompt.
type StatusJudgmentBuilder struct{}

// Build renders the judgment prompt listing every rule as a selectable tag.
// A movement without rules cannot be judged and fails fatally.
func (StatusJudgmentBuilder) Build(m *piece.Movement, responseText string) (string, error) {
	if len(m.Rules) == 0 {
		return "", fmt.Errorf("movement %q has no rules; status judgment must not run", m.Name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Classify the following output of movement %q against its transition rules.\n\n", m.Name)
	sb.WriteString("## Output\n\n")
	sb.WriteString(Sanitize(responseText))
	sb.WriteString("\n\n## Rules\n")
	for i, r := range m.Rules {
		condition := r.Condition
		if r.Parsed.Kind == piece.CondAI && len(r.Parsed.Args) == 1 {
			condition = r.Parsed.Args[0]
		}
		fmt.Fprintf(&sb, "\n- %s %s", MovementTag(m.Name, i+1), condition)
	}
	fmt.Fprintf(&sb, "\n\nRespond with exactly one tag of the form [%s:N] where N is the matching rule number. Output nothing else.",
		strings.ToUpper(m.Name))
	return sb.String(), nil
}
