package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yoshihiko555/takt/internal/agent"
	"github.com/yoshihiko555/takt/internal/piece"
)

// previewLen bounds the instruction preview handed to phase hooks.
const previewLen = 200

// resolvePersona loads the system prompt for a movement. A personaPath wins
// over the persona reference; the reference resolves through the piece's
// personas map and falls back to the literal text.
func (e *Engine) resolvePersona(m *piece.Movement) (agent.Persona, error) {
	name := m.Persona
	if name == "" {
		name = m.Name
	}
	if m.PersonaPath != "" {
		path := m.PersonaPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.opts.ProjectCwd, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return agent.Persona{}, fmt.Errorf("reading persona file for movement %q: %w", m.Name, err)
		}
		return agent.Persona{Name: name, Prompt: string(data), Path: path}, nil
	}
	return agent.Persona{Name: name, Prompt: e.cfg.PersonaText(m)}, nil
}

func (e *Engine) providerFor(m *piece.Movement) string {
	if m.Provider != "" {
		return m.Provider
	}
	return e.opts.Provider
}

func (e *Engine) modelFor(m *piece.Movement) string {
	if m.Model != "" {
		return m.Model
	}
	return e.opts.Model
}

func (e *Engine) permissionModeFor(m *piece.Movement) string {
	if m.PermissionMode != "" {
		return m.PermissionMode
	}
	return e.opts.PermissionMode
}

// sessionKey identifies one resumable agent conversation. All three phases
// of a movement share the session keyed by its persona and provider.
func (e *Engine) sessionKey(persona agent.Persona, provider string) string {
	return persona.Name + "|" + provider
}

// callAgent runs one agent call, resuming the persona's session when one
// exists and recording the returned session for the next call.
func (e *Engine) callAgent(ctx context.Context, m *piece.Movement, persona agent.Persona, instruction string) (*agent.Response, error) {
	provider := e.providerFor(m)
	key := e.sessionKey(persona, provider)

	e.sessionsMu.Lock()
	resume := e.sessions[key]
	e.sessionsMu.Unlock()

	opts := agent.Options{
		Cwd:             e.cwd,
		ReportDir:       e.dirs.Reports,
		ResumeSessionID: resume,
		AllowedTools:    m.AllowedTools,
		PermissionMode:  e.permissionModeFor(m),
		Provider:        provider,
		Model:           e.modelFor(m),
		OnStream:        e.opts.OnStream,
		TaskPrefix:      e.opts.TaskPrefix,
	}
	if e.opts.TaskColorIndex != nil {
		opts.TaskColorIndex = *e.opts.TaskColorIndex
	}

	resp, err := e.runner.Run(ctx, persona, instruction, opts)
	if resp != nil && resp.SessionID != "" {
		e.sessionsMu.Lock()
		e.sessions[key] = resp.SessionID
		e.sessionsMu.Unlock()
	}
	return resp, err
}

func preview(instruction string) string {
	if len(instruction) <= previewLen {
		return instruction
	}
	return instruction[:previewLen]
}

// runExecutePhase performs Phase 1: the movement's main agent call.
func (e *Engine) runExecutePhase(ctx context.Context, m *piece.Movement, persona agent.Persona, instruction string) (*agent.Response, error) {
	e.hooks.phaseStart(m.Name, 1, PhaseKindExecute, preview(instruction))
	resp, err := e.callAgent(ctx, m, persona, instruction)
	status := ""
	content := ""
	if resp != nil {
		status = resp.Status
		content = resp.Content
	}
	e.hooks.phaseComplete(m.Name, 1, PhaseKindExecute, content, status, err)
	return resp, err
}

// runReportPhase performs Phase 2 for movements with output contracts:
// archive the previous report versions, then ask the same session to write
// the contracted files. Report failures are logged but never abort the run.
func (e *Engine) runReportPhase(ctx context.Context, m *piece.Movement, persona agent.Persona) {
	if len(m.OutputContracts) == 0 {
		return
	}
	now := e.now()
	for _, name := range m.OutputContracts {
		if err := e.dirs.rotateReport(name, now); err != nil {
			e.log.Warnf("report rotation failed for %s: %v", name, err)
		}
	}

	instruction, err := e.reportBuilder.Build(m, e.dirs.Reports)
	if err != nil {
		e.log.Errorf("report phase skipped: %v", err)
		return
	}

	e.hooks.phaseStart(m.Name, 2, PhaseKindReport, preview(instruction))
	resp, err := e.callAgent(ctx, m, persona, instruction)
	status := ""
	content := ""
	if resp != nil {
		status = resp.Status
		content = resp.Content
	}
	e.hooks.phaseComplete(m.Name, 2, PhaseKindReport, content, status, err)
	if err != nil {
		e.log.Warnf("report phase for movement %q failed: %v", m.Name, err)
	}
}

// runJudgmentPhase performs Phase 3: ask the agent to classify the Phase 1
// output against the movement's rules. Returns the matched 0-based rule
// index, or -1 when the judgment resolved nothing.
func (e *Engine) runJudgmentPhase(ctx context.Context, m *piece.Movement, persona agent.Persona, responseText string) (int, error) {
	if e.opts.CallAIJudge != nil {
		return e.opts.CallAIJudge(ctx, m, responseText)
	}

	instruction, err := e.judgeBuilder.Build(m, responseText)
	if err != nil {
		return -1, err
	}

	e.hooks.phaseStart(m.Name, 3, PhaseKindJudgment, preview(instruction))
	resp, err := e.callAgent(ctx, m, persona, instruction)
	status := ""
	content := ""
	if resp != nil {
		status = resp.Status
		content = resp.Content
	}
	e.hooks.phaseComplete(m.Name, 3, PhaseKindJudgment, content, status, err)

	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		if resp == nil {
			return -1, fmt.Errorf("status judgment for movement %q: %w", m.Name, err)
		}
		e.log.Warnf("status judgment call for movement %q failed: %v", m.Name, err)
	}
	if resp.IsError() {
		e.log.Warnf("status judgment for movement %q returned error: %s", m.Name, strings.TrimSpace(resp.Content))
		return -1, nil
	}
	return ParseJudgmentTag(m, resp.Content), nil
}
