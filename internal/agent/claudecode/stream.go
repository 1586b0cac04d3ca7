package claudecode

import (
	"encoding/json"
	"strings"
)

// TokenUsage holds token counts from a result line.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// rawContentBlock is one content block inside an assistant/user message.
type rawContentBlock struct {
	Type    string      `json:"type"`
	Text    string      `json:"text,omitempty"`
	Name    string      `json:"name,omitempty"`
	Content interface{} `json:"content,omitempty"`
}

// rawMessage holds the message body with content blocks.
type rawMessage struct {
	Content []rawContentBlock `json:"content"`
}

// streamLine is the top-level NDJSON line structure emitted by the claude CLI
// in --output-format stream-json mode.
type streamLine struct {
	Type      string      `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Message   *rawMessage `json:"message,omitempty"`
	Result    string      `json:"result,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

// LineKind classifies a parsed stream line for the caller.
type LineKind int

const (
	LineSkip LineKind = iota
	LineSystem
	LineText
	LineTool
	LineResult
)

// ParsedLine is the normalized form of one NDJSON line.
type ParsedLine struct {
	Kind      LineKind
	Text      string // assistant text or final result content
	ToolName  string
	SessionID string
	IsError   bool
	Usage     *TokenUsage
}

// ParseLine parses one NDJSON line from the stream. Malformed lines are
// reported as LineSkip rather than errors so a broken line never kills the
// stream.
func ParseLine(line []byte) ParsedLine {
	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return ParsedLine{Kind: LineSkip}
	}

	switch ev.Type {
	case "system":
		return ParsedLine{Kind: LineSystem, SessionID: ev.SessionID, Text: ev.Subtype}

	case "assistant":
		if ev.Message == nil {
			return ParsedLine{Kind: LineSkip}
		}
		var texts []string
		toolName := ""
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					texts = append(texts, block.Text)
				}
			case "tool_use":
				if toolName == "" {
					toolName = block.Name
				}
			}
		}
		if toolName != "" && len(texts) == 0 {
			return ParsedLine{Kind: LineTool, ToolName: toolName, SessionID: ev.SessionID}
		}
		if len(texts) == 0 {
			return ParsedLine{Kind: LineSkip}
		}
		return ParsedLine{Kind: LineText, Text: strings.Join(texts, "\n"), ToolName: toolName, SessionID: ev.SessionID}

	case "result":
		return ParsedLine{
			Kind:      LineResult,
			Text:      ev.Result,
			SessionID: ev.SessionID,
			IsError:   ev.IsError || strings.HasPrefix(ev.Subtype, "error"),
			Usage:     ev.Usage,
		}

	default:
		return ParsedLine{Kind: LineSkip}
	}
}
