package logging

import "regexp"

// secretPatterns match credential material that must never reach a log sink.
// Replacement keeps enough shape for debugging without leaking the value.
var secretPatterns = []*regexp.Regexp{
	// Anthropic API keys
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`),
	// OpenAI API keys (incl. project keys)
	regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`),
	// GitHub tokens
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	// Bearer headers
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._-]{16,}`),
	// key=value style assignments
	regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)\s*[=:]\s*)\S{8,}`),
}

// Redact masks credential material in the given string.
func Redact(s string) string {
	out := s
	for i, re := range secretPatterns {
		switch i {
		case 3, 4:
			out = re.ReplaceAllString(out, "${1}[REDACTED]")
		default:
			out = re.ReplaceAllString(out, "[REDACTED]")
		}
	}
	return out
}
