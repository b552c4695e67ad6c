package backend

import (
	"fmt"
	"strings"
)

const planSystemPrompt = `You are a code-change planner. Given an instruction and
repository context, respond with ONLY a JSON object of the form:
{"steps":[{"op":"write","path":"<relative path>","content":"<full new content>"},
{"op":"delete","path":"<relative path>"},
{"op":"run","argv":["cmd","arg"],"cwd":"<relative dir>"}]}
Steps execute in order. Paths are relative to the repository root. Do not
target the same file path in more than one write/delete step. No prose, no
markdown fences.`

// buildUserPrompt renders a request as the text prompt sent to LLM-backed
// providers.
func buildUserPrompt(req Request) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Instruction: %s\n", req.Instruction.Goal)
	if len(req.Instruction.TargetPaths) > 0 {
		fmt.Fprintf(&sb, "Likely relevant paths: %s\n", strings.Join(req.Instruction.TargetPaths, ", "))
	}
	fmt.Fprintf(&sb, "Attempt: %d\n", req.Attempt)

	if req.Report != nil {
		sb.WriteString("\nThe previous attempt failed. Tool output:\n")
		sb.WriteString(req.Report.String())
		sb.WriteString("\nFix the cause of this failure.\n")
	}

	if req.Context != nil && len(req.Context.Entries) > 0 {
		sb.WriteString("\nRepository context:\n")
		for _, e := range req.Context.Entries {
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", e.Path, e.Content)
		}
	}

	return sb.String()
}

// extractJSON strips markdown fences and surrounding prose, returning the
// first top-level JSON object in the completion.
func extractJSON(completion string) string {
	s := strings.TrimSpace(completion)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
