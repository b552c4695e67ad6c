// Package errparse extracts structured error reports from captured tool
// output. A closed registry of per-tool rules is selected by hint or by
// probing each rule in order; output no rule understands still yields a
// single catch-all report so the caller always has something to feed back.
package errparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Caps on report payloads so a noisy tool cannot flood the next context.
const (
	maxMessageBytes = 4096
	maxRawBytes     = 16384
)

// Report is one structured error extracted from tool output.
type Report struct {
	Tool    string
	Path    string // empty when the output matched no location pattern
	Line    int    // 0 when unknown
	Column  int    // 0 when unknown
	Message string
	Raw     string
}

// String renders the report the way compilers print locations.
func (r Report) String() string {
	if r.Path == "" {
		return fmt.Sprintf("[%s] %s", r.Tool, r.Message)
	}
	if r.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", r.Path, r.Line, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Path, r.Message)
}

// rule holds one tool's extraction pattern. The location regex must expose
// groups named path, line (optional), col (optional) and msg.
type rule struct {
	tool    string
	pattern *regexp.Regexp
}

// Rules are compiled once at package level. Order matters: probing tries
// each rule top to bottom and keeps the first that matches any line.
var rules = []rule{
	{"go", regexp.MustCompile(`^\s*(?P<path>[^\s:]+\.go):(?P<line>\d+):(?:(?P<col>\d+):)?\s*(?P<msg>.+)$`)},
	{"gotest", regexp.MustCompile(`^--- FAIL: (?P<msg>\S+)`)},
	{"python", regexp.MustCompile(`^\s*File "(?P<path>[^"]+)", line (?P<line>\d+)(?:, in (?P<msg>.+))?`)},
	{"rust", regexp.MustCompile(`^\s*-->\s*(?P<path>[^\s:]+):(?P<line>\d+):(?P<col>\d+)\s*(?P<msg>.*)$`)},
	{"node", regexp.MustCompile(`^\s*(?:(?P<msg>[A-Za-z_]\w*Error:\s.+)|(?:at\s+(?:\S.*\()?)?(?P<path>[^():\s]+\.(?:js|mjs|cjs|jsx|ts|tsx)):(?P<line>\d+)(?::(?P<col>\d+))?\)?)\s*$`)},
	{"cc", regexp.MustCompile(`^(?P<path>[^\s:]+\.(?:c|h|cc|cpp|hpp|m|mm)):(?P<line>\d+):(?:(?P<col>\d+):)?\s*(?:error|warning|note)?:?\s*(?P<msg>.+)$`)},
	{"generic", regexp.MustCompile(`^(?P<path>[^\s:]+):(?P<line>\d+):\s*(?P<msg>.+)$`)},
}

// Parser turns raw tool output into Reports.
type Parser struct {
	log *zap.Logger
}

// NewParser creates a parser.
func NewParser(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{log: log}
}

// Parse extracts reports from rawOutput. toolHint selects a rule by name;
// an empty or unknown hint probes every rule and keeps the first that
// matches at least one line. A new report begins only at a line matching
// the location pattern; following non-matching lines are appended to the
// previous report's message up to a cap. Parse never fails: output no
// rule understands yields exactly one report with an empty path.
func (p *Parser) Parse(toolHint, rawOutput string) []Report {
	selected := p.selectRule(toolHint, rawOutput)
	if selected == nil {
		return []Report{fallbackReport(toolHint, rawOutput)}
	}

	reports := p.parseWithRule(*selected, rawOutput)
	if len(reports) == 0 {
		return []Report{fallbackReport(toolHint, rawOutput)}
	}

	p.log.Debug("parsed tool output",
		zap.String("tool", selected.tool),
		zap.Int("reports", len(reports)))

	return reports
}

// selectRule picks a rule by hint, falling back to first-match probing.
func (p *Parser) selectRule(toolHint, rawOutput string) *rule {
	if toolHint != "" {
		for i := range rules {
			if rules[i].tool == toolHint {
				return &rules[i]
			}
		}
	}
	for i := range rules {
		for _, line := range strings.Split(rawOutput, "\n") {
			if rules[i].pattern.MatchString(line) {
				return &rules[i]
			}
		}
	}
	return nil
}

func (p *Parser) parseWithRule(r rule, rawOutput string) []Report {
	var reports []Report
	var current *Report

	for _, line := range strings.Split(rawOutput, "\n") {
		m := r.pattern.FindStringSubmatch(line)
		if m == nil {
			// Continuation of a multi-line message, stdout noise included.
			if current != nil && strings.TrimSpace(line) != "" {
				if len(current.Message) < maxMessageBytes {
					current.Message += "\n" + strings.TrimSpace(line)
				}
			}
			continue
		}

		next := Report{Tool: r.tool, Raw: truncate(rawOutput, maxRawBytes)}
		for i, name := range r.pattern.SubexpNames() {
			if i == 0 || i >= len(m) {
				continue
			}
			switch name {
			case "path":
				next.Path = m[i]
			case "line":
				next.Line, _ = strconv.Atoi(m[i])
			case "col":
				next.Column, _ = strconv.Atoi(m[i])
			case "msg":
				next.Message = strings.TrimSpace(m[i])
			}
		}

		// Node-style traces print the message first and the location on a
		// following stack frame; a location-only match enriches the open
		// report instead of starting a new one.
		if current != nil && current.Path == "" && current.Message != "" &&
			next.Path != "" && next.Message == "" {
			current.Path = next.Path
			current.Line = next.Line
			current.Column = next.Column
			continue
		}

		if current != nil {
			reports = append(reports, *current)
		}
		current = &next
	}
	if current != nil {
		reports = append(reports, *current)
	}

	for i := range reports {
		reports[i].Message = truncate(reports[i].Message, maxMessageBytes)
	}
	return reports
}

// fallbackReport wraps unmatched output so the loop still has feedback.
func fallbackReport(toolHint, rawOutput string) Report {
	tool := toolHint
	if tool == "" {
		tool = "unknown"
	}
	return Report{
		Tool:    tool,
		Message: truncate(strings.TrimSpace(rawOutput), maxMessageBytes),
		Raw:     truncate(rawOutput, maxRawBytes),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
