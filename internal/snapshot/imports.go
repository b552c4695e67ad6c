package snapshot

import (
	"path"
	"regexp"
	"strings"
)

var (
	goImportRegex     = regexp.MustCompile(`^\s*(?:import\s+)?(?:[A-Za-z_.]+\s+)?"([^"]+)"`)
	pyImportRegex     = regexp.MustCompile(`^\s*(?:from\s+([.\w]+)\s+import|import\s+([.\w]+))`)
	jsImportRegex     = regexp.MustCompile(`(?:import\s+.*?from\s+|require\()\s*['"]([^'"]+)['"]`)
	rustModRegex      = regexp.MustCompile(`^\s*(?:pub\s+)?(?:mod|use)\s+([\w:]+)`)
	cIncludeRegex     = regexp.MustCompile(`^\s*#\s*include\s+"([^"]+)"`)
	importScanMaxLine = 400
)

// Extensions that appear inside import paths themselves, as opposed to
// dotted module names.
var importFileExts = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true, ".jsx": true,
	".ts": true, ".tsx": true, ".c": true, ".h": true,
	".cc": true, ".cpp": true, ".hpp": true, ".hh": true,
	".rs": true, ".py": true, ".go": true,
}

// extractImportNames pulls module/file names out of import-like lines.
// Returned names are bare (no path separators, no extension) so the
// caller can match them against tracked basenames.
func extractImportNames(content string) []string {
	var names []string
	lines := strings.Split(content, "\n")
	if len(lines) > importScanMaxLine {
		lines = lines[:importScanMaxLine]
	}

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		raw = strings.ReplaceAll(raw, "::", "/")
		base := path.Base(raw)
		// A recognized file extension is stripped; any other dot is a
		// module separator and the last element wins.
		if ext := path.Ext(base); importFileExts[ext] {
			base = strings.TrimSuffix(base, ext)
		} else if i := strings.LastIndex(base, "."); i >= 0 {
			base = base[i+1:]
		}
		if base != "" && base != "/" && base != "*" {
			names = append(names, base)
		}
	}

	for _, line := range lines {
		if m := goImportRegex.FindStringSubmatch(line); m != nil && strings.Contains(line, "import") {
			add(m[1])
		}
		if m := pyImportRegex.FindStringSubmatch(line); m != nil {
			if m[1] != "" {
				add(m[1])
			} else {
				add(m[2])
			}
		}
		if m := jsImportRegex.FindStringSubmatch(line); m != nil {
			add(m[1])
		}
		if m := rustModRegex.FindStringSubmatch(line); m != nil {
			add(m[1])
		}
		if m := cIncludeRegex.FindStringSubmatch(line); m != nil {
			add(m[1])
		}
	}
	return names
}
