// Package compress selects and truncates repository content into a
// byte-bounded bundle relevant to an instruction. The bundle is always
// regenerable from a snapshot and an instruction, and its total content
// size never exceeds the configured budget.
package compress

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"patchsmith/internal/errparse"
	"patchsmith/internal/snapshot"
	"patchsmith/internal/task"
)

// Config tunes file scoring and truncation.
type Config struct {
	// KeywordWeight scores instruction-keyword overlap with a path.
	KeywordWeight float64
	// TargetBoost is added when the instruction names the path directly.
	TargetBoost float64
	// GraphWeight is added to files referenced by a high-scoring file.
	GraphWeight float64
	// RecencyWeight scales the most-recently-modified bonus.
	RecencyWeight float64
	// ErrorBoost is added to paths named in the prior error report.
	ErrorBoost float64
	// GraphThreshold is the minimum score whose imports get GraphWeight.
	GraphThreshold float64
	// MinScore drops files scoring below it once any budget pressure exists.
	MinScore float64
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		KeywordWeight:  3.0,
		TargetBoost:    10.0,
		GraphWeight:    2.0,
		RecencyWeight:  2.0,
		ErrorBoost:     8.0,
		GraphThreshold: 3.0,
		MinScore:       0.5,
	}
}

// Entry is one file's (possibly truncated) content in a bundle.
type Entry struct {
	Path      string
	Content   string
	Truncated bool
}

// Bundle is the budgeted subset of repository content for one request.
// Entries keep descending-relevance order.
type Bundle struct {
	Entries []Entry
	Budget  int
}

// Size returns the total content bytes across all entries.
func (b *Bundle) Size() int {
	total := 0
	for _, e := range b.Entries {
		total += len(e.Content)
	}
	return total
}

// Paths returns the bundled paths in order.
func (b *Bundle) Paths() []string {
	paths := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		paths[i] = e.Path
	}
	return paths
}

// AsMap returns path -> content for request serialization.
func (b *Bundle) AsMap() map[string]string {
	m := make(map[string]string, len(b.Entries))
	for _, e := range b.Entries {
		m[e.Path] = e.Content
	}
	return m
}

// Compressor builds bundles from snapshots.
type Compressor struct {
	cfg Config
	log *zap.Logger
}

// NewCompressor creates a compressor with default scoring.
func NewCompressor(log *zap.Logger) *Compressor {
	return NewCompressorWithConfig(DefaultConfig(), log)
}

// NewCompressorWithConfig creates a compressor with custom scoring.
func NewCompressorWithConfig(cfg Config, log *zap.Logger) *Compressor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compressor{cfg: cfg, log: log}
}

// scored pairs a file with its relevance score and snapshot position.
type scored struct {
	file  snapshot.File
	score float64
	order int // position in snapshot order, the deterministic tie-break
}

// Compress scores every tracked file against the instruction (and prior
// error report, when present) and packs the highest scorers into a bundle
// no larger than budgetBytes. If nothing fits the bundle is empty, never
// an error.
func (c *Compressor) Compress(snap *snapshot.Snapshot, instr task.Instruction, report *errparse.Report, budgetBytes int) (*Bundle, error) {
	bundle := &Bundle{Budget: budgetBytes}
	if budgetBytes <= 0 {
		return bundle, nil
	}

	ranked := c.rank(snap, instr, report)

	remaining := budgetBytes
	for _, s := range ranked {
		if remaining <= 0 {
			break
		}
		// Under budget pressure, low-relevance files are dropped entirely
		// rather than padded in.
		if s.score < c.cfg.MinScore && remaining < budgetBytes {
			continue
		}

		content, err := snap.ReadFile(s.file.Path)
		if err != nil {
			c.log.Debug("skipping unreadable file", zap.String("path", s.file.Path), zap.Error(err))
			continue
		}

		if len(content) <= remaining {
			bundle.Entries = append(bundle.Entries, Entry{Path: s.file.Path, Content: string(content)})
			remaining -= len(content)
			continue
		}

		truncated, ok := headTail(content, remaining)
		if !ok {
			continue
		}
		bundle.Entries = append(bundle.Entries, Entry{Path: s.file.Path, Content: truncated, Truncated: true})
		remaining -= len(truncated)
	}

	c.log.Debug("context compressed",
		zap.Int("candidates", len(ranked)),
		zap.Int("selected", len(bundle.Entries)),
		zap.Int("bytes", bundle.Size()),
		zap.Int("budget", budgetBytes))

	return bundle, nil
}

// rank scores all files and orders them by descending score, breaking
// ties by snapshot order so identical inputs compress identically.
func (c *Compressor) rank(snap *snapshot.Snapshot, instr task.Instruction, report *errparse.Report) []scored {
	files := snap.Files()
	keywords := extractKeywords(instr.Goal)

	targets := make(map[string]bool, len(instr.TargetPaths))
	for _, t := range instr.TargetPaths {
		targets[path.Clean(t)] = true
	}

	// Recency rank: newest files earn up to RecencyWeight, decaying with rank.
	byRecency := make([]int, len(files))
	for i := range byRecency {
		byRecency[i] = i
	}
	sort.SliceStable(byRecency, func(a, b int) bool {
		return files[byRecency[a]].ModTime.After(files[byRecency[b]].ModTime)
	})
	recencyBonus := make(map[string]float64, len(files))
	for rank, idx := range byRecency {
		recencyBonus[files[idx].Path] = c.cfg.RecencyWeight / float64(rank+1)
	}

	ranked := make([]scored, 0, len(files))
	for i, f := range files {
		score := recencyBonus[f.Path]
		score += c.cfg.KeywordWeight * keywordOverlap(f.Path, keywords)
		if targets[f.Path] {
			score += c.cfg.TargetBoost
		}
		if report != nil && report.Path != "" && pathsEqual(report.Path, f.Path) {
			score += c.cfg.ErrorBoost
		}
		ranked = append(ranked, scored{file: f, score: score, order: i})
	}

	// Graph pass: files referenced by a high scorer inherit relevance.
	boosted := make(map[string]float64)
	for _, s := range ranked {
		if s.score >= c.cfg.GraphThreshold {
			for _, ref := range snap.Imports(s.file.Path) {
				if boosted[ref] < c.cfg.GraphWeight {
					boosted[ref] = c.cfg.GraphWeight
				}
			}
		}
	}
	for i := range ranked {
		ranked[i].score += boosted[ranked[i].file.Path]
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].order < ranked[b].order
	})
	return ranked
}

var wordRegex = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "add": true, "fix": true,
	"make": true, "use": true, "should": true, "all": true, "not": true,
}

// extractKeywords tokenizes instruction text into lowercase identifiers.
func extractKeywords(text string) []string {
	seen := make(map[string]bool)
	var words []string
	for _, w := range wordRegex.FindAllString(text, -1) {
		w = strings.ToLower(w)
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return words
}

// keywordOverlap counts instruction keywords appearing in the path.
func keywordOverlap(p string, keywords []string) float64 {
	lower := strings.ToLower(p)
	hits := 0.0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

// pathsEqual compares repo-relative paths, tolerating tool output that
// prefixes "./" or uses the basename only.
func pathsEqual(reported, tracked string) bool {
	reported = path.Clean(strings.TrimPrefix(reported, "./"))
	if reported == tracked {
		return true
	}
	return strings.HasSuffix(tracked, "/"+reported) || path.Base(tracked) == reported
}

// truncMarkerFmt renders the elision marker between head and tail.
const truncMarkerFmt = "\n... [truncated %d bytes] ...\n"

// headTail fits content into max bytes as head + marker + tail. Returns
// false when even a useful head cannot fit.
func headTail(content []byte, max int) (string, bool) {
	marker := fmt.Sprintf(truncMarkerFmt, len(content))
	// Require room for the marker plus a minimally useful excerpt.
	if max < len(marker)+64 {
		return "", false
	}

	keep := max - len(marker)
	headLen := keep * 2 / 3
	tailLen := keep - headLen

	out := string(content[:headLen]) + marker + string(content[len(content)-tailLen:])
	if len(out) > max {
		// Marker length estimate can drift by a byte; trim the tail.
		out = out[:max]
	}
	return out, true
}
