// Package snapshot provides a read-only view of tracked repository files
// captured at a point in time. A capture records content hashes and
// modification metadata and derives an import-hint graph used for context
// scoring; it never mutates the tree.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// hashWorkers bounds concurrent file hashing during a capture.
const hashWorkers = 16

// maxHintFileSize caps files scanned for import hints.
const maxHintFileSize = 1 << 20

// File is one tracked file's metadata at capture time.
type File struct {
	Path    string // slash-separated, relative to the root
	Hash    string // sha256 of content, hex
	Size    int64
	ModTime time.Time
}

// Snapshot is an immutable view of the tracked files under a root.
type Snapshot struct {
	Root    string
	TakenAt time.Time

	files  []File
	byPath map[string]int

	// imports maps a file to the repository files its source references.
	imports map[string][]string
}

// Capture walks root and records every tracked file. Version-control
// metadata directories and exclude-pattern matches are skipped. Two
// captures of an unchanged tree yield identical hashes and ordering.
func Capture(ctx context.Context, root string, includes, excludes []string, log *zap.Logger) (*Snapshot, error) {
	if log == nil {
		log = zap.NewNop()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("repository root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", root)
	}

	matcher := NewMatcher(includes, excludes)
	snap := &Snapshot{
		Root:    root,
		TakenAt: time.Now(),
		byPath:  make(map[string]int),
		imports: make(map[string][]string),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if matcher.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !matcher.Match(rel) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil // raced with a delete, skip
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash, err := hashFile(p)
			if err != nil {
				// Unreadable files are dropped from the view rather than
				// failing the whole capture.
				log.Debug("skipping unreadable file", zap.String("path", rel), zap.Error(err))
				return nil
			}
			mu.Lock()
			snap.files = append(snap.files, File{
				Path:    rel,
				Hash:    hash,
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
			})
			mu.Unlock()
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, fmt.Errorf("walking %s: %w", root, walkErr)
	}

	// Hashing completes in arbitrary order; restore a stable ordering.
	sort.Slice(snap.files, func(i, j int) bool { return snap.files[i].Path < snap.files[j].Path })
	for i, f := range snap.files {
		snap.byPath[f.Path] = i
	}

	snap.buildImportHints(log)

	log.Debug("snapshot captured",
		zap.String("root", root),
		zap.Int("files", len(snap.files)))

	return snap, nil
}

// Files returns the tracked files in stable path order.
func (s *Snapshot) Files() []File {
	return s.files
}

// Lookup returns the metadata for a tracked path.
func (s *Snapshot) Lookup(path string) (File, bool) {
	i, ok := s.byPath[path]
	if !ok {
		return File{}, false
	}
	return s.files[i], true
}

// Imports returns the repository files referenced by path's source text.
func (s *Snapshot) Imports(path string) []string {
	return s.imports[path]
}

// ReadFile reads the current content of a tracked path from disk.
func (s *Snapshot) ReadFile(path string) ([]byte, error) {
	if _, ok := s.byPath[path]; !ok {
		return nil, fmt.Errorf("path not tracked: %s", path)
	}
	return os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(path)))
}

// Equal reports whether two snapshots describe identical trees.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if len(s.files) != len(other.files) {
		return false
	}
	for i, f := range s.files {
		o := other.files[i]
		if f.Path != o.Path || f.Hash != o.Hash {
			return false
		}
	}
	return true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sourceExts are file types scanned for import hints.
var sourceExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true,
	".ts": true, ".tsx": true, ".rs": true, ".c": true,
	".h": true, ".cc": true, ".cpp": true, ".hpp": true,
	".java": true, ".rb": true,
}

// buildImportHints derives a coarse dependency graph by scanning source
// files for import-like lines and resolving the referenced names against
// tracked paths. The graph is a relevance hint, not a build graph.
func (s *Snapshot) buildImportHints(log *zap.Logger) {
	// Index basenames (without extension) for resolution.
	byBase := make(map[string][]string)
	for _, f := range s.files {
		base := strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
		byBase[base] = append(byBase[base], f.Path)
	}

	for _, f := range s.files {
		if !sourceExts[filepath.Ext(f.Path)] || f.Size > maxHintFileSize {
			continue
		}
		content, err := s.ReadFile(f.Path)
		if err != nil {
			continue
		}
		refs := resolveImports(extractImportNames(string(content)), f.Path, byBase)
		if len(refs) > 0 {
			s.imports[f.Path] = refs
		}
	}
	log.Debug("import hints built",
		zap.Int("files", len(s.files)),
		zap.Int("with_refs", len(s.imports)))
}

func resolveImports(names []string, self string, byBase map[string][]string) []string {
	seen := map[string]bool{self: true}
	var refs []string
	for _, name := range names {
		for _, candidate := range byBase[name] {
			if !seen[candidate] {
				seen[candidate] = true
				refs = append(refs, candidate)
			}
		}
	}
	sort.Strings(refs)
	return refs
}
