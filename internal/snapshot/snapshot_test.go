package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCapture_BasicTree(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":        "package main\n",
		"lib/util.go":    "package lib\n",
		".git/HEAD":      "ref: refs/heads/main\n",
		"vendor/dep.go":  "package dep\n",
		"docs/notes.txt": "notes\n",
	})

	snap, err := Capture(context.Background(), root, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	paths := make([]string, 0, len(snap.Files()))
	for _, f := range snap.Files() {
		paths = append(paths, f.Path)
	}

	want := []string{"docs/notes.txt", "lib/util.go", "main.go"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("file %d: expected %s, got %s", i, p, paths[i])
		}
	}

	f, ok := snap.Lookup("main.go")
	if !ok {
		t.Fatal("main.go not tracked")
	}
	if f.Hash == "" || f.Size != int64(len("package main\n")) {
		t.Errorf("unexpected metadata: %+v", f)
	}
}

func TestCapture_Deterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.go": "package a\n",
		"b.go": "package b\n",
		"c.go": "package c\n",
	})

	first, err := Capture(context.Background(), root, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Capture(context.Background(), root, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !first.Equal(second) {
		t.Error("captures of an unchanged tree differ")
	}
}

func TestCapture_RootNotDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Capture(context.Background(), file, nil, nil, nil); err == nil {
		t.Error("expected error for non-directory root")
	}
	if _, err := Capture(context.Background(), filepath.Join(root, "missing"), nil, nil, nil); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestCapture_IncludeExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/app.go":      "package app\n",
		"src/app_test.go": "package app\n",
		"build/out.bin":   "binary",
	})

	snap, err := Capture(context.Background(), root, []string{"src/**"}, []string{"**/*_test.go"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := snap.Lookup("src/app.go"); !ok {
		t.Error("src/app.go should be tracked")
	}
	if _, ok := snap.Lookup("src/app_test.go"); ok {
		t.Error("src/app_test.go should be excluded")
	}
	if _, ok := snap.Lookup("build/out.bin"); ok {
		t.Error("build/out.bin should not match include patterns")
	}
}

func TestCapture_ImportHints(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app.py":     "import helpers\n\ndef main():\n    pass\n",
		"helpers.py": "def helper():\n    pass\n",
		"other.py":   "x = 1\n",
		"main.c":     "#include \"utils.h\"\n\nint main(void) { return 0; }\n",
		"utils.h":    "int helper(void);\n",
		"web.js":     "import { helper } from './helper.js';\n",
		"helper.js":  "export function helper() {}\n",
	})

	snap, err := Capture(context.Background(), root, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	refs := snap.Imports("app.py")
	if len(refs) != 1 || refs[0] != "helpers.py" {
		t.Errorf("expected [helpers.py], got %v", refs)
	}
	if refs := snap.Imports("other.py"); len(refs) != 0 {
		t.Errorf("expected no hints for other.py, got %v", refs)
	}
	if refs := snap.Imports("main.c"); len(refs) != 1 || refs[0] != "utils.h" {
		t.Errorf("expected [utils.h] for main.c, got %v", refs)
	}
	if refs := snap.Imports("web.js"); len(refs) != 1 || refs[0] != "helper.js" {
		t.Errorf("expected [helper.js] for web.js, got %v", refs)
	}
}

func TestExtractImportNames(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{`#include "utils.h"`, "utils"},
		{`import { helper } from './helper.js';`, "helper"},
		{`from billing.core import charge`, "core"},
		{`use crate::parser;`, "parser"},
		{`import "github.com/google/uuid"`, "uuid"},
	}

	for _, tc := range cases {
		got := extractImportNames(tc.line)
		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("extractImportNames(%q) = %v, want [%s]", tc.line, got, tc.want)
		}
	}
}

func TestMatcher_Globs(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/*.go", "a/b/c.go", true},
		{"**/*.go", "c.go", true},
		{"src/**", "src/deep/file.txt", true},
		{"src/**", "other/file.txt", false},
		{"*.md", "README.md", true},
		{"*.md", "docs/README.md", false},
		{"**/testdata/**", "pkg/testdata/x.json", true},
	}

	for _, tc := range cases {
		if got := matchGlob(tc.pattern, tc.path); got != tc.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

func TestMatcher_SkipDir(t *testing.T) {
	m := NewMatcher(nil, []string{"generated/**"})

	if !m.SkipDir(".git") {
		t.Error(".git should be pruned")
	}
	if !m.SkipDir("vendor") {
		t.Error("vendor should be pruned via default excludes")
	}
	if !m.SkipDir("generated") {
		t.Error("generated should be pruned")
	}
	if m.SkipDir("src") {
		t.Error("src should not be pruned")
	}
}
