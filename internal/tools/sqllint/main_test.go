package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSource(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLintFileFlagsMissingMarker(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "q.go", "package q\n\nconst QBad = `select 1;`\n")

	vs, err := lintFile(path, map[string]string{})
	if err != nil {
		t.Fatalf("lintFile error: %v", err)
	}
	if len(vs) != 1 || vs[0].name != "QBad" {
		t.Fatalf("expected one violation for QBad, got %#v", vs)
	}
}

func TestLintFileChecksConcatenatedQueries(t *testing.T) {
	dir := t.TempDir()
	src := "package q\n\nconst cols = `id, name`\n\n" +
		"const QGood = `--sql 11111111-2222-4333-8444-555555555555\nselect ` + cols + ` from t;`\n\n" +
		"const QBad = `select ` + cols + ` from t;`\n"
	path := writeSource(t, dir, "q.go", src)

	vs, err := lintFile(path, map[string]string{})
	if err != nil {
		t.Fatalf("lintFile error: %v", err)
	}
	if len(vs) != 1 || vs[0].name != "QBad" {
		t.Fatalf("expected one violation for QBad, got %#v", vs)
	}
}

func TestLintFileFlagsDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	marker := "--sql 11111111-2222-4333-8444-555555555555"
	a := writeSource(t, dir, "a.go", "package q\n\nconst QA = `"+marker+"\nselect 1;`\n")
	b := writeSource(t, dir, "b.go", "package q\n\nconst QB = `"+marker+"\nselect 2;`\n")

	seen := map[string]string{}
	if vs, err := lintFile(a, seen); err != nil || len(vs) != 0 {
		t.Fatalf("first file: vs=%#v err=%v", vs, err)
	}
	vs, err := lintFile(b, seen)
	if err != nil {
		t.Fatalf("lintFile error: %v", err)
	}
	if len(vs) != 1 || !strings.Contains(vs[0].message, "already used") {
		t.Fatalf("expected duplicate violation, got %#v", vs)
	}
}
