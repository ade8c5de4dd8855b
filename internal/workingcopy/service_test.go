package workingcopy

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestReadLines_SplitsAndNormalizes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("one\r\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewService(root)
	lines, err := s.ReadLines("f.txt")
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("lines=%v, want %v", lines, want)
	}
}

func TestReadLines_AbsentFileIsNilNil(t *testing.T) {
	t.Parallel()

	s := NewService(t.TempDir())
	lines, err := s.ReadLines("missing.txt")
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if lines != nil {
		t.Fatalf("lines=%v, want nil for absent file", lines)
	}
}

func TestWriteLines_RoundTripAndParentDirs(t *testing.T) {
	t.Parallel()

	s := NewService(t.TempDir())
	want := []string{"alpha", "beta"}
	if err := s.WriteLines("nested/dir/out.txt", want); err != nil {
		t.Fatalf("WriteLines: %v", err)
	}
	got, err := s.ReadLines("nested/dir/out.txt")
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines=%v, want %v", got, want)
	}
}

func TestWriteLines_PreservesMode(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "exec.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewService(root)
	if err := s.WriteLines("exec.sh", []string{"#!/bin/sh", "echo hi"}); err != nil {
		t.Fatalf("WriteLines: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode()&0o777 != 0o755 {
		t.Fatalf("mode=%o, want 755", st.Mode()&0o777)
	}
}

func TestResolve_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	s := NewService(t.TempDir())
	for _, p := range []string{"../outside.txt", "a/../../outside.txt", ""} {
		if _, err := s.ReadLines(p); err == nil {
			t.Fatalf("ReadLines(%q) succeeded, want error", p)
		}
		if err := s.WriteLines(p, []string{"x"}); err == nil {
			t.Fatalf("WriteLines(%q) succeeded, want error", p)
		}
	}
}

func TestSplitJoinLines(t *testing.T) {
	t.Parallel()

	if got := SplitLines(""); got != nil {
		t.Fatalf("SplitLines(\"\")=%v, want nil", got)
	}
	if got := JoinLines(nil); got != "" {
		t.Fatalf("JoinLines(nil)=%q, want empty", got)
	}
	lines := SplitLines("a\nb\n")
	if !reflect.DeepEqual(lines, []string{"a", "b"}) {
		t.Fatalf("SplitLines=%v", lines)
	}
	if got := JoinLines(lines); got != "a\nb\n" {
		t.Fatalf("JoinLines=%q", got)
	}
}
