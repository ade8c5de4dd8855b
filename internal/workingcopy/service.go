// Package workingcopy reads and writes files of the local working copy on
// behalf of the suggestion store. All paths are relative to a configured
// root and must not escape it.
package workingcopy

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Service is the local-filesystem working copy.
type Service struct {
	root string
}

func NewService(root string) *Service {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Service{root: filepath.Clean(root)}
}

// Root returns the absolute working-copy root.
func (s *Service) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// ReadLines returns the file content split into lines without a trailing
// newline entry. An absent file yields (nil, nil): absence is a valid
// pre-state for new-file hunks.
func (s *Service) ReadLines(path string) ([]string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return SplitLines(string(b)), nil
}

// WriteLines persists lines as the new file content via an atomic
// rename, creating parent directories as needed. A trailing newline is
// written for non-empty content.
func (s *Service) WriteLines(path string, lines []string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	perm := fs.FileMode(0o644)
	if st, err := os.Stat(abs); err == nil {
		perm = st.Mode() & 0o777
	}
	return atomicWriteFile(abs, []byte(JoinLines(lines)), perm)
}

// SplitLines splits file content into lines, normalizing CRLF and dropping
// the trailing-newline artifact. Empty content yields nil.
func SplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (s *Service) resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("nil working copy")
	}
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errors.New("missing path")
	}
	rel := filepath.FromSlash(strings.TrimPrefix(p, "/"))
	if rel == "" || filepath.IsAbs(rel) {
		return "", errors.New("invalid path")
	}

	abs := filepath.Clean(filepath.Join(s.root, rel))
	ok, err := isWithinRoot(abs, s.root)
	if err != nil || !ok {
		return "", errors.New("path escapes root")
	}
	return abs, nil
}

func isWithinRoot(path string, root string) (bool, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false, err
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}

func atomicWriteFile(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".patchdeck-apply-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	_ = os.Chmod(tmpName, perm&0o777)
	if err := os.Rename(tmpName, path); err == nil {
		return nil
	}
	// Best-effort replace for platforms where Rename cannot overwrite.
	_ = os.Remove(path)
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
