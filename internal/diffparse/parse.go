// Package diffparse turns unified-diff text into an ordered, structural
// representation of per-file hunks. Parsing is pure: it never touches the
// filesystem or the network, and identical input always yields identical
// output.
package diffparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LineKind classifies a single hunk body line.
type LineKind string

const (
	LineContext  LineKind = "context"
	LineAddition LineKind = "addition"
	LineRemoval  LineKind = "removal"
)

// Line is one body line of a hunk.
type Line struct {
	Kind LineKind `json:"kind"`
	Text string   `json:"text"`
}

// Hunk is a single contiguous change within one file.
type Hunk struct {
	File string `json:"file"`

	OldStart int `json:"old_start"`
	OldCount int `json:"old_count"`
	NewStart int `json:"new_start"`
	NewCount int `json:"new_count"`

	// Section is the optional label after the closing "@@" (function name etc).
	Section string `json:"section,omitempty"`

	Lines []Line `json:"lines"`

	// Raw is the verbatim diff text for this hunk (header line plus body),
	// preserved for display and resubmission.
	Raw string `json:"raw"`
}

// IsNewFile reports whether the hunk creates a file from nothing
// (the "@@ -0,0 +N,M @@" form).
func (h *Hunk) IsNewFile() bool {
	return h.OldStart == 0 && h.OldCount == 0
}

// FileDiff groups the hunks of one file, in input order. A file header with
// no hunks after it yields an entry with zero hunks.
type FileDiff struct {
	Path  string `json:"path"`
	Hunks []Hunk `json:"hunks"`
}

// Error kinds reported by Parse.
const (
	KindMalformedHunkHeader = "MalformedHunkHeader"
	KindMalformedHunkBody   = "MalformedHunkBody"
)

// ParseError is a structural parse failure, naming the file and the
// offending input line.
type ParseError struct {
	Kind string
	File string
	Line string
}

func (e *ParseError) Error() string {
	if strings.TrimSpace(e.File) == "" {
		return fmt.Sprintf("%s: %q", e.Kind, e.Line)
	}
	return fmt.Sprintf("%s in %s: %q", e.Kind, e.File, e.Line)
}

var hunkHeaderRE = regexp.MustCompile(`^@@\s+-(\d+)(?:,(\d+))?\s+\+(\d+)(?:,(\d+))?\s+@@(.*)$`)

// Parse reads unified-diff text, possibly spanning multiple files, and
// returns file groups in input order with within-file hunk order preserved.
// Input with no file headers and no hunks parses to an empty result; the
// caller decides whether that is an error.
func Parse(diffText string) ([]FileDiff, error) {
	raw := strings.ReplaceAll(diffText, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	lines := strings.Split(raw, "\n")

	var out []FileDiff
	cur := -1 // index into out of the open file group

	openFile := func(path string) {
		out = append(out, FileDiff{Path: path})
		cur = len(out) - 1
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			parts := strings.Fields(line)
			if len(parts) < 4 {
				return nil, &ParseError{Kind: KindMalformedHunkHeader, Line: line}
			}
			openFile(trimDiffPath(parts[3]))

		case isOldPathMarker(lines, i):
			// "--- a/x" followed by "+++ b/x" opens (or renames) a group.
			oldPath := parseDiffPath(strings.TrimPrefix(line, "--- "))
			newPath := parseDiffPath(strings.TrimPrefix(lines[i+1], "+++ "))
			path := newPath
			if path == "" || path == "/dev/null" {
				path = oldPath
			}
			// A "diff --git" header for the same file may have just opened
			// the group; only open a new one when the path changes.
			if cur < 0 || out[cur].Path != path || len(out[cur].Hunks) > 0 {
				openFile(path)
			}
			i++ // consume the "+++" line

		case strings.HasPrefix(line, "@@"):
			if cur < 0 {
				// Bare hunk text with no file header: tolerated, grouped
				// under an empty path.
				openFile("")
			}
			h, consumed, err := parseHunk(lines, i, out[cur].Path)
			if err != nil {
				return nil, err
			}
			out[cur].Hunks = append(out[cur].Hunks, h)
			i += consumed - 1

		default:
			// File metadata (index, mode, rename, binary markers) and blank
			// separators between files.
		}
	}
	return out, nil
}

// parseHunk parses one hunk starting at the header line lines[start].
// It returns the hunk and the number of input lines consumed.
func parseHunk(lines []string, start int, file string) (Hunk, int, error) {
	header := lines[start]
	m := hunkHeaderRE.FindStringSubmatch(header)
	if m == nil {
		return Hunk{}, 0, &ParseError{Kind: KindMalformedHunkHeader, File: file, Line: header}
	}

	h := Hunk{
		File:     file,
		OldStart: atoiDefault(m[1], 0),
		OldCount: atoiDefault(m[2], 1),
		NewStart: atoiDefault(m[3], 0),
		NewCount: atoiDefault(m[4], 1),
		Section:  strings.TrimSpace(m[5]),
	}

	rawLines := []string{header}
	i := start + 1
	for ; i < len(lines); i++ {
		l := lines[i]
		if strings.HasPrefix(l, "@@") || strings.HasPrefix(l, "diff --git ") || isOldPathMarker(lines, i) {
			break
		}
		if i == len(lines)-1 && l == "" {
			// Trailing newline artifact from Split, not an empty context line.
			break
		}
		if l == "" {
			h.Lines = append(h.Lines, Line{Kind: LineContext})
			rawLines = append(rawLines, l)
			continue
		}
		switch l[0] {
		case ' ':
			h.Lines = append(h.Lines, Line{Kind: LineContext, Text: l[1:]})
		case '+':
			h.Lines = append(h.Lines, Line{Kind: LineAddition, Text: l[1:]})
		case '-':
			h.Lines = append(h.Lines, Line{Kind: LineRemoval, Text: l[1:]})
		case '\\':
			// "\ No newline at end of file"
		default:
			return Hunk{}, 0, &ParseError{Kind: KindMalformedHunkBody, File: file, Line: l}
		}
		rawLines = append(rawLines, l)
	}

	h.Raw = strings.Join(rawLines, "\n") + "\n"
	return h, i - start, nil
}

// isOldPathMarker reports whether lines[i] starts a "---"/"+++" file header
// pair. The pairing requirement disambiguates it from a removal of a line
// whose text begins with "-- ".
func isOldPathMarker(lines []string, i int) bool {
	if !strings.HasPrefix(lines[i], "--- ") {
		return false
	}
	return i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ")
}

func trimDiffPath(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "a/")
	raw = strings.TrimPrefix(raw, "b/")
	return raw
}

// parseDiffPath extracts the path from a "---"/"+++" marker payload,
// dropping any trailing timestamp.
func parseDiffPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if fields := strings.Fields(raw); len(fields) > 0 {
		raw = fields[0]
	}
	if raw == "/dev/null" {
		return raw
	}
	return trimDiffPath(raw)
}

func atoiDefault(raw string, def int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
