// Package patch applies a single structured hunk to file content, forward
// or in reverse. It is stateless: callers supply current content and
// persist the returned content themselves.
package patch

import (
	"fmt"
	"strings"

	"github.com/patchdeck/patchdeck-agent/internal/diffparse"
)

// Direction selects forward application or reversal of a hunk.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// DefaultDriftWindow is how far (in lines, each way) the anchor search may
// wander from the hunk's declared start line.
const DefaultDriftWindow = 80

// Error kinds reported by Apply.
const (
	KindContextMismatch           = "ContextMismatch"
	KindUnexpectedExistingContent = "UnexpectedExistingContent"
)

// ApplyError is a structural application failure.
type ApplyError struct {
	Kind string
	File string
	Msg  string

	// Expected and Found carry the mismatching context for diagnostics.
	Expected []string
	Found    []string
}

func (e *ApplyError) Error() string {
	if strings.TrimSpace(e.File) == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s in %s: %s", e.Kind, e.File, e.Msg)
}

// Result is the outcome of a successful Apply.
type Result struct {
	Lines []string

	// Drifted is set when the anchor was found away from the declared start
	// line. A later reversal of a drifted application is best-effort only.
	Drifted bool
}

// Options tunes application behavior.
type Options struct {
	// DriftWindow bounds the anchor search; <= 0 uses DefaultDriftWindow.
	DriftWindow int
}

// Apply applies h to content in the given direction and returns the new
// content. content is the file split into lines without trailing-newline
// bookkeeping; an empty or nil slice means an empty or absent file.
//
// Reversal structurally swaps the roles of addition and removal lines and
// replays the forward logic, so Apply(Apply(x, h, Forward), h, Reverse)
// yields x whenever the forward application did not need drift correction.
func Apply(content []string, h *diffparse.Hunk, dir Direction, opts Options) (Result, error) {
	if h == nil {
		return Result{}, &ApplyError{Kind: KindContextMismatch, Msg: "nil hunk"}
	}
	eff := *h
	if dir == Reverse {
		eff = invert(h)
	}
	return applyForward(content, &eff, opts)
}

// invert swaps old/new ranges and addition/removal roles.
func invert(h *diffparse.Hunk) diffparse.Hunk {
	inv := diffparse.Hunk{
		File:     h.File,
		OldStart: h.NewStart,
		OldCount: h.NewCount,
		NewStart: h.OldStart,
		NewCount: h.OldCount,
		Section:  h.Section,
		Raw:      h.Raw,
	}
	inv.Lines = make([]diffparse.Line, 0, len(h.Lines))
	for _, l := range h.Lines {
		switch l.Kind {
		case diffparse.LineAddition:
			inv.Lines = append(inv.Lines, diffparse.Line{Kind: diffparse.LineRemoval, Text: l.Text})
		case diffparse.LineRemoval:
			inv.Lines = append(inv.Lines, diffparse.Line{Kind: diffparse.LineAddition, Text: l.Text})
		default:
			inv.Lines = append(inv.Lines, l)
		}
	}
	return inv
}

func applyForward(content []string, h *diffparse.Hunk, opts Options) (Result, error) {
	if h.IsNewFile() {
		if len(content) > 0 {
			return Result{}, &ApplyError{
				Kind: KindUnexpectedExistingContent,
				File: h.File,
				Msg:  fmt.Sprintf("new-file hunk against %d existing lines", len(content)),
			}
		}
		out := make([]string, 0, len(h.Lines))
		for _, l := range h.Lines {
			if l.Kind == diffparse.LineAddition {
				out = append(out, l.Text)
			}
		}
		return Result{Lines: out}, nil
	}

	from, to := spans(h)
	preferred := h.OldStart - 1
	if preferred < 0 {
		preferred = 0
	}

	if len(from) == 0 {
		// Pure insertion with no anchor. A zero-count old range means
		// "after line OldStart", so the insertion point is OldStart itself.
		pos := h.OldStart
		if pos > len(content) {
			pos = len(content)
		}
		out := make([]string, 0, len(content)+len(to))
		out = append(out, content[:pos]...)
		out = append(out, to...)
		out = append(out, content[pos:]...)
		return Result{Lines: out}, nil
	}

	pos, drifted, ok := findAnchor(content, from, preferred, opts.DriftWindow)
	if !ok {
		found := content
		if preferred < len(content) {
			end := preferred + len(from)
			if end > len(content) {
				end = len(content)
			}
			found = content[preferred:end]
		}
		return Result{}, &ApplyError{
			Kind:     KindContextMismatch,
			File:     h.File,
			Msg:      fmt.Sprintf("no match near line %d", h.OldStart),
			Expected: from,
			Found:    found,
		}
	}

	out := make([]string, 0, len(content)-len(from)+len(to))
	out = append(out, content[:pos]...)
	out = append(out, replaceSpan(content, pos, h)...)
	out = append(out, content[pos+len(from):]...)
	return Result{Lines: out, Drifted: drifted}, nil
}

// replaceSpan builds the post-image of the matched span. Context lines are
// copied from the matched file content, not from the hunk, so lines that
// matched only under trailing-whitespace normalization keep their original
// whitespace.
func replaceSpan(content []string, pos int, h *diffparse.Hunk) []string {
	var out []string
	i := 0 // cursor over the pre-image span
	for _, l := range h.Lines {
		switch l.Kind {
		case diffparse.LineContext:
			out = append(out, content[pos+i])
			i++
		case diffparse.LineRemoval:
			i++
		case diffparse.LineAddition:
			out = append(out, l.Text)
		}
	}
	return out
}

// spans builds the pre-image (context+removal) and post-image
// (context+addition) line sequences of a hunk.
func spans(h *diffparse.Hunk) (from []string, to []string) {
	for _, l := range h.Lines {
		switch l.Kind {
		case diffparse.LineContext:
			from = append(from, l.Text)
			to = append(to, l.Text)
		case diffparse.LineRemoval:
			from = append(from, l.Text)
		case diffparse.LineAddition:
			to = append(to, l.Text)
		}
	}
	return from, to
}

// findAnchor locates the first position whose lines match the pre-image,
// preferring the declared position and then scanning a bounded window
// around it.
func findAnchor(content []string, from []string, preferred int, window int) (pos int, drifted bool, ok bool) {
	if window <= 0 {
		window = DefaultDriftWindow
	}

	tryAt := func(p int) bool {
		if p < 0 || p+len(from) > len(content) {
			return false
		}
		for i := range from {
			if !lineEqual(content[p+i], from[i]) {
				return false
			}
		}
		return true
	}

	if tryAt(preferred) {
		return preferred, false, true
	}

	start := preferred - window
	if start < 0 {
		start = 0
	}
	end := preferred + window
	if end > len(content) {
		end = len(content)
	}
	for p := start; p <= end; p++ {
		if tryAt(p) {
			return p, true, true
		}
	}
	return 0, false, false
}

// lineEqual compares lines normalizing trailing whitespace only. Any other
// difference is a mismatch.
func lineEqual(a, b string) bool {
	return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t")
}
