package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patchdeck/patchdeck-agent/internal/diffparse"
	"github.com/patchdeck/patchdeck-agent/internal/feedbacklog"
	"github.com/patchdeck/patchdeck-agent/internal/patch"
	"github.com/patchdeck/patchdeck-agent/internal/review/reviewdb"
	"github.com/patchdeck/patchdeck-agent/internal/workingcopy"
)

// ResolveHunk commits a reviewer decision on one pending hunk.
//
// The hunk transitions exactly once: re-submitting feedback for an already
// resolved hunk fails with HunkAlreadyResolved and never touches file
// content a second time - duplicate network deliveries stay detectable.
// A feedback record is appended for every attempt on a known hunk, failed
// ones included, so the audit trail is complete. On failure the hunk stays
// pending.
func (s *Store) ResolveHunk(suggestionID, hunkID string, action Action, comment string, resolvedDiff string) (*Resolution, error) {
	var events []Event
	defer func() {
		sink := s.currentSink()
		for _, ev := range events {
			sink.Publish(ev)
		}
	}()

	e, err := s.lookup(suggestionID)
	if err != nil {
		events = append(events, ErrorEvent{SuggestionID: strings.TrimSpace(suggestionID), Err: AsError(err)})
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sug := e.sug
	h := findHunk(sug, hunkID)
	if h == nil {
		re := &Error{Kind: KindUnknownHunk, Message: "no such hunk", SuggestionID: sug.ID, HunkID: strings.TrimSpace(hunkID)}
		events = append(events, ErrorEvent{SuggestionID: sug.ID, HunkID: re.HunkID, Err: re})
		return nil, re
	}

	fail := func(re *Error) (*Resolution, error) {
		re.SuggestionID = sug.ID
		re.HunkID = h.ID
		s.appendFeedback(feedbacklog.Record{
			SuggestionID: sug.ID,
			HunkID:       h.ID,
			Action:       string(action),
			Status:       "failure",
			Error:        re.Message,
			Comment:      comment,
			ResolvedDiff: resolvedDiff,
		})
		events = append(events, ErrorEvent{SuggestionID: sug.ID, HunkID: h.ID, Err: re})
		return nil, re
	}

	if h.State != HunkPending {
		return fail(newError(KindHunkAlreadyResolved, "hunk already %s", h.State))
	}
	switch action {
	case ActionAccept, ActionReject:
		if strings.TrimSpace(resolvedDiff) != "" {
			return fail(newError(KindInvalidRequest, "resolved_diff is only valid with modify"))
		}
	case ActionModify:
		if strings.TrimSpace(resolvedDiff) == "" {
			return fail(newError(KindInvalidRequest, "modify requires resolved_diff"))
		}
	default:
		return fail(newError(KindInvalidRequest, "unknown action %q", string(action)))
	}

	content, err := s.wc.ReadLines(h.File)
	if err != nil {
		return fail(newError(KindWorkingCopyUnavailable, "read %s: %v", h.File, err))
	}

	applied, drifted, wrote, re := s.applyAction(content, h, action, resolvedDiff)
	if re != nil {
		return fail(re)
	}

	if wrote {
		if err := s.wc.WriteLines(h.File, applied); err != nil {
			return fail(newError(KindWorkingCopyUnavailable, "write %s: %v", h.File, err))
		}
	}

	// Commit the transition only after content is persisted.
	h.State = action.state()
	h.Comment = comment
	h.AppliedAtUnixMs = time.Now().UnixMilli()
	h.AppliedWithDrift = drifted
	if action == ActionModify {
		h.ResolvedDiff = resolvedDiff
	}
	s.persistHunk(sug, h)

	s.appendFeedback(feedbacklog.Record{
		SuggestionID: sug.ID,
		HunkID:       h.ID,
		Action:       string(action),
		Status:       "success",
		Comment:      comment,
		ResolvedDiff: h.ResolvedDiff,
	})

	status := computeStatus(sug.Hunks)
	events = append(events, HunkAppliedEvent{
		SuggestionID: sug.ID,
		HunkID:       h.ID,
		File:         h.File,
		Action:       action,
		State:        h.State,
		Status:       status,
		Drifted:      drifted,
	})
	s.notify(resolutionSummary(sug, h, action, comment))

	res := &Resolution{
		SuggestionID: sug.ID,
		HunkID:       h.ID,
		Action:       action,
		State:        h.State,
		Status:       status,
		Drifted:      drifted,
	}
	if wrote && action != ActionReject {
		res.AppliedContent = workingcopy.JoinLines(applied)
	}
	return res, nil
}

// applyAction computes the new file content for an action. wrote reports
// whether content changed and must be persisted (a reject of a hunk whose
// edits were never materialized is a successful no-op).
func (s *Store) applyAction(content []string, h *Hunk, action Action, resolvedDiff string) (applied []string, drifted bool, wrote bool, re *Error) {
	opts := patch.Options{DriftWindow: s.policy.DriftWindow}

	switch action {
	case ActionAccept:
		res, err := patch.Apply(content, h.structural(), patch.Forward, opts)
		if err != nil {
			return nil, false, false, fromApplyError(err)
		}
		return res.Lines, res.Drifted, true, nil

	case ActionReject:
		// Reject is "apply the inverse": if the hunk's edits are already in
		// the working copy, reverse them out. When the pre-image is still
		// intact the edits were never materialized and reject is a no-op.
		res, err := patch.Apply(content, h.structural(), patch.Reverse, opts)
		if err == nil {
			return res.Lines, res.Drifted, true, nil
		}
		if _, fwdErr := patch.Apply(content, h.structural(), patch.Forward, opts); fwdErr == nil {
			return content, false, false, nil
		}
		return nil, false, false, fromApplyError(err)

	case ActionModify:
		hunks, re := parseResolvedDiff(resolvedDiff, h.File)
		if re != nil {
			return nil, false, false, re
		}
		cur := content
		for i := range hunks {
			res, err := patch.Apply(cur, &hunks[i], patch.Forward, opts)
			if err != nil {
				return nil, false, false, fromApplyError(err)
			}
			cur = res.Lines
			drifted = drifted || res.Drifted
		}
		return cur, drifted, true, nil
	}
	return nil, false, false, newError(KindInvalidRequest, "unknown action %q", string(action))
}

// parseResolvedDiff parses a reviewer-supplied replacement diff. Hunks
// naming no file inherit the original hunk's file; hunks naming a different
// file are rejected.
func parseResolvedDiff(resolvedDiff string, file string) ([]diffparse.Hunk, *Error) {
	groups, err := diffparse.Parse(resolvedDiff)
	if err != nil {
		return nil, fromParseError(err)
	}
	var out []diffparse.Hunk
	for _, g := range groups {
		if g.Path != "" && g.Path != file {
			return nil, newError(KindInvalidRequest, "resolved_diff targets %s, hunk belongs to %s", g.Path, file)
		}
		for _, h := range g.Hunks {
			h.File = file
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil, newError(KindEmptySuggestion, "no hunks parsed from resolved_diff")
	}
	return out, nil
}

func (s *Store) persistHunk(sug *Suggestion, h *Hunk) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.history.UpdateHunk(ctx, reviewdb.HunkRecord{
		SuggestionID:     sug.ID,
		HunkID:           h.ID,
		File:             h.File,
		State:            string(h.State),
		ResolvedDiff:     h.ResolvedDiff,
		Comment:          h.Comment,
		AppliedAtUnixMs:  h.AppliedAtUnixMs,
		AppliedWithDrift: h.AppliedWithDrift,
	})
	if err != nil {
		s.log.Warn("history hunk update failed", "suggestion_id", sug.ID, "hunk_id", h.ID, "error", err)
	}
}

// structural rebuilds the parser-level form the applier works on.
func (h *Hunk) structural() *diffparse.Hunk {
	return &diffparse.Hunk{
		File:     h.File,
		OldStart: h.OldStart,
		OldCount: h.OldCount,
		NewStart: h.NewStart,
		NewCount: h.NewCount,
		Section:  h.Section,
		Lines:    h.Lines,
		Raw:      h.RawDiff,
	}
}

func findHunk(sug *Suggestion, hunkID string) *Hunk {
	hunkID = strings.TrimSpace(hunkID)
	for _, h := range sug.Hunks {
		if h.ID == hunkID {
			return h
		}
	}
	return nil
}

func resolutionSummary(sug *Suggestion, h *Hunk, action Action, comment string) string {
	pos, total := 0, len(sug.Hunks)
	for i, other := range sug.Hunks {
		if other.ID == h.ID {
			pos = i + 1
			break
		}
	}
	verb := "accepted"
	switch action {
	case ActionReject:
		verb = "rejected"
	case ActionModify:
		verb = "modified"
	}
	out := fmt.Sprintf("Reviewer %s hunk %d/%d of %s (%s)", verb, pos, total, sug.ID, h.File)
	if c := strings.TrimSpace(comment); c != "" {
		out += ": " + c
	}
	return out
}
