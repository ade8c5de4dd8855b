package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/patchdeck/patchdeck-agent/internal/feedbacklog"
	"github.com/patchdeck/patchdeck-agent/internal/patch"
)

// CompleteSuggestion ends a suggestion's review session.
//
// Finalize syncs through the VCS collaborator; a complete suggestion is
// then removed, a partial one stays for a later session (unless policy
// demands full completion, in which case partial finalize fails with
// IncompleteSuggestion). Discard reverses every accepted and modified hunk
// out of the working copy and removes the suggestion unconditionally, even
// if some reversals fail - each failure is logged and broadcast, none is
// fatal to the discard.
func (s *Store) CompleteSuggestion(ctx context.Context, suggestionID string, action CompleteAction) error {
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
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sug := e.sug
	fail := func(re *Error) error {
		re.SuggestionID = sug.ID
		s.appendFeedback(feedbacklog.Record{
			SuggestionID: sug.ID,
			Action:       string(action),
			Status:       "failure",
			Error:        re.Message,
		})
		events = append(events, ErrorEvent{SuggestionID: sug.ID, Err: re})
		return re
	}

	switch action {
	case CompleteFinalize:
		status := computeStatus(sug.Hunks)
		if status == StatusPending {
			// Nothing resolved, nothing to sync.
			return fail(newError(KindIncompleteSuggestion, "no hunks resolved yet"))
		}
		if s.policy.FinalizeRequiresFull && status != StatusComplete {
			return fail(newError(KindIncompleteSuggestion, "finalize requires full completion, status is %s", status))
		}
		if s.syncer != nil {
			if err := s.syncer.Sync(ctx); err != nil {
				return fail(newError(KindSyncFailed, "sync: %v", err))
			}
		}
		s.appendFeedback(feedbacklog.Record{
			SuggestionID: sug.ID,
			Action:       string(action),
			Status:       "success",
		})
		if status == StatusComplete {
			s.remove(sug.ID)
		}
		events = append(events, StatusEvent{SuggestionID: sug.ID, Message: fmt.Sprintf("finalized (%s)", status)})
		s.notify(fmt.Sprintf("Suggestion %s finalized with status %s", sug.ID, status))
		return nil

	case CompleteDiscard:
		failures := s.reverseResolved(sug, &events)
		s.appendFeedback(feedbacklog.Record{
			SuggestionID: sug.ID,
			Action:       string(action),
			Status:       "success",
		})
		s.remove(sug.ID)
		events = append(events, StatusEvent{SuggestionID: sug.ID, Message: "discarded"})
		if failures > 0 {
			s.notify(fmt.Sprintf("Suggestion %s discarded, %d hunk reversal(s) failed", sug.ID, failures))
		} else {
			s.notify(fmt.Sprintf("Suggestion %s discarded", sug.ID))
		}
		return nil
	}
	return fail(newError(KindInvalidRequest, "unknown completion action %q", string(action)))
}

// reverseResolved restores pre-acceptance content for every terminal hunk
// that changed the working copy. Best-effort: failures are counted and
// broadcast, never fatal.
func (s *Store) reverseResolved(sug *Suggestion, events *[]Event) int {
	opts := patch.Options{DriftWindow: s.policy.DriftWindow}
	failures := 0

	// Reverse in inverse resolution order so later hunks in the same file
	// come out before earlier ones.
	for i := len(sug.Hunks) - 1; i >= 0; i-- {
		h := sug.Hunks[i]
		if h.State != HunkAccepted && h.State != HunkModified {
			continue
		}

		revert := func() *Error {
			content, err := s.wc.ReadLines(h.File)
			if err != nil {
				return newError(KindWorkingCopyUnavailable, "read %s: %v", h.File, err)
			}
			cur := content
			if h.State == HunkModified {
				hunks, re := parseResolvedDiff(h.ResolvedDiff, h.File)
				if re != nil {
					return re
				}
				for j := len(hunks) - 1; j >= 0; j-- {
					res, err := patch.Apply(cur, &hunks[j], patch.Reverse, opts)
					if err != nil {
						return fromApplyError(err)
					}
					cur = res.Lines
				}
			} else {
				res, err := patch.Apply(cur, h.structural(), patch.Reverse, opts)
				if err != nil {
					return fromApplyError(err)
				}
				cur = res.Lines
			}
			if err := s.wc.WriteLines(h.File, cur); err != nil {
				return newError(KindWorkingCopyUnavailable, "write %s: %v", h.File, err)
			}
			return nil
		}

		if re := revert(); re != nil {
			re.SuggestionID = sug.ID
			re.HunkID = h.ID
			failures++
			s.log.Warn("discard reversal failed", "suggestion_id", sug.ID, "hunk_id", h.ID, "error", re)
			*events = append(*events, ErrorEvent{SuggestionID: sug.ID, HunkID: h.ID, Err: re})
		}
	}
	return failures
}
