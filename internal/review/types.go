// Package review owns all suggestion and hunk state. It is the only
// mutation surface: the protocol layer calls in, the working copy, VCS,
// feedback log and event sink are collaborators it calls out to.
package review

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/patchdeck/patchdeck-agent/internal/diffparse"
)

// HunkState is the per-hunk review state. A hunk transitions exactly once
// from pending to a terminal state; no edges leave a terminal state.
type HunkState string

const (
	HunkPending  HunkState = "pending"
	HunkAccepted HunkState = "accepted"
	HunkRejected HunkState = "rejected"
	HunkModified HunkState = "modified"
)

// Terminal reports whether the state has no outgoing transitions.
func (s HunkState) Terminal() bool {
	switch s {
	case HunkAccepted, HunkRejected, HunkModified:
		return true
	}
	return false
}

// Action is a reviewer decision on a single hunk.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionModify Action = "modify"
)

func (a Action) state() HunkState {
	switch a {
	case ActionAccept:
		return HunkAccepted
	case ActionReject:
		return HunkRejected
	case ActionModify:
		return HunkModified
	}
	return HunkPending
}

// CompleteAction ends a suggestion's review session.
type CompleteAction string

const (
	CompleteFinalize CompleteAction = "finalize"
	CompleteDiscard  CompleteAction = "discard"
)

// Status is the derived per-suggestion state. It is always computed from
// hunk states, never stored, so it cannot drift.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
)

// Hunk is one reviewable change. Owned exclusively by its suggestion.
type Hunk struct {
	ID   string `json:"hunk_id"`
	File string `json:"file"`

	OldStart int    `json:"old_start"`
	OldCount int    `json:"old_count"`
	NewStart int    `json:"new_start"`
	NewCount int    `json:"new_count"`
	Section  string `json:"section,omitempty"`

	Lines []diffparse.Line `json:"lines"`

	// RawDiff is the original unified-diff text for this hunk, verbatim.
	RawDiff string `json:"raw_diff"`

	State HunkState `json:"state"`

	// ResolvedDiff is set only when State is modified.
	ResolvedDiff string `json:"resolved_diff,omitempty"`
	Comment      string `json:"comment,omitempty"`

	AppliedAtUnixMs int64 `json:"applied_at_unix_ms,omitempty"`

	// AppliedWithDrift marks a resolution whose anchor was found away from
	// the declared line; reversing it later is best-effort.
	AppliedWithDrift bool `json:"applied_with_drift,omitempty"`
}

// Suggestion is a bundle of proposed edits under review.
type Suggestion struct {
	ID          string `json:"suggestion_id"`
	ChangeRef   string `json:"change_ref,omitempty"`
	Description string `json:"description,omitempty"`

	// Files are the touched paths, derived from hunks at creation, in
	// first-appearance order.
	Files []string `json:"files"`

	Hunks []*Hunk `json:"hunks"`

	Status Status `json:"status"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// Summary is the list-view projection of a suggestion.
type Summary struct {
	ID          string `json:"suggestion_id"`
	ChangeRef   string `json:"change_ref,omitempty"`
	Description string `json:"description,omitempty"`

	Files  []string `json:"files"`
	Status Status   `json:"status"`

	HunkCount     int `json:"hunk_count"`
	ResolvedCount int `json:"resolved_count"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// Resolution is the outcome of a hunk resolution.
type Resolution struct {
	SuggestionID string    `json:"suggestion_id"`
	HunkID       string    `json:"hunk_id"`
	Action       Action    `json:"action"`
	State        HunkState `json:"state"`
	Status       Status    `json:"status"`

	// AppliedContent is the new file content, empty for rejects that
	// produce no forward content.
	AppliedContent string `json:"applied_content,omitempty"`

	Drifted bool `json:"drifted,omitempty"`
}

// computeStatus derives the suggestion status: pending when every hunk is
// pending, complete when every hunk is terminal, partial otherwise.
func computeStatus(hunks []*Hunk) Status {
	if len(hunks) == 0 {
		return StatusComplete
	}
	pending, terminal := 0, 0
	for _, h := range hunks {
		if h.State.Terminal() {
			terminal++
		} else {
			pending++
		}
	}
	switch {
	case terminal == 0:
		return StatusPending
	case pending == 0:
		return StatusComplete
	default:
		return StatusPartial
	}
}

// NewSuggestionID allocates a random opaque suggestion identifier.
func NewSuggestionID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sug_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HunkID derives the stable hunk identifier from (suggestion id, file,
// 0-based ordinal among that file's hunks), so re-parsing identical input
// yields identical ids.
func HunkID(suggestionID string, file string, ordinal int) string {
	return fmt.Sprintf("%s:%s:%d", suggestionID, file, ordinal)
}
