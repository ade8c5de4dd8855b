package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/patchdeck/patchdeck-agent/internal/diffparse"
	"github.com/patchdeck/patchdeck-agent/internal/patch"
)

// Kind identifies a review failure class. Kinds are stable wire values.
type Kind string

const (
	KindMalformedHunkHeader       Kind = "MalformedHunkHeader"
	KindMalformedHunkBody         Kind = "MalformedHunkBody"
	KindEmptySuggestion           Kind = "EmptySuggestion"
	KindContextMismatch           Kind = "ContextMismatch"
	KindUnexpectedExistingContent Kind = "UnexpectedExistingContent"
	KindHunkAlreadyResolved       Kind = "HunkAlreadyResolved"
	KindIncompleteSuggestion      Kind = "IncompleteSuggestion"
	KindWorkingCopyUnavailable    Kind = "WorkingCopyUnavailable"
	KindSyncFailed                Kind = "SyncFailed"
	KindUnknownSuggestion         Kind = "UnknownSuggestion"
	KindUnknownHunk               Kind = "UnknownHunk"

	// KindInvalidRequest covers request-shape failures the closed kind set
	// above does not name (missing resolved diff, unknown action).
	KindInvalidRequest Kind = "InvalidRequest"
)

// Error is a structured review failure carrying the error kind and, where
// applicable, the suggestion and hunk it concerns.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	SuggestionID string `json:"suggestion_id,omitempty"`
	HunkID       string `json:"hunk_id,omitempty"`
}

func (e *Error) Error() string {
	ids := ""
	if e.SuggestionID != "" {
		ids = " " + e.SuggestionID
		if e.HunkID != "" {
			ids += "/" + e.HunkID
		}
	}
	return fmt.Sprintf("%s%s: %s", e.Kind, ids, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a structured review error; failing that it wraps err so
// every store failure crossing the protocol boundary carries a kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: KindInvalidRequest, Message: strings.TrimSpace(err.Error())}
}

// fromParseError maps a diffparse failure onto the review error kinds.
func fromParseError(err error) *Error {
	var pe *diffparse.ParseError
	if errors.As(err, &pe) {
		kind := KindMalformedHunkHeader
		if pe.Kind == diffparse.KindMalformedHunkBody {
			kind = KindMalformedHunkBody
		}
		return &Error{Kind: kind, Message: pe.Error()}
	}
	return AsError(err)
}

// fromApplyError maps a patch failure onto the review error kinds,
// including the expected-vs-found context in the message.
func fromApplyError(err error) *Error {
	var ae *patch.ApplyError
	if errors.As(err, &ae) {
		kind := KindContextMismatch
		if ae.Kind == patch.KindUnexpectedExistingContent {
			kind = KindUnexpectedExistingContent
		}
		msg := ae.Error()
		if len(ae.Expected) > 0 {
			msg = fmt.Sprintf("%s (expected %q, found %q)", msg, ae.Expected, ae.Found)
		}
		return &Error{Kind: kind, Message: msg}
	}
	return AsError(err)
}
