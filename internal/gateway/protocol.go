// Package gateway exposes the suggestion store over a realtime WebSocket
// channel and a stateless HTTP surface, and fans every committed state
// change out to all connected clients. Only framing lives here; all review
// semantics stay in the store.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/patchdeck/patchdeck-agent/internal/review"
)

// inboundCommand is the closed envelope for realtime commands. Unknown
// type values are rejected with a structured error, never ignored.
type inboundCommand struct {
	Type string `json:"type"`
	// ID is the caller's correlation identifier; the response echoes it and
	// goes to the requesting connection only.
	ID string `json:"id,omitempty"`

	SuggestionID string `json:"suggestion_id,omitempty"`
	HunkID       string `json:"hunk_id,omitempty"`
	Action       string `json:"action,omitempty"`
	Comment      string `json:"comment,omitempty"`
	ResolvedDiff string `json:"resolved_diff,omitempty"`
	Message      string `json:"message,omitempty"`
}

const (
	cmdFeedback = "feedback"
	cmdComplete = "complete"
	cmdList     = "list"
	cmdGet      = "get"
	cmdStatus   = "status"
)

type responseEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *review.Error   `json:"error,omitempty"`
}

func newResponse(id string, data json.RawMessage, re *review.Error) responseEnvelope {
	return responseEnvelope{
		Type:    "response",
		ID:      id,
		Success: re == nil,
		Data:    data,
		Error:   re,
	}
}

type listResult struct {
	Suggestions []review.Summary `json:"suggestions"`
}

type completeResult struct {
	SuggestionID string `json:"suggestion_id"`
	Action       string `json:"action"`
	OK           bool   `json:"ok"`
}

type statusResult struct {
	OK bool `json:"ok"`
}

// dispatch executes one command against the store. It is the single entry
// point for both the realtime and the stateless path, so the two produce
// byte-for-byte identical result payloads for the same inputs.
func (s *Server) dispatch(ctx context.Context, cmd inboundCommand) (json.RawMessage, *review.Error) {
	switch strings.TrimSpace(cmd.Type) {
	case cmdList:
		sums := s.store.ListSuggestions()
		if sums == nil {
			sums = []review.Summary{}
		}
		return marshalData(listResult{Suggestions: sums})

	case cmdGet:
		sug, err := s.store.GetSuggestion(cmd.SuggestionID)
		if err != nil {
			return nil, review.AsError(err)
		}
		return marshalData(sug)

	case cmdFeedback:
		res, err := s.store.ResolveHunk(cmd.SuggestionID, cmd.HunkID, review.Action(cmd.Action), cmd.Comment, cmd.ResolvedDiff)
		if err != nil {
			return nil, review.AsError(err)
		}
		return marshalData(res)

	case cmdComplete:
		if err := s.store.CompleteSuggestion(ctx, cmd.SuggestionID, review.CompleteAction(cmd.Action)); err != nil {
			return nil, review.AsError(err)
		}
		return marshalData(completeResult{SuggestionID: strings.TrimSpace(cmd.SuggestionID), Action: cmd.Action, OK: true})

	case cmdStatus:
		// Free-form progress pass-through; no store mutation.
		s.store.PublishStatus(cmd.SuggestionID, cmd.Message)
		return marshalData(statusResult{OK: true})

	default:
		return nil, &review.Error{Kind: review.KindInvalidRequest, Message: "unknown command type " + strconv.Quote(cmd.Type)}
	}
}

func marshalData(v any) (json.RawMessage, *review.Error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &review.Error{Kind: review.KindInvalidRequest, Message: "encode result: " + err.Error()}
	}
	return b, nil
}

// marshalEvent produces the outbound event frame: the event payload plus
// its "type" discriminator.
func marshalEvent(ev review.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	m["type"] = ev.EventType()
	return json.Marshal(m)
}

// httpStatusFor maps review error kinds onto HTTP status codes for the
// stateless surface.
func httpStatusFor(kind review.Kind) int {
	switch kind {
	case review.KindUnknownSuggestion, review.KindUnknownHunk:
		return http.StatusNotFound
	case review.KindHunkAlreadyResolved, review.KindIncompleteSuggestion:
		return http.StatusConflict
	case review.KindContextMismatch, review.KindUnexpectedExistingContent:
		return http.StatusUnprocessableEntity
	case review.KindWorkingCopyUnavailable, review.KindSyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
