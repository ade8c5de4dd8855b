package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patchdeck/patchdeck-agent/internal/diffparse"
	"github.com/patchdeck/patchdeck-agent/internal/feedbacklog"
	"github.com/patchdeck/patchdeck-agent/internal/monitor"
	"github.com/patchdeck/patchdeck-agent/internal/review"
)

// DiffSource supplies raw unified-diff text for a change reference when a
// publish request does not carry the diff inline.
type DiffSource interface {
	DiffForChange(ctx context.Context, changeRef string) (string, error)
}

type Options struct {
	Logger *slog.Logger

	// Addr is the bind address, e.g. "127.0.0.1:7399".
	Addr string

	Store    *review.Store
	Monitor  *monitor.Service
	Feedback *feedbacklog.Store
	Diffs    DiffSource

	Version string
}

type Server struct {
	log *slog.Logger

	addr    string
	store   *review.Store
	mon     *monitor.Service
	fblog   *feedbacklog.Store
	diffs   DiffSource
	version string

	hub *hub
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("missing Addr")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		log:     logger,
		addr:    strings.TrimSpace(opts.Addr),
		store:   opts.Store,
		mon:     opts.Monitor,
		fblog:   opts.Feedback,
		diffs:   opts.Diffs,
		version: opts.Version,
		hub:     newHub(logger),
	}
	// The store hands committed events to the hub; the hub queues them
	// outside any store critical section.
	opts.Store.SetSink(s.hub)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/ws", s.handleWS)
	mux.HandleFunc("POST /api/v1/suggestions", s.handlePublish)
	mux.HandleFunc("GET /api/v1/suggestions", s.handleList)
	mux.HandleFunc("GET /api/v1/suggestions/{id}", s.handleGet)
	mux.HandleFunc("POST /api/v1/suggestions/{id}/hunks/{hunk}/feedback", s.handleFeedback)
	mux.HandleFunc("POST /api/v1/suggestions/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/feedback", s.handleFeedbackLog)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("gateway listening", "addr", ln.Addr().String(), "version", s.version)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shCtx)
		s.hub.shutdown()
		return nil
	case err := <-errCh:
		s.hub.shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// --- stateless surface ---

type publishRequest struct {
	ChangeRef   string `json:"change_ref,omitempty"`
	Description string `json:"description,omitempty"`

	// Diff is the raw unified-diff text. When empty the diff is captured
	// from the VCS collaborator using ChangeRef.
	Diff string `json:"diff,omitempty"`
}

// handlePublish is the out-of-band publish entry point invoked by the
// agent-side collaborator.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if re := decodeBody(r, &req); re != nil {
		s.writeError(w, re)
		return
	}

	diffText := req.Diff
	if strings.TrimSpace(diffText) == "" {
		if s.diffs == nil {
			s.writeError(w, &review.Error{Kind: review.KindEmptySuggestion, Message: "no diff supplied and no VCS source configured"})
			return
		}
		out, err := s.diffs.DiffForChange(r.Context(), req.ChangeRef)
		if err != nil {
			s.writeError(w, &review.Error{Kind: review.KindWorkingCopyUnavailable, Message: "capture diff: " + err.Error()})
			return
		}
		diffText = out
	}

	files, err := diffparse.Parse(diffText)
	if err != nil {
		s.writeError(w, review.AsError(suggestParseError(err)))
		return
	}
	sug, err := s.store.CreateSuggestion(req.Description, req.ChangeRef, files)
	if err != nil {
		s.writeError(w, review.AsError(err))
		return
	}
	s.log.Info("suggestion published", "suggestion_id", sug.ID, "files", len(sug.Files), "hunks", len(sug.Hunks))
	s.writeData(w, http.StatusCreated, mustMarshal(sug))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	data, re := s.dispatch(r.Context(), inboundCommand{Type: cmdList})
	s.writeResult(w, data, re)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	data, re := s.dispatch(r.Context(), inboundCommand{Type: cmdGet, SuggestionID: r.PathValue("id")})
	s.writeResult(w, data, re)
}

type feedbackRequest struct {
	Action       string `json:"action"`
	Comment      string `json:"comment,omitempty"`
	ResolvedDiff string `json:"resolved_diff,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if re := decodeBody(r, &req); re != nil {
		s.writeError(w, re)
		return
	}
	data, re := s.dispatch(r.Context(), inboundCommand{
		Type:         cmdFeedback,
		SuggestionID: r.PathValue("id"),
		HunkID:       r.PathValue("hunk"),
		Action:       req.Action,
		Comment:      req.Comment,
		ResolvedDiff: req.ResolvedDiff,
	})
	s.writeResult(w, data, re)
}

type completeRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if re := decodeBody(r, &req); re != nil {
		s.writeError(w, re)
		return
	}
	data, re := s.dispatch(r.Context(), inboundCommand{
		Type:         cmdComplete,
		SuggestionID: r.PathValue("id"),
		Action:       req.Action,
	})
	s.writeResult(w, data, re)
}

type statusRequest struct {
	SuggestionID string `json:"suggestion_id,omitempty"`
	Message      string `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if re := decodeBody(r, &req); re != nil {
		s.writeError(w, re)
		return
	}
	data, re := s.dispatch(r.Context(), inboundCommand{
		Type:         cmdStatus,
		SuggestionID: req.SuggestionID,
		Message:      req.Message,
	})
	s.writeResult(w, data, re)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.mon.Snapshot(r.Context())
	out := struct {
		Version string           `json:"version,omitempty"`
		Health  monitor.Snapshot `json:"health"`
	}{Version: s.version, Health: snap}
	s.writeData(w, http.StatusOK, mustMarshal(out))
}

func (s *Server) handleFeedbackLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			s.writeError(w, &review.Error{Kind: review.KindInvalidRequest, Message: "invalid limit"})
			return
		}
		limit = n
	}
	records, err := s.fblog.List(limit)
	if err != nil {
		s.writeError(w, &review.Error{Kind: review.KindWorkingCopyUnavailable, Message: "read feedback log: " + err.Error()})
		return
	}
	if records == nil {
		records = []feedbacklog.Record{}
	}
	out := struct {
		Records []feedbacklog.Record `json:"records"`
	}{Records: records}
	s.writeData(w, http.StatusOK, mustMarshal(out))
}

// --- helpers ---

func decodeBody(r *http.Request, v any) *review.Error {
	b, err := io.ReadAll(io.LimitReader(r.Body, wsMaxMessageBytes))
	if err != nil {
		return &review.Error{Kind: review.KindInvalidRequest, Message: "read body: " + err.Error()}
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return &review.Error{Kind: review.KindInvalidRequest, Message: "empty request body"}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &review.Error{Kind: review.KindInvalidRequest, Message: "parse body: " + err.Error()}
	}
	return nil
}

// writeResult mirrors the realtime path: raw dispatch payload on success,
// structured error otherwise.
func (s *Server) writeResult(w http.ResponseWriter, data json.RawMessage, re *review.Error) {
	if re != nil {
		s.writeError(w, re)
		return
	}
	s.writeData(w, http.StatusOK, data)
}

func (s *Server) writeData(w http.ResponseWriter, status int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, re *review.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(re.Kind))
	out := struct {
		Error *review.Error `json:"error"`
	}{Error: re}
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	_, _ = w.Write(b)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// suggestParseError keeps parse failures typed when publish input is bad.
func suggestParseError(err error) error {
	var pe *diffparse.ParseError
	if errors.As(err, &pe) {
		kind := review.KindMalformedHunkHeader
		if pe.Kind == diffparse.KindMalformedHunkBody {
			kind = review.KindMalformedHunkBody
		}
		return &review.Error{Kind: kind, Message: pe.Error()}
	}
	return err
}

func parsePositiveInt(raw string) (int, error) {
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(r-'0')
		if n > 1_000_000 {
			return 0, errors.New("too large")
		}
	}
	return n, nil
}
