package review

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patchdeck/patchdeck-agent/internal/diffparse"
	"github.com/patchdeck/patchdeck-agent/internal/feedbacklog"
	"github.com/patchdeck/patchdeck-agent/internal/review/reviewdb"
)

// WorkingCopy is the external file-content collaborator hunks are applied
// against. Absent files read as (nil, nil).
type WorkingCopy interface {
	ReadLines(path string) ([]string, error)
	WriteLines(path string, lines []string) error
}

// Syncer pushes finalized changes to the VCS remote.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Notifier delivers a human-readable feedback summary to the agent
// runtime. Fire-and-forget; implementations must not block.
type Notifier interface {
	Notify(summary string)
}

// Policy tunes store behavior that the sync collaborator's requirements
// drive rather than the core.
type Policy struct {
	// FinalizeRequiresFull makes finalize of a non-complete suggestion fail
	// instead of leaving unreviewed hunks for a later session.
	FinalizeRequiresFull bool

	// DriftWindow bounds the patch anchor search; <= 0 uses the default.
	DriftWindow int
}

type Options struct {
	Logger *slog.Logger

	WorkingCopy WorkingCopy
	Feedback    *feedbacklog.Store

	// History is the optional SQLite write-through store; when set, open
	// suggestions are reloaded from it at construction.
	History *reviewdb.Store

	Sink     EventSink
	Syncer   Syncer
	Notifier Notifier

	Policy Policy
}

// Store owns all suggestion state. Every mutating operation is atomic with
// respect to the suggestion it targets: one exclusive lock per suggestion,
// held for the duration of validate-apply-persist-log. Event delivery is
// handed off to the sink only after the mutation commits, so network send
// never runs inside a critical section.
type Store struct {
	log      *slog.Logger
	wc       WorkingCopy
	feedback *feedbacklog.Store
	history  *reviewdb.Store
	sink     EventSink
	syncer   Syncer
	notifier Notifier
	policy   Policy

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

type entry struct {
	mu  sync.Mutex
	sug *Suggestion
}

func New(opts Options) (*Store, error) {
	if opts.WorkingCopy == nil {
		return nil, errors.New("missing WorkingCopy")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = nopSink{}
	}

	s := &Store{
		log:      logger,
		wc:       opts.WorkingCopy,
		feedback: opts.Feedback,
		history:  opts.History,
		sink:     sink,
		syncer:   opts.Syncer,
		notifier: opts.Notifier,
		policy:   opts.Policy,
		entries:  make(map[string]*entry),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSink installs the event sink after construction. The gateway needs the
// store at build time and vice versa; wiring the sink late breaks the knot.
func (s *Store) SetSink(sink EventSink) {
	if s == nil || sink == nil {
		return
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// reload rebuilds in-memory suggestions from the history DB. Hunk
// structure is reparsed from the stored raw diff text; the parser is
// deterministic, so ids and line classification come back identical.
func (s *Store) reload() error {
	if s.history == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sugs, hunksBySug, err := s.history.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range sugs {
		sug := &Suggestion{
			ID:              rec.SuggestionID,
			ChangeRef:       rec.ChangeRef,
			Description:     rec.Description,
			CreatedAtUnixMs: rec.CreatedAtUnixMs,
		}
		for _, hr := range hunksBySug[rec.SuggestionID] {
			h, err := hunkFromRecord(hr)
			if err != nil {
				s.log.Warn("skipping unparseable stored hunk", "suggestion_id", rec.SuggestionID, "hunk_id", hr.HunkID, "error", err)
				continue
			}
			sug.Hunks = append(sug.Hunks, h)
		}
		if len(sug.Hunks) == 0 {
			continue
		}
		sug.Files = filesOf(sug.Hunks)
		s.entries[sug.ID] = &entry{sug: sug}
		s.order = append(s.order, sug.ID)
	}
	if len(s.order) > 0 {
		s.log.Info("reloaded suggestions from history", "count", len(s.order))
	}
	return nil
}

func hunkFromRecord(hr reviewdb.HunkRecord) (*Hunk, error) {
	groups, err := diffparse.Parse(hr.RawDiff)
	if err != nil {
		return nil, err
	}
	var parsed *diffparse.Hunk
	for i := range groups {
		if len(groups[i].Hunks) > 0 {
			parsed = &groups[i].Hunks[0]
			break
		}
	}
	if parsed == nil {
		return nil, errors.New("stored raw diff has no hunks")
	}
	return &Hunk{
		ID:               hr.HunkID,
		File:             hr.File,
		OldStart:         parsed.OldStart,
		OldCount:         parsed.OldCount,
		NewStart:         parsed.NewStart,
		NewCount:         parsed.NewCount,
		Section:          parsed.Section,
		Lines:            parsed.Lines,
		RawDiff:          hr.RawDiff,
		State:            HunkState(hr.State),
		ResolvedDiff:     hr.ResolvedDiff,
		Comment:          hr.Comment,
		AppliedAtUnixMs:  hr.AppliedAtUnixMs,
		AppliedWithDrift: hr.AppliedWithDrift,
	}, nil
}

// CreateSuggestion registers a new suggestion built from parsed hunks, all
// in pending state. File groups without hunks contribute nothing.
func (s *Store) CreateSuggestion(description string, changeRef string, files []diffparse.FileDiff) (*Suggestion, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}

	id, err := NewSuggestionID()
	if err != nil {
		return nil, err
	}

	sug := &Suggestion{
		ID:              id,
		ChangeRef:       strings.TrimSpace(changeRef),
		Description:     description,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
	for _, fd := range files {
		for i := range fd.Hunks {
			ph := fd.Hunks[i]
			sug.Hunks = append(sug.Hunks, &Hunk{
				ID:       HunkID(id, fd.Path, i),
				File:     fd.Path,
				OldStart: ph.OldStart,
				OldCount: ph.OldCount,
				NewStart: ph.NewStart,
				NewCount: ph.NewCount,
				Section:  ph.Section,
				Lines:    ph.Lines,
				RawDiff:  ph.Raw,
				State:    HunkPending,
			})
		}
	}
	if len(sug.Hunks) == 0 {
		return nil, newError(KindEmptySuggestion, "no hunks parsed from diff")
	}
	sug.Files = filesOf(sug.Hunks)

	s.mu.Lock()
	s.entries[id] = &entry{sug: sug}
	s.order = append(s.order, id)
	sink := s.sink
	s.mu.Unlock()

	s.persistCreate(sug)

	snap := cloneSuggestion(sug)
	sink.Publish(ReadyEvent{Suggestion: summarize(sug)})
	return snap, nil
}

func (s *Store) persistCreate(sug *Suggestion) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recs := make([]reviewdb.HunkRecord, 0, len(sug.Hunks))
	for i, h := range sug.Hunks {
		recs = append(recs, reviewdb.HunkRecord{
			SuggestionID: sug.ID,
			HunkID:       h.ID,
			File:         h.File,
			Position:     i,
			RawDiff:      h.RawDiff,
			State:        string(h.State),
		})
	}
	err := s.history.SaveSuggestion(ctx, reviewdb.SuggestionRecord{
		SuggestionID:    sug.ID,
		ChangeRef:       sug.ChangeRef,
		Description:     sug.Description,
		CreatedAtUnixMs: sug.CreatedAtUnixMs,
	}, recs)
	if err != nil {
		s.log.Warn("history save failed", "suggestion_id", sug.ID, "error", err)
	}
}

// GetSuggestion returns a snapshot of one suggestion with its hunks.
func (s *Store) GetSuggestion(id string) (*Suggestion, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSuggestion(e.sug), nil
}

// ListSuggestions returns summaries in creation order.
func (s *Store) ListSuggestions() []Summary {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	entries := make([]*entry, 0, len(order))
	for _, id := range order {
		if e := s.entries[id]; e != nil {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, summarize(e.sug))
		e.mu.Unlock()
	}
	return out
}

// PublishStatus passes free-form progress through to connected clients.
// No store mutation.
func (s *Store) PublishStatus(suggestionID string, message string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	sink.Publish(StatusEvent{SuggestionID: strings.TrimSpace(suggestionID), Message: message})
}

func (s *Store) lookup(id string) (*entry, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	e := s.entries[id]
	s.mu.Unlock()
	if e == nil {
		return nil, &Error{Kind: KindUnknownSuggestion, Message: "no such suggestion", SuggestionID: id}
	}
	return e, nil
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.DeleteSuggestion(ctx, id); err != nil {
			s.log.Warn("history delete failed", "suggestion_id", id, "error", err)
		}
	}
}

func (s *Store) currentSink() EventSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *Store) appendFeedback(r feedbacklog.Record) {
	if s.feedback == nil {
		return
	}
	s.feedback.Append(r)
}

func (s *Store) notify(summary string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(summary)
}

func filesOf(hunks []*Hunk) []string {
	seen := make(map[string]struct{}, len(hunks))
	var out []string
	for _, h := range hunks {
		if _, ok := seen[h.File]; ok {
			continue
		}
		seen[h.File] = struct{}{}
		out = append(out, h.File)
	}
	return out
}

func summarize(sug *Suggestion) Summary {
	resolved := 0
	for _, h := range sug.Hunks {
		if h.State.Terminal() {
			resolved++
		}
	}
	files := make([]string, len(sug.Files))
	copy(files, sug.Files)
	return Summary{
		ID:              sug.ID,
		ChangeRef:       sug.ChangeRef,
		Description:     sug.Description,
		Files:           files,
		Status:          computeStatus(sug.Hunks),
		HunkCount:       len(sug.Hunks),
		ResolvedCount:   resolved,
		CreatedAtUnixMs: sug.CreatedAtUnixMs,
	}
}

func cloneSuggestion(sug *Suggestion) *Suggestion {
	out := *sug
	out.Status = computeStatus(sug.Hunks)
	out.Files = make([]string, len(sug.Files))
	copy(out.Files, sug.Files)
	out.Hunks = make([]*Hunk, 0, len(sug.Hunks))
	for _, h := range sug.Hunks {
		hc := *h
		hc.Lines = make([]diffparse.Line, len(h.Lines))
		copy(hc.Lines, h.Lines)
		out.Hunks = append(out.Hunks, &hc)
	}
	return &out
}
