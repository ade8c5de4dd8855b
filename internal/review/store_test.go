package review

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/patchdeck/patchdeck-agent/internal/diffparse"
	"github.com/patchdeck/patchdeck-agent/internal/feedbacklog"
	"github.com/patchdeck/patchdeck-agent/internal/workingcopy"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Publish(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) byType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type syncFunc func(ctx context.Context) error

func (f syncFunc) Sync(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	store    *Store
	sink     *captureSink
	feedback *feedbacklog.Store
	repoDir  string
}

func newTestEnv(t *testing.T, policy Policy, syncer Syncer) *testEnv {
	t.Helper()

	repoDir := t.TempDir()
	fb, err := feedbacklog.New(feedbacklog.Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("feedbacklog.New: %v", err)
	}
	sink := &captureSink{}
	store, err := New(Options{
		WorkingCopy: workingcopy.NewService(repoDir),
		Feedback:    fb,
		Sink:        sink,
		Syncer:      syncer,
		Policy:      policy,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{store: store, sink: sink, feedback: fb, repoDir: repoDir}
}

func (env *testEnv) writeFile(t *testing.T, rel string, content string) {
	t.Helper()
	path := filepath.Join(env.repoDir, rel)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func (env *testEnv) readFile(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(env.repoDir, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(b)
}

func mustParse(t *testing.T, diff string) []diffparse.FileDiff {
	t.Helper()
	files, err := diffparse.Parse(diff)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return files
}

const twoFileDiff = `--- a/a.txt
+++ b/a.txt
@@ -1,3 +1,3 @@
 one
-two
+TWO
 three
--- a/b.txt
+++ b/b.txt
@@ -1,2 +1,2 @@
 alpha
-beta
+BETA
`

func (env *testEnv) publishTwoFiles(t *testing.T) *Suggestion {
	t.Helper()
	env.writeFile(t, "a.txt", "one\ntwo\nthree\n")
	env.writeFile(t, "b.txt", "alpha\nbeta\n")
	sug, err := env.store.CreateSuggestion("tidy both files", "change-1", mustParse(t, twoFileDiff))
	if err != nil {
		t.Fatalf("CreateSuggestion: %v", err)
	}
	return sug
}

func TestCreateSuggestion_PendingWithDeterministicHunkIDs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	sug := env.publishTwoFiles(t)

	if sug.Status != StatusPending {
		t.Fatalf("status=%q, want pending", sug.Status)
	}
	if len(sug.Hunks) != 2 {
		t.Fatalf("hunks=%d, want 2", len(sug.Hunks))
	}
	if got, want := sug.Hunks[0].ID, sug.ID+":a.txt:0"; got != want {
		t.Fatalf("hunk id=%q, want %q", got, want)
	}
	if got, want := sug.Hunks[1].ID, sug.ID+":b.txt:0"; got != want {
		t.Fatalf("hunk id=%q, want %q", got, want)
	}
	if len(sug.Files) != 2 || sug.Files[0] != "a.txt" || sug.Files[1] != "b.txt" {
		t.Fatalf("files=%v", sug.Files)
	}

	ready := env.sink.byType("suggestion.ready")
	if len(ready) != 1 {
		t.Fatalf("ready events=%d, want 1", len(ready))
	}
	if got := ready[0].(ReadyEvent).Suggestion.ID; got != sug.ID {
		t.Fatalf("ready event suggestion=%q, want %q", got, sug.ID)
	}
}

func TestCreateSuggestion_NoHunksFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	_, err := env.store.CreateSuggestion("empty", "", nil)
	re := AsError(err)
	if re == nil || re.Kind != KindEmptySuggestion {
		t.Fatalf("err=%v, want EmptySuggestion", err)
	}
}

func TestResolveHunk_AcceptThenRejectCompletes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	sug := env.publishTwoFiles(t)

	res, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "looks good", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.State != HunkAccepted || res.Status != StatusPartial {
		t.Fatalf("state=%q status=%q, want accepted/partial", res.State, res.Status)
	}
	if got := env.readFile(t, "a.txt"); got != "one\nTWO\nthree\n" {
		t.Fatalf("a.txt=%q", got)
	}

	res, err = env.store.ResolveHunk(sug.ID, sug.Hunks[1].ID, ActionReject, "not this one", "")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.State != HunkRejected || res.Status != StatusComplete {
		t.Fatalf("state=%q status=%q, want rejected/complete", res.State, res.Status)
	}
	// The rejected edits were never materialized, so b.txt is untouched.
	if got := env.readFile(t, "b.txt"); got != "alpha\nbeta\n" {
		t.Fatalf("b.txt=%q", got)
	}

	applied := env.sink.byType("suggestion.hunk_applied")
	if len(applied) != 2 {
		t.Fatalf("hunk_applied events=%d, want 2", len(applied))
	}

	records, err := env.feedback.List(0)
	if err != nil {
		t.Fatalf("feedback list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("feedback records=%d, want exactly 2", len(records))
	}
	for _, r := range records {
		if r.Status != "success" || r.SuggestionID != sug.ID {
			t.Fatalf("unexpected record %+v", r)
		}
	}
}

func TestResolveHunk_RejectReversesMaterializedEdits(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	// The working copy already carries the suggested edit.
	env.writeFile(t, "a.txt", "one\nTWO\nthree\n")
	env.writeFile(t, "b.txt", "alpha\nbeta\n")
	sug, err := env.store.CreateSuggestion("pre-applied", "", mustParse(t, twoFileDiff))
	if err != nil {
		t.Fatalf("CreateSuggestion: %v", err)
	}

	if _, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionReject, "", ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := env.readFile(t, "a.txt"); got != "one\ntwo\nthree\n" {
		t.Fatalf("a.txt=%q, want pre-image restored", got)
	}
}

func TestResolveHunk_SecondResolutionFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	sug := env.publishTwoFiles(t)

	if _, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "", ""); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	after := env.readFile(t, "a.txt")

	_, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionReject, "", "")
	re := AsError(err)
	if re == nil || re.Kind != KindHunkAlreadyResolved {
		t.Fatalf("err=%v, want HunkAlreadyResolved", err)
	}
	if got := env.readFile(t, "a.txt"); got != after {
		t.Fatalf("a.txt changed by failed duplicate: %q", got)
	}

	records, err := env.feedback.List(0)
	if err != nil {
		t.Fatalf("feedback list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("feedback records=%d, want success plus failure", len(records))
	}
	// Newest first.
	if records[0].Status != "failure" || records[0].Error == "" {
		t.Fatalf("newest record %+v, want recorded failure", records[0])
	}
}

func TestResolveHunk_ModifyAppliesResolvedDiff(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	sug := env.publishTwoFiles(t)

	resolved := strings.Join([]string{
		"@@ -1,3 +1,3 @@",
		" one",
		"-two",
		"+TWO (modified)",
		" three",
	}, "\n") + "\n"

	res, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionModify, "tweaked", resolved)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if res.State != HunkModified {
		t.Fatalf("state=%q, want modified", res.State)
	}
	if got := env.readFile(t, "a.txt"); got != "one\nTWO (modified)\nthree\n" {
		t.Fatalf("a.txt=%q", got)
	}

	got, err := env.store.GetSuggestion(sug.ID)
	if err != nil {
		t.Fatalf("GetSuggestion: %v", err)
	}
	if got.Hunks[0].ResolvedDiff != resolved {
		t.Fatalf("resolved diff not retained: %q", got.Hunks[0].ResolvedDiff)
	}
}

func TestResolveHunk_ModifyWithoutDiffFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	sug := env.publishTwoFiles(t)

	_, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionModify, "", "")
	re := AsError(err)
	if re == nil || re.Kind != KindInvalidRequest {
		t.Fatalf("err=%v, want InvalidRequest", err)
	}

	_, err = env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "", "@@ -1,1 +1,1 @@\n-x\n+y\n")
	re = AsError(err)
	if re == nil || re.Kind != KindInvalidRequest {
		t.Fatalf("err=%v, want InvalidRequest for accept with resolved_diff", err)
	}
}

func TestResolveHunk_UnknownIdentifiers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	sug := env.publishTwoFiles(t)

	_, err := env.store.ResolveHunk("sug_nope", "whatever", ActionAccept, "", "")
	re := AsError(err)
	if re == nil || re.Kind != KindUnknownSuggestion {
		t.Fatalf("err=%v, want UnknownSuggestion", err)
	}

	_, err = env.store.ResolveHunk(sug.ID, sug.ID+":a.txt:99", ActionAccept, "", "")
	re = AsError(err)
	if re == nil || re.Kind != KindUnknownHunk {
		t.Fatalf("err=%v, want UnknownHunk", err)
	}
}

func TestResolveHunk_NewFileHunkAgainstExistingContent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	env.writeFile(t, "fresh.txt", "already here\n")

	diff := strings.Join([]string{
		"--- /dev/null",
		"+++ b/fresh.txt",
		"@@ -0,0 +1,2 @@",
		"+alpha",
		"+beta",
	}, "\n") + "\n"
	sug, err := env.store.CreateSuggestion("new file", "", mustParse(t, diff))
	if err != nil {
		t.Fatalf("CreateSuggestion: %v", err)
	}

	_, err = env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "", "")
	re := AsError(err)
	if re == nil || re.Kind != KindUnexpectedExistingContent {
		t.Fatalf("err=%v, want UnexpectedExistingContent", err)
	}
	if got := env.readFile(t, "fresh.txt"); got != "already here\n" {
		t.Fatalf("fresh.txt=%q, want unchanged target", got)
	}

	got, err := env.store.GetSuggestion(sug.ID)
	if err != nil {
		t.Fatalf("GetSuggestion: %v", err)
	}
	if got.Hunks[0].State != HunkPending {
		t.Fatalf("state=%q, want pending after failure", got.Hunks[0].State)
	}
}

func TestCompleteSuggestion_DiscardReversesAcceptedHunk(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, nil)
	sug := env.publishTwoFiles(t)

	if _, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := env.readFile(t, "a.txt"); got != "one\nTWO\nthree\n" {
		t.Fatalf("a.txt=%q before discard", got)
	}

	if err := env.store.CompleteSuggestion(context.Background(), sug.ID, CompleteDiscard); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if got := env.readFile(t, "a.txt"); got != "one\ntwo\nthree\n" {
		t.Fatalf("a.txt=%q, want pre-acceptance content", got)
	}
	if got := env.store.ListSuggestions(); len(got) != 0 {
		t.Fatalf("list=%v, want empty after discard", got)
	}
	if _, err := env.store.GetSuggestion(sug.ID); AsError(err).Kind != KindUnknownSuggestion {
		t.Fatalf("get after discard: %v", err)
	}
}

func TestCompleteSuggestion_FinalizeRemovesCompleteSuggestion(t *testing.T) {
	t.Parallel()

	synced := false
	env := newTestEnv(t, Policy{}, syncFunc(func(context.Context) error {
		synced = true
		return nil
	}))
	sug := env.publishTwoFiles(t)

	for _, h := range sug.Hunks {
		if _, err := env.store.ResolveHunk(sug.ID, h.ID, ActionAccept, "", ""); err != nil {
			t.Fatalf("accept %s: %v", h.ID, err)
		}
	}
	if err := env.store.CompleteSuggestion(context.Background(), sug.ID, CompleteFinalize); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !synced {
		t.Fatalf("syncer was not invoked")
	}
	if got := env.store.ListSuggestions(); len(got) != 0 {
		t.Fatalf("list=%v, want empty after finalize of complete suggestion", got)
	}
}

func TestCompleteSuggestion_PartialFinalizeKeepsSuggestion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, syncFunc(func(context.Context) error { return nil }))
	sug := env.publishTwoFiles(t)

	if _, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.store.CompleteSuggestion(context.Background(), sug.ID, CompleteFinalize); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got := env.store.ListSuggestions()
	if len(got) != 1 || got[0].Status != StatusPartial {
		t.Fatalf("list=%v, want the partial suggestion retained", got)
	}
}

func TestCompleteSuggestion_FinalizeRequiresFullPolicy(t *testing.T) {
	t.Parallel()

	synced := false
	env := newTestEnv(t, Policy{FinalizeRequiresFull: true}, syncFunc(func(context.Context) error {
		synced = true
		return nil
	}))
	sug := env.publishTwoFiles(t)

	if _, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	err := env.store.CompleteSuggestion(context.Background(), sug.ID, CompleteFinalize)
	re := AsError(err)
	if re == nil || re.Kind != KindIncompleteSuggestion {
		t.Fatalf("err=%v, want IncompleteSuggestion", err)
	}
	if synced {
		t.Fatalf("syncer ran for rejected finalize")
	}
}

func TestCompleteSuggestion_SyncFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Policy{}, syncFunc(func(context.Context) error {
		return errors.New("remote rejected push")
	}))
	sug := env.publishTwoFiles(t)

	if _, err := env.store.ResolveHunk(sug.ID, sug.Hunks[0].ID, ActionAccept, "", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	err := env.store.CompleteSuggestion(context.Background(), sug.ID, CompleteFinalize)
	re := AsError(err)
	if re == nil || re.Kind != KindSyncFailed {
		t.Fatalf("err=%v, want SyncFailed", err)
	}
	if got := env.store.ListSuggestions(); len(got) != 1 {
		t.Fatalf("list=%v, want suggestion retained after failed sync", got)
	}
}

func TestCompleteSuggestion_FinalizeWithNothingResolvedFails(t *testing.T) {
	t.Parallel()

	synced := false
	env := newTestEnv(t, Policy{}, syncFunc(func(context.Context) error {
		synced = true
		return nil
	}))
	sug := env.publishTwoFiles(t)

	err := env.store.CompleteSuggestion(context.Background(), sug.ID, CompleteFinalize)
	re := AsError(err)
	if re == nil || re.Kind != KindIncompleteSuggestion {
		t.Fatalf("err=%v, want IncompleteSuggestion", err)
	}
	if synced {
		t.Fatalf("syncer ran for a fully pending suggestion")
	}
	if got := env.store.ListSuggestions(); len(got) != 1 {
		t.Fatalf("list=%v, want suggestion retained", got)
	}
}
