package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotify_DeliversSummary(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		var payload map[string]string
		if err := json.Unmarshal(b, &payload); err != nil {
			t.Errorf("decode body %q: %v", b, err)
			return
		}
		got <- payload["summary"]
	}))
	defer srv.Close()

	n := NewRuntime(nil, srv.URL)
	n.Notify("Reviewer accepted hunk 1/2 of sug_x (a.txt)")

	select {
	case summary := <-got:
		if summary != "Reviewer accepted hunk 1/2 of sug_x (a.txt)" {
			t.Fatalf("summary=%q", summary)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no delivery within timeout")
	}
}

func TestNotify_EmptyURLIsNoOp(t *testing.T) {
	t.Parallel()

	n := NewRuntime(nil, "")
	// Must not panic or block.
	n.Notify("anything")

	var nilRuntime *Runtime
	nilRuntime.Notify("anything")
}
