// Package notify delivers human-readable resolution summaries back to the
// host agent runtime. Delivery is fire-and-forget: the review core never
// waits on, or fails because of, the runtime.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const deliverTimeout = 5 * time.Second

// Runtime posts summaries to a configured agent-runtime endpoint.
type Runtime struct {
	log *slog.Logger

	url    string
	client *http.Client
}

// NewRuntime returns a notifier for the given endpoint URL. An empty URL
// yields a disabled notifier whose Notify is a no-op.
func NewRuntime(log *slog.Logger, url string) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		log:    log,
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: deliverTimeout},
	}
}

// Notify sends one summary string. It returns immediately; delivery
// happens in the background and failures are logged, not propagated.
func (r *Runtime) Notify(summary string) {
	if r == nil || r.url == "" || strings.TrimSpace(summary) == "" {
		return
	}
	go r.deliver(summary)
}

func (r *Runtime) deliver(summary string) {
	body, err := json.Marshal(map[string]string{"summary": summary})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.log.Warn("notify request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("notify delivery failed", "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.log.Warn("notify delivery rejected", "status", resp.StatusCode)
	}
}
