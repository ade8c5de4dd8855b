package review

// Event is the sealed interface over the outbound broadcast notifications.
// Computing a state transition and delivering its events are separated: the
// store hands events to the sink only after the mutation commits.
type Event interface {
	// EventType is the wire "type" value.
	EventType() string

	isEvent()
}

func (ReadyEvent) isEvent()       {}
func (StatusEvent) isEvent()      {}
func (HunkAppliedEvent) isEvent() {}
func (ErrorEvent) isEvent()       {}

// ReadyEvent announces a newly published suggestion.
type ReadyEvent struct {
	Suggestion Summary `json:"suggestion"`
}

func (ReadyEvent) EventType() string { return "suggestion.ready" }

// StatusEvent is free-form progress, passed through without any store
// mutation.
type StatusEvent struct {
	SuggestionID string `json:"suggestion_id,omitempty"`
	Message      string `json:"message"`
}

func (StatusEvent) EventType() string { return "suggestion.status" }

// HunkAppliedEvent announces any terminal hunk transition.
type HunkAppliedEvent struct {
	SuggestionID string    `json:"suggestion_id"`
	HunkID       string    `json:"hunk_id"`
	File         string    `json:"file"`
	Action       Action    `json:"action"`
	State        HunkState `json:"state"`
	Status       Status    `json:"status"`
	Drifted      bool      `json:"drifted,omitempty"`
}

func (HunkAppliedEvent) EventType() string { return "suggestion.hunk_applied" }

// ErrorEvent announces an operation failure.
type ErrorEvent struct {
	SuggestionID string `json:"suggestion_id,omitempty"`
	HunkID       string `json:"hunk_id,omitempty"`
	Err          *Error `json:"error"`
}

func (ErrorEvent) EventType() string { return "suggestion.error" }

// EventSink receives committed events. Implementations must not block:
// delivery is a queue drained by the protocol layer.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
