package generation

import "time"

// Event types forwarded to attached clients, in the order applied to the
// store.
const (
	EventStarted   = "generation.started"
	EventProgress  = "generation.progress"
	EventSubResult = "generation.subresult"
	EventCompleted = "generation.completed"
	EventFailed    = "generation.failed"
	EventCancelled = "generation.cancelled"
)

// Event is one push-channel message. Delivery is at-least-once; clients apply
// sub-results by ordinal so redelivery cannot double-count.
type Event struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"session_id"`
	SubjectKey   string        `json:"subject_key,omitempty"`
	Status       Status        `json:"status,omitempty"`
	Progress     string        `json:"progress,omitempty"`
	SubResult    *SubResult    `json:"sub_result,omitempty"`
	Counts       *Counts       `json:"counts,omitempty"`
	Final        *FinalPayload `json:"final_payload,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Terminal reports whether the event announces a terminal transition.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// EventListener receives every event the driver or cancel path emits.
type EventListener interface {
	OnEvent(event Event)
}

// MultiEventListener fans events out to several listeners in order.
type MultiEventListener struct {
	listeners []EventListener
}

// NewMultiEventListener composes listeners, skipping nil entries.
func NewMultiEventListener(listeners ...EventListener) *MultiEventListener {
	flattened := make([]EventListener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			flattened = append(flattened, l)
		}
	}
	return &MultiEventListener{listeners: flattened}
}

func (m *MultiEventListener) OnEvent(event Event) {
	for _, l := range m.listeners {
		l.OnEvent(event)
	}
}
