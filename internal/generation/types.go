package generation

import "time"

// Status is the lifecycle state of a generation session.
type Status string

const (
	// StatusIdle is a client-local placeholder shown before a session exists.
	// It is part of the shared vocabulary but is never persisted; stores
	// reject it.
	StatusIdle Status = "idle"

	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal sessions never
// change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts against the
// one-active-session-per-subject invariant.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusInProgress
}

// SubResultStatus is the state of a single check or section.
type SubResultStatus string

const (
	// Check flavor.
	SubResultPending SubResultStatus = "pending"
	SubResultPassed  SubResultStatus = "passed"
	SubResultFailed  SubResultStatus = "failed"
	SubResultWarning SubResultStatus = "warning"

	// Section flavor. Pending is shared between the two.
	SubResultInProgress SubResultStatus = "in_progress"
	SubResultCompleted  SubResultStatus = "completed"
	SubResultError      SubResultStatus = "error"
)

// CitationType distinguishes linkable citations from quoted text.
type CitationType string

const (
	CitationURL  CitationType = "url"
	CitationText CitationType = "text"
)

// Citation is one source reference attached to a section.
type Citation struct {
	Type        CitationType `json:"type"`
	Value       string       `json:"value"`
	Description string       `json:"description,omitempty"`
}

// SubResult is one ordered, incrementally reported unit of work within a
// session. Ordinal defines display and aggregation order; consumers key on
// it to deduplicate redelivery.
type SubResult struct {
	Ordinal       int             `json:"ordinal"`
	Kind          string          `json:"kind"`
	Status        SubResultStatus `json:"status"`
	Detail        SubResultDetail `json:"detail"`
	ParentOrdinal *int            `json:"parent_ordinal,omitempty"`
}

// SubResultDetail carries the kind-specific payload of a sub-result. Check
// kinds use Issues/Confidence/FixText; section kinds use the rest.
type SubResultDetail struct {
	Issues           []string   `json:"issues,omitempty"`
	Confidence       float64    `json:"confidence,omitempty"`
	FixText          string     `json:"fix_text,omitempty"`
	Strengths        []string   `json:"strengths,omitempty"`
	Weaknesses       []string   `json:"weaknesses,omitempty"`
	OptimizedContent string     `json:"optimized_content,omitempty"`
	Citations        []Citation `json:"citations,omitempty"`
}

// Counts summarizes sub-result progress. Succeeded covers passed checks and
// completed sections; Failed covers failed checks and errored sections.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Warnings  int `json:"warnings"`
}

// FinalPayload is the completed artifact written once at the transition into
// StatusCompleted.
type FinalPayload struct {
	Content   string         `json:"content"`
	HTML      string         `json:"html,omitempty"`
	Citations []Citation     `json:"citations,omitempty"`
	Counts    Counts         `json:"counts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is one execution attempt for a subject. Sessions are terminal and
// retained for history; they are never deleted.
type Session struct {
	ID              string         `json:"id"`
	SubjectKey      string         `json:"subject_key"`
	Kind            Kind           `json:"kind"`
	Status          Status         `json:"status"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	SubResults      []SubResult    `json:"sub_results,omitempty"`
	FinalPayload    *FinalPayload  `json:"final_payload,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	SeedInput       map[string]any `json:"seed_input,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Counts recomputes progress counts from the full sub-result slice. It is
// always derived from scratch so redelivered sub-results cannot drift the
// totals.
func (s *Session) Counts() Counts {
	return CountSubResults(s.SubResults)
}

// CountSubResults derives counts for an arbitrary sub-result slice.
func CountSubResults(subs []SubResult) Counts {
	counts := Counts{Total: len(subs)}
	for _, sub := range subs {
		switch sub.Status {
		case SubResultPassed, SubResultCompleted:
			counts.Succeeded++
		case SubResultFailed, SubResultError:
			counts.Failed++
		case SubResultWarning:
			counts.Warnings++
		default:
			counts.Pending++
		}
	}
	return counts
}

// Clone returns a deep copy so stores can hand out sessions without sharing
// mutable state with the driver.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.SubResults != nil {
		clone.SubResults = make([]SubResult, len(s.SubResults))
		copy(clone.SubResults, s.SubResults)
		for i, sub := range s.SubResults {
			if sub.ParentOrdinal != nil {
				parent := *sub.ParentOrdinal
				clone.SubResults[i].ParentOrdinal = &parent
			}
		}
	}
	if s.FinalPayload != nil {
		payload := *s.FinalPayload
		if s.FinalPayload.Citations != nil {
			payload.Citations = make([]Citation, len(s.FinalPayload.Citations))
			copy(payload.Citations, s.FinalPayload.Citations)
		}
		clone.FinalPayload = &payload
	}
	if s.SeedInput != nil {
		seed := make(map[string]any, len(s.SeedInput))
		for k, v := range s.SeedInput {
			seed[k] = v
		}
		clone.SeedInput = seed
	}
	return &clone
}
