package generation

import (
	"fmt"
	"strings"
)

// Kind identifies which of the production surfaces a subject belongs to.
type Kind string

const (
	// KindOutline is deep-research outline generation for a workflow.
	KindOutline Kind = "outline"
	// KindFormattingQA runs formatting and QA checks over a drafted article.
	KindFormattingQA Kind = "formatting_qa"
	// KindBrandBrief is the multi-phase brand-intelligence brief.
	KindBrandBrief Kind = "brand_brief"
	// KindSemanticAudit audits an article section by section.
	KindSemanticAudit Kind = "semantic_audit"
)

// Aggregation selects how the final payload is composed from sub-results.
type Aggregation int

const (
	// AggregatePassThrough uses the engine-supplied artifact verbatim.
	AggregatePassThrough Aggregation = iota
	// AggregateChecks merges per-check fix suggestions into a corrected
	// document.
	AggregateChecks
	// AggregateSections concatenates per-section optimized content in
	// ordinal order.
	AggregateSections
)

// maxAuditCitations caps total citations across all sections of a semantic
// audit.
const maxAuditCitations = 3

var kindRegistry = map[Kind]Aggregation{
	KindOutline:       AggregatePassThrough,
	KindFormattingQA:  AggregateChecks,
	KindBrandBrief:    AggregatePassThrough,
	KindSemanticAudit: AggregateSections,
}

// Known reports whether the kind maps to a registered surface.
func (k Kind) Known() bool {
	_, ok := kindRegistry[k]
	return ok
}

// Aggregation returns the composition mode for the kind.
func (k Kind) Aggregation() Aggregation {
	return kindRegistry[k]
}

// RequiresSubResults reports whether reaching completed with zero sub-results
// is an engine contract violation for this kind.
func (k Kind) RequiresSubResults() bool {
	return kindRegistry[k] != AggregatePassThrough
}

// MultiPhase reports whether the kind is backed by a phase sequence rather
// than a single session.
func (k Kind) MultiPhase() bool {
	return k == KindBrandBrief
}

const phaseSeparator = "::"

// ParseSubjectKey splits a subject key of the form "<kind>:<ref>" (with an
// optional "::<phase>" suffix for phase-scoped keys) and validates the kind.
func ParseSubjectKey(subjectKey string) (Kind, string, error) {
	key := subjectKey
	if idx := strings.Index(key, phaseSeparator); idx >= 0 {
		key = key[:idx]
	}
	kind, ref, found := strings.Cut(key, ":")
	if !found || ref == "" {
		return "", "", fmt.Errorf("%w: malformed subject key %q", ErrInvalidSubject, subjectKey)
	}
	if !Kind(kind).Known() {
		return "", "", fmt.Errorf("%w: unknown subject kind %q", ErrInvalidSubject, kind)
	}
	return Kind(kind), ref, nil
}

// PhaseSubjectKey derives the phase-scoped subject key for one phase of a
// multi-phase subject, e.g. "brand_brief:client-7::research".
func PhaseSubjectKey(subjectKey string, phase PhaseName) string {
	return subjectKey + phaseSeparator + string(phase)
}
