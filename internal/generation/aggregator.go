package generation

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

// Compose builds the final payload for a session whose engine stream has
// finished. engineFinal is the artifact supplied directly by the engine, nil
// when the engine only reported sub-results.
//
// Contract checks live here so every driver shares them: structured subjects
// that finish with zero sub-results, and audits that exceed the citation cap,
// fail with ErrContractViolation instead of producing a payload.
func Compose(session *Session, engineFinal *FinalPayload) (*FinalPayload, error) {
	subs := sortedSubResults(session.SubResults)
	counts := CountSubResults(subs)

	if session.Kind.RequiresSubResults() && len(subs) == 0 {
		return nil, fmt.Errorf("%w: %s session %s completed with no sub-results",
			ErrContractViolation, session.Kind, session.ID)
	}

	var payload *FinalPayload
	switch session.Kind.Aggregation() {
	case AggregatePassThrough:
		if engineFinal == nil {
			return nil, fmt.Errorf("%w: %s session %s produced no final artifact",
				ErrContractViolation, session.Kind, session.ID)
		}
		payload = engineFinal

	case AggregateChecks:
		payload = composeCorrectedDocument(session, subs)

	case AggregateSections:
		composed, err := composeOptimizedSections(session, subs)
		if err != nil {
			return nil, err
		}
		payload = composed
	}

	payload.Counts = counts
	if payload.HTML == "" && payload.Content != "" {
		payload.HTML = renderHTML(payload.Content)
	}
	return payload, nil
}

func sortedSubResults(subs []SubResult) []SubResult {
	ordered := make([]SubResult, len(subs))
	copy(ordered, subs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Ordinal < ordered[j].Ordinal
	})
	return ordered
}

// composeCorrectedDocument merges per-check fix suggestions into one corrected
// artifact: the drafted document from the seed input, followed by every fix
// in check order.
func composeCorrectedDocument(session *Session, subs []SubResult) *FinalPayload {
	var builder strings.Builder
	if base, ok := session.SeedInput["content"].(string); ok && base != "" {
		builder.WriteString(strings.TrimRight(base, "\n"))
	}

	applied := 0
	for _, sub := range subs {
		if sub.Detail.FixText == "" {
			continue
		}
		switch sub.Status {
		case SubResultFailed, SubResultWarning:
			if builder.Len() > 0 {
				builder.WriteString("\n\n")
			}
			builder.WriteString(strings.TrimSpace(sub.Detail.FixText))
			applied++
		}
	}

	return &FinalPayload{
		Content: builder.String(),
		Metadata: map[string]any{
			"applied_fixes": applied,
		},
	}
}

// composeOptimizedSections concatenates per-section optimized content in
// ordinal order and collects citations, enforcing the audit-wide cap.
func composeOptimizedSections(session *Session, subs []SubResult) (*FinalPayload, error) {
	var parts []string
	var citations []Citation
	for _, sub := range subs {
		if sub.Detail.OptimizedContent != "" {
			parts = append(parts, strings.TrimSpace(sub.Detail.OptimizedContent))
		}
		citations = append(citations, sub.Detail.Citations...)
	}

	if session.Kind == KindSemanticAudit && len(citations) > maxAuditCitations {
		return nil, fmt.Errorf("%w: audit session %s reported %d citations (max %d)",
			ErrContractViolation, session.ID, len(citations), maxAuditCitations)
	}

	return &FinalPayload{
		Content:   strings.Join(parts, "\n\n"),
		Citations: citations,
		Metadata: map[string]any{
			"sections":  len(subs),
			"citations": len(citations),
		},
	}, nil
}

func renderHTML(markdown string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		// The final payload is still usable without the rendered view.
		return ""
	}
	return buf.String()
}
