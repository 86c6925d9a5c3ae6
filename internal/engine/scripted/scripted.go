// Package scripted provides a deterministic engine for demo mode and local
// development: every run yields a plausible unit sequence for its subject
// kind without calling a model endpoint.
package scripted

import (
	"context"
	"fmt"
	"io"
	"time"

	"linkops/internal/generation"
	"linkops/internal/logging"
)

// Engine implements generation.Engine with canned unit scripts per subject
// kind. Delay paces the stream so progress is visible in a browser; zero
// means full speed, which is what tests want.
type Engine struct {
	delay  time.Duration
	logger logging.Logger
}

// New creates a scripted engine. delay is inserted before each unit.
func New(delay time.Duration) *Engine {
	return &Engine{
		delay:  delay,
		logger: logging.NewComponentLogger("ScriptedEngine"),
	}
}

func (e *Engine) Generate(ctx context.Context, req generation.Request) (generation.Stream, error) {
	units, err := e.script(req)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Scripted run for %s: %d units", req.SubjectKey, len(units))
	return &pacedStream{units: units, delay: e.delay}, nil
}

func (e *Engine) script(req generation.Request) ([]generation.Unit, error) {
	switch req.Kind {
	case generation.KindOutline, generation.KindBrandBrief:
		return e.passThroughScript(req), nil
	case generation.KindFormattingQA:
		return e.checksScript(req), nil
	case generation.KindSemanticAudit:
		return e.sectionsScript(req), nil
	default:
		return nil, fmt.Errorf("no script for subject kind %q", req.Kind)
	}
}

func (e *Engine) passThroughScript(req generation.Request) []generation.Unit {
	content := fmt.Sprintf("## %s\n\n1. Opening angle\n2. Supporting evidence\n3. Call to action\n",
		req.SubjectKey)
	return []generation.Unit{
		{Progress: "Collecting source material"},
		{Progress: "Drafting structure"},
		{Final: &generation.FinalPayload{
			Content:  content,
			Metadata: map[string]any{"engine": "scripted"},
		}},
	}
}

func (e *Engine) checksScript(req generation.Request) []generation.Unit {
	check := func(ordinal int, kind string, status generation.SubResultStatus, detail generation.SubResultDetail) generation.Unit {
		return generation.Unit{SubResult: &generation.SubResult{
			Ordinal: ordinal,
			Kind:    kind,
			Status:  status,
			Detail:  detail,
		}}
	}
	return []generation.Unit{
		{Progress: "Running formatting checks"},
		check(0, "headers", generation.SubResultPassed, generation.SubResultDetail{Confidence: 0.98}),
		check(1, "links", generation.SubResultFailed, generation.SubResultDetail{
			Issues:     []string{"internal link resolves to a 404"},
			Confidence: 0.91,
			FixText:    "Point the section 2 link at the published guide.",
		}),
		check(2, "spacing", generation.SubResultPassed, generation.SubResultDetail{Confidence: 0.99}),
		check(3, "tone", generation.SubResultWarning, generation.SubResultDetail{
			Issues:     []string{"closing paragraph reads promotional"},
			Confidence: 0.74,
			FixText:    "Rework the close around the reader's next step.",
		}),
		check(4, "metadata", generation.SubResultPassed, generation.SubResultDetail{Confidence: 0.95}),
		{Progress: "Checks finished"},
	}
}

func (e *Engine) sectionsScript(req generation.Request) []generation.Unit {
	section := func(ordinal int, status generation.SubResultStatus, detail generation.SubResultDetail) generation.Unit {
		return generation.Unit{SubResult: &generation.SubResult{
			Ordinal: ordinal,
			Kind:    "section",
			Status:  status,
			Detail:  detail,
		}}
	}
	return []generation.Unit{
		{Progress: "Splitting article into sections"},
		section(0, generation.SubResultCompleted, generation.SubResultDetail{
			Strengths:        []string{"clear thesis"},
			Weaknesses:       []string{"no supporting data"},
			OptimizedContent: "Intro rewritten around the core claim, with the survey numbers up front.",
			Citations: []generation.Citation{
				{Type: generation.CitationURL, Value: "https://example.com/industry-survey", Description: "2025 industry survey"},
			},
		}),
		section(1, generation.SubResultCompleted, generation.SubResultDetail{
			Strengths:        []string{"good examples"},
			OptimizedContent: "Body tightened; each example now links back to the thesis.",
		}),
		section(2, generation.SubResultCompleted, generation.SubResultDetail{
			Weaknesses:       []string{"abrupt ending"},
			OptimizedContent: "Closing section now summarizes and hands off to the product page.",
			Citations: []generation.Citation{
				{Type: generation.CitationText, Value: "\"readers act on a single clear ask\"", Description: "style guide"},
			},
		}),
		{Progress: "Audit finished"},
	}
}

type pacedStream struct {
	units []generation.Unit
	pos   int
	delay time.Duration
}

func (s *pacedStream) Next(ctx context.Context) (generation.Unit, error) {
	if s.pos >= len(s.units) {
		return generation.Unit{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return generation.Unit{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	unit := s.units[s.pos]
	s.pos++
	return unit, nil
}

func (s *pacedStream) Close() error { return nil }
