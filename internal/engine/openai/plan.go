package openai

import (
	"fmt"

	"linkops/internal/generation"
)

// planStep is one completion in a run: a progress line, the prompt to send,
// and the parser that turns the model reply into a work unit.
type planStep struct {
	name     string
	progress string
	prompt   func(req generation.Request) string
	parse    func(raw string) (generation.Unit, error)
}

type plan struct {
	system string
	steps  []planStep
}

// formattingChecks are the fixed checks run over a drafted article, in
// report order.
var formattingChecks = []string{"headers", "links", "spacing", "tone", "metadata"}

func planFor(req generation.Request) (*plan, error) {
	switch req.Kind {
	case generation.KindOutline:
		return outlinePlan(), nil
	case generation.KindBrandBrief:
		return brandBriefPlan(), nil
	case generation.KindFormattingQA:
		return formattingPlan(), nil
	case generation.KindSemanticAudit:
		return auditPlan(req), nil
	default:
		return nil, fmt.Errorf("no plan for subject kind %q", req.Kind)
	}
}

func outlinePlan() *plan {
	return &plan{
		system: "You are a senior content strategist at a link-building agency. " +
			"Produce deeply researched article outlines in markdown.",
		steps: []planStep{{
			name:     "outline",
			progress: "Researching and drafting outline",
			prompt: func(req generation.Request) string {
				return fmt.Sprintf("Draft a complete article outline.\n\nBrief:\n%s",
					seedString(req.Seed, "brief"))
			},
			parse: func(raw string) (generation.Unit, error) {
				return generation.Unit{Final: &generation.FinalPayload{Content: raw}}, nil
			},
		}},
	}
}

func brandBriefPlan() *plan {
	// Phase-scoped keys reuse the same plan shape; the seed distinguishes
	// research from brief composition.
	return &plan{
		system: "You are a brand strategist. Write concise, factual brand documents in markdown.",
		steps: []planStep{{
			name:     "brief",
			progress: "Composing brand document",
			prompt: func(req generation.Request) string {
				return fmt.Sprintf(
					"Compose the requested brand document.\n\nResearch:\n%s\n\nClient input:\n%s\n\nRequest:\n%s",
					seedString(req.Seed, "research"),
					seedString(req.Seed, "input"),
					seedString(req.Seed, "brief"))
			},
			parse: func(raw string) (generation.Unit, error) {
				return generation.Unit{Final: &generation.FinalPayload{Content: raw}}, nil
			},
		}},
	}
}

func formattingPlan() *plan {
	steps := make([]planStep, 0, len(formattingChecks))
	for ordinal, check := range formattingChecks {
		ordinal, check := ordinal, check
		steps = append(steps, planStep{
			name:     "check." + check,
			progress: fmt.Sprintf("Checking %s", check),
			prompt: func(req generation.Request) string {
				return fmt.Sprintf(
					"Run the %q formatting check over this article. Reply with JSON "+
						`{"status":"passed|failed|warning","issues":[],"confidence":0.0,"fix_text":""}.`+
						"\n\nArticle:\n%s",
					check, seedString(req.Seed, "content"))
			},
			parse: func(raw string) (generation.Unit, error) {
				return parseCheck(raw, ordinal, check)
			},
		})
	}
	return &plan{
		system: "You are a meticulous content QA reviewer. Always answer with a single JSON object.",
		steps:  steps,
	}
}

func auditPlan(req generation.Request) *plan {
	sections := seedSections(req.Seed)
	steps := make([]planStep, 0, len(sections))
	for ordinal, section := range sections {
		ordinal, section := ordinal, section
		steps = append(steps, planStep{
			name:     fmt.Sprintf("section.%d", ordinal),
			progress: fmt.Sprintf("Auditing section %d of %d", ordinal+1, len(sections)),
			prompt: func(req generation.Request) string {
				return fmt.Sprintf(
					"Audit this article section for semantic quality. Reply with JSON "+
						`{"strengths":[],"weaknesses":[],"optimized_content":"","citations":[{"type":"url|text","value":"","description":""}]}.`+
						" Cite sparingly; the audit as a whole may carry at most three citations."+
						"\n\nSection:\n%s",
					section)
			},
			parse: func(raw string) (generation.Unit, error) {
				return parseSection(raw, ordinal)
			},
		})
	}
	return &plan{
		system: "You are a semantic SEO auditor. Always answer with a single JSON object.",
		steps:  steps,
	}
}

func seedString(seed map[string]any, key string) string {
	if seed == nil {
		return ""
	}
	switch value := seed[key].(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

// seedSections splits the audit input into sections. The dashboard sends
// them pre-split; a bare content string becomes a single section.
func seedSections(seed map[string]any) []string {
	if raw, ok := seed["sections"].([]any); ok && len(raw) > 0 {
		sections := make([]string, 0, len(raw))
		for _, entry := range raw {
			if text, ok := entry.(string); ok {
				sections = append(sections, text)
			}
		}
		if len(sections) > 0 {
			return sections
		}
	}
	if content := seedString(seed, "content"); content != "" {
		return []string{content}
	}
	return nil
}
