package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"linkops/internal/generation"
)

type checkReply struct {
	Status     string   `json:"status"`
	Issues     []string `json:"issues"`
	Confidence float64  `json:"confidence"`
	FixText    string   `json:"fix_text"`
}

type sectionReply struct {
	Strengths        []string        `json:"strengths"`
	Weaknesses       []string        `json:"weaknesses"`
	OptimizedContent string          `json:"optimized_content"`
	Citations        []citationReply `json:"citations"`
}

type citationReply struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// decodeReply unmarshals a model reply, stripping markdown fences and
// repairing malformed JSON before giving up. Models wrap JSON in prose often
// enough that the repair pass earns its keep.
func decodeReply(raw string, out any) error {
	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}

	fixed, repairErr := jsonrepair.JSONRepair(cleaned)
	if repairErr != nil {
		return fmt.Errorf("unparseable model reply: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(fixed), out); err != nil {
		return fmt.Errorf("unparseable model reply after repair: %w", err)
	}
	return nil
}

func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func parseCheck(raw string, ordinal int, check string) (generation.Unit, error) {
	var reply checkReply
	if err := decodeReply(raw, &reply); err != nil {
		return generation.Unit{}, err
	}

	status := generation.SubResultStatus(strings.ToLower(strings.TrimSpace(reply.Status)))
	switch status {
	case generation.SubResultPassed, generation.SubResultFailed, generation.SubResultWarning:
	default:
		return generation.Unit{}, fmt.Errorf("check reply has unknown status %q", reply.Status)
	}

	return generation.Unit{SubResult: &generation.SubResult{
		Ordinal: ordinal,
		Kind:    check,
		Status:  status,
		Detail: generation.SubResultDetail{
			Issues:     reply.Issues,
			Confidence: reply.Confidence,
			FixText:    reply.FixText,
		},
	}}, nil
}

func parseSection(raw string, ordinal int) (generation.Unit, error) {
	var reply sectionReply
	if err := decodeReply(raw, &reply); err != nil {
		return generation.Unit{}, err
	}
	if strings.TrimSpace(reply.OptimizedContent) == "" {
		return generation.Unit{}, fmt.Errorf("section reply missing optimized content")
	}

	citations := make([]generation.Citation, 0, len(reply.Citations))
	for _, cite := range reply.Citations {
		citationType := generation.CitationType(strings.ToLower(cite.Type))
		if citationType != generation.CitationURL && citationType != generation.CitationText {
			citationType = generation.CitationText
		}
		citations = append(citations, generation.Citation{
			Type:        citationType,
			Value:       cite.Value,
			Description: cite.Description,
		})
	}

	return generation.Unit{SubResult: &generation.SubResult{
		Ordinal: ordinal,
		Kind:    "section",
		Status:  generation.SubResultCompleted,
		Detail: generation.SubResultDetail{
			Strengths:        reply.Strengths,
			Weaknesses:       reply.Weaknesses,
			OptimizedContent: reply.OptimizedContent,
			Citations:        citations,
		},
	}}, nil
}
