package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PlanTask is one task inside a generated plan.
type PlanTask struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	FilesToModify   []string `json:"filesToModify,omitempty"`
	FilesToCreate   []string `json:"filesToCreate,omitempty"`
	DependsOn       []string `json:"dependsOn,omitempty"`
	Verification    string   `json:"verification"`
	EstimateMinutes int      `json:"estimateMinutes"`
}

// Plan is the structured plan payload the model produces for generate_plan
// and revise_plan.
type Plan struct {
	Objective            string     `json:"objective"`
	Approach             string     `json:"approach"`
	Tasks                []PlanTask `json:"tasks"`
	AgentPrompt          string     `json:"agentPrompt"`
	Risks                []string   `json:"risks,omitempty"`
	TotalEstimateMinutes int        `json:"totalEstimateMinutes"`
}

// Execution result statuses reported by the model.
const (
	ExecStatusCompleted   = "completed"
	ExecStatusBlocked     = "blocked"
	ExecStatusNeedsReview = "needs_review"
)

// ExecutionResult is the structured outcome payload the model produces when
// executing a plan.
type ExecutionResult struct {
	Status          string   `json:"status"`
	FilesChanged    []string `json:"filesChanged,omitempty"`
	Output          string   `json:"output"`
	Verification    string   `json:"verification,omitempty"`
	BlockerQuestion string   `json:"blockerQuestion,omitempty"`
}

// ParsePlan extracts and decodes a Plan from model output. The output may be
// raw JSON, a fenced ```json block, or prose with an embedded object.
func ParsePlan(text string) (*Plan, error) {
	raw, err := ExtractJSONBlock(text)
	if err != nil {
		return nil, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan payload: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	return &plan, nil
}

// ParseExecutionResult extracts and decodes an ExecutionResult from model
// output. Callers treat a parse failure as an unstructured-but-successful
// result, so the raw text is never discarded here.
func ParseExecutionResult(text string) (*ExecutionResult, error) {
	raw, err := ExtractJSONBlock(text)
	if err != nil {
		return nil, err
	}
	var result ExecutionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to decode execution result: %w", err)
	}
	if result.Status == "" {
		return nil, fmt.Errorf("execution result has no status")
	}
	return &result, nil
}

// ExtractJSONBlock finds the JSON object embedded in model output. It checks,
// in order: the whole trimmed text, a ```json fenced block, and the first
// balanced top-level object.
func ExtractJSONBlock(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("empty model output")
	}

	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	if fenced := extractFenced(trimmed); fenced != "" && json.Valid([]byte(fenced)) {
		return fenced, nil
	}

	if embedded := extractBalancedObject(trimmed); embedded != "" && json.Valid([]byte(embedded)) {
		return embedded, nil
	}

	return "", fmt.Errorf("no JSON object found in model output")
}

// extractFenced returns the contents of the first ```json (or bare ```)
// fenced block.
func extractFenced(text string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "{") {
			return candidate
		}
	}
	return ""
}

// extractBalancedObject returns the first balanced top-level {...} in text,
// respecting string literals and escapes.
func extractBalancedObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
