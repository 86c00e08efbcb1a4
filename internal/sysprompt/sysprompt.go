// Package sysprompt provides the system prompts used for plan generation and
// plan execution, plus optional file-based overrides.
package sysprompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Planner is the default system prompt for generate_plan and revise_plan.
// It instructs the model to answer with the structured plan schema.
const Planner = `You are a senior engineer planning a unit of work for a project-tracking system.
Read the work item and produce an execution plan.

Respond with a single JSON object, no prose outside it, with this shape:
{
  "objective": "one sentence goal",
  "approach": "short description of the approach",
  "tasks": [
    {
      "id": "t1",
      "title": "...",
      "description": "...",
      "filesToModify": ["..."],
      "filesToCreate": ["..."],
      "dependsOn": ["t0"],
      "verification": "how to verify this task",
      "estimateMinutes": 30
    }
  ],
  "agentPrompt": "a self-contained instruction an agent can execute",
  "risks": ["..."],
  "totalEstimateMinutes": 120
}`

// Executor is the default system prompt for executing an approved plan.
// It instructs the model to report the structured execution result and how to
// raise a blocker.
const Executor = `You are an autonomous engineering agent executing an approved plan.
Work through the instruction you are given. Use the available tools when they help.

When you are done, respond with a single JSON object:
{
  "status": "completed" | "blocked" | "needs_review",
  "filesChanged": ["..."],
  "output": "summary of what you did",
  "verification": "how the result was verified",
  "blockerQuestion": "only when status is blocked: the question a human must answer"
}

If you cannot proceed without human input, set status to "blocked" and put the
question in blockerQuestion. Do not guess on decisions that need a human.`

// Continuation frames a human's blocker answer when a run resumes.
const Continuation = `The human has answered your question. Continue with the task using their answer:

%s`

// FormatContinuation returns the continuation prompt with the human response injected.
func FormatContinuation(humanResponse string) string {
	return fmt.Sprintf(Continuation, humanResponse)
}

// Overrides replaces the built-in prompts from a prompts.yaml file.
type Overrides struct {
	Planner  string `yaml:"planner"`
	Executor string `yaml:"executor"`
}

// Prompts resolves the effective planner/executor prompts.
type Prompts struct {
	Planner  string
	Executor string
}

// Defaults returns the built-in prompts.
func Defaults() Prompts {
	return Prompts{Planner: Planner, Executor: Executor}
}

// Load returns the built-in prompts overridden by the YAML file at path, if
// it exists. A missing file is not an error; a malformed one is.
func Load(path string) (Prompts, error) {
	prompts := Defaults()
	if path == "" {
		return prompts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prompts, nil
		}
		return prompts, fmt.Errorf("failed to read prompt overrides: %w", err)
	}

	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return prompts, fmt.Errorf("failed to parse prompt overrides: %w", err)
	}

	if strings.TrimSpace(ov.Planner) != "" {
		prompts.Planner = ov.Planner
	}
	if strings.TrimSpace(ov.Executor) != "" {
		prompts.Executor = ov.Executor
	}
	return prompts, nil
}
