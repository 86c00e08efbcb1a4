package toolbridge

import (
	"context"
	"fmt"

	"github.com/tracklet/tracklet/internal/llm"
)

// MaxIterationsResult is the final text of a loop that hit its iteration cap
// while the model was still asking for tools.
const MaxIterationsResult = "max iterations reached"

// LoopResult is the outcome of one bounded model conversation.
type LoopResult struct {
	Text         string
	Iterations   int
	TokensUsed   int
	Cost         float64
	Calls        []CallRecord
	LimitReached bool
}

// RunLoop drives a model conversation with the project's bridged tools.
// Each round is one completion; tool calls are executed strictly in order and
// their results fed back as the next user turn. The loop ends when the model
// answers without tool calls or the iteration cap is hit.
func (b *Bridge) RunLoop(ctx context.Context, provider llm.Provider, estimator *llm.Estimator, req llm.CompletionRequest, projectID string, maxIterations int) (*LoopResult, error) {
	if maxIterations <= 0 {
		maxIterations = 1
	}

	tools, err := b.ToolDefs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	req.Tools = tools

	result := &LoopResult{}
	for {
		completion, err := provider.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Iterations++

		inTokens := estimator.EstimateTokens(req.InputChars())
		outTokens := estimator.EstimateTokens(len(completion.Text))
		result.TokensUsed += inTokens + outTokens
		result.Cost += estimator.Estimate(inTokens, outTokens)

		if len(completion.ToolCalls) == 0 {
			result.Text = completion.Text
			return result, nil
		}

		if result.Iterations >= maxIterations {
			result.Text = MaxIterationsResult
			result.LimitReached = true
			return result, nil
		}

		if completion.Text != "" {
			req.Messages = append(req.Messages, llm.ChatMessage{
				Role:    llm.RoleAssistant,
				Content: completion.Text,
			})
		}
		for _, call := range completion.ToolCalls {
			record := b.Call(ctx, projectID, call.Name, call.Arguments)
			result.Calls = append(result.Calls, record)

			req.Messages = append(req.Messages,
				llm.ChatMessage{
					Role:    llm.RoleAssistant,
					Content: fmt.Sprintf("Calling tool %s with arguments: %s", call.Name, record.Arguments),
				},
				llm.ChatMessage{
					Role:    llm.RoleUser,
					Content: fmt.Sprintf("Tool %s result: %s", call.Name, record.Result),
				})
		}
	}
}
