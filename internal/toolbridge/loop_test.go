package toolbridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklet/tracklet/internal/llm"
)

// scriptedProvider replays a fixed sequence of completions and records every
// request it saw.
type scriptedProvider struct {
	completions []*llm.Completion
	requests    []llm.CompletionRequest
	err         error
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.requests) - 1
	if idx >= len(p.completions) {
		idx = len(p.completions) - 1
	}
	return p.completions[idx], nil
}

func loopBridge(t *testing.T) *Bridge {
	t.Helper()
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"calc": {
			tools: []ToolDescriptor{{Name: "add", Description: "Add numbers"}},
			call: func(name string, args map[string]interface{}) (string, bool, error) {
				return "42", false, nil
			},
		},
	}}
	bridge := newTestBridge(t, dialer)
	_, err := bridge.Register(context.Background(), &ToolConnection{
		ProjectID: "p1", ServerID: "calc", Transport: TransportSSE, URL: "http://c",
	})
	require.NoError(t, err)
	return bridge
}

func TestRunLoopDirectAnswer(t *testing.T) {
	bridge := loopBridge(t)
	provider := &scriptedProvider{completions: []*llm.Completion{{Text: "the answer"}}}
	estimator := llm.NewEstimator(3.0, 15.0)

	result, err := bridge.RunLoop(context.Background(), provider, estimator,
		llm.CompletionRequest{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hello"}}},
		"p1", 5)
	require.NoError(t, err)

	assert.Equal(t, "the answer", result.Text)
	assert.Equal(t, 1, result.Iterations)
	assert.False(t, result.LimitReached)
	assert.Empty(t, result.Calls)
	assert.Greater(t, result.TokensUsed, 0)

	// The project's bridged tools were offered to the model.
	require.Len(t, provider.requests, 1)
	require.Len(t, provider.requests[0].Tools, 1)
	assert.Equal(t, "calc__add", provider.requests[0].Tools[0].Name)
}

func TestRunLoopExecutesToolsInOrder(t *testing.T) {
	bridge := loopBridge(t)
	provider := &scriptedProvider{completions: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "calc__add", Arguments: map[string]interface{}{"a": 1.0, "b": 2.0}}}},
		{Text: "sum is 42"},
	}}
	estimator := llm.NewEstimator(3.0, 15.0)

	result, err := bridge.RunLoop(context.Background(), provider, estimator,
		llm.CompletionRequest{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "add 1 and 2"}}},
		"p1", 5)
	require.NoError(t, err)

	assert.Equal(t, "sum is 42", result.Text)
	assert.Equal(t, 2, result.Iterations)
	require.Len(t, result.Calls, 1)
	assert.Equal(t, "calc__add", result.Calls[0].Tool)
	assert.Equal(t, "42", result.Calls[0].Result)
	assert.False(t, result.Calls[0].IsError)

	// The tool exchange was fed back into the conversation.
	second := provider.requests[1]
	require.GreaterOrEqual(t, len(second.Messages), 3)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "Tool calc__add result: 42")
}

func TestRunLoopToolErrorKeepsGoing(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"srv": {
			tools: []ToolDescriptor{{Name: "flaky"}},
			call: func(string, map[string]interface{}) (string, bool, error) {
				return "", false, fmt.Errorf("boom")
			},
		},
	}}
	bridge := newTestBridge(t, dialer)
	_, err := bridge.Register(context.Background(), &ToolConnection{
		ProjectID: "p1", ServerID: "srv", Transport: TransportSSE, URL: "http://s",
	})
	require.NoError(t, err)

	provider := &scriptedProvider{completions: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "srv__flaky"}}},
		{Text: "recovered"},
	}}

	result, err := bridge.RunLoop(context.Background(), provider, llm.NewEstimator(3, 15),
		llm.CompletionRequest{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "go"}}},
		"p1", 5)
	require.NoError(t, err, "tool failures must not fail the loop")

	assert.Equal(t, "recovered", result.Text)
	require.Len(t, result.Calls, 1)
	assert.True(t, result.Calls[0].IsError)
	assert.Contains(t, result.Calls[0].Result, "tool error:")
}

func TestRunLoopIterationCap(t *testing.T) {
	bridge := loopBridge(t)
	// The model never stops asking for tools.
	provider := &scriptedProvider{completions: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "calc__add"}}},
	}}

	result, err := bridge.RunLoop(context.Background(), provider, llm.NewEstimator(3, 15),
		llm.CompletionRequest{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "loop forever"}}},
		"p1", 3)
	require.NoError(t, err)

	assert.True(t, result.LimitReached)
	assert.Equal(t, MaxIterationsResult, result.Text)
	assert.Equal(t, 3, result.Iterations)
	// The capped round does not execute its tool calls.
	assert.Len(t, result.Calls, 2)
}

func TestRunLoopProviderError(t *testing.T) {
	bridge := loopBridge(t)
	provider := &scriptedProvider{err: fmt.Errorf("model unavailable")}

	_, err := bridge.RunLoop(context.Background(), provider, llm.NewEstimator(3, 15),
		llm.CompletionRequest{}, "p1", 3)
	assert.ErrorContains(t, err, "model unavailable")
}
