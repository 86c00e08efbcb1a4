// Package agentrun owns the model-facing work: executing approved plans as
// agent runs and generating plans for planning entities. It is driven by the
// background runner, never directly by HTTP handlers.
package agentrun

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/events"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/llm"
	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
	"github.com/tracklet/tracklet/internal/sysprompt"
	"github.com/tracklet/tracklet/internal/toolbridge"
)

// Controller drives agent runs through their lifecycle.
type Controller struct {
	repo          repository.Repository
	bridge        *toolbridge.Bridge
	provider      llm.Provider
	estimator     *llm.Estimator
	prompts       sysprompt.Prompts
	eventBus      bus.EventBus
	maxIterations int
	log           *logger.Logger
}

// NewController creates an agent run controller.
func NewController(
	repo repository.Repository,
	bridge *toolbridge.Bridge,
	provider llm.Provider,
	estimator *llm.Estimator,
	prompts sysprompt.Prompts,
	eventBus bus.EventBus,
	maxIterations int,
	log *logger.Logger,
) *Controller {
	return &Controller{
		repo:          repo,
		bridge:        bridge,
		provider:      provider,
		estimator:     estimator,
		prompts:       prompts,
		eventBus:      eventBus,
		maxIterations: maxIterations,
		log:           log.WithFields(zap.String("component", "agentrun")),
	}
}

// Execute runs a queued agent run to its next resting state. Model failures
// are recorded on the run (failed status plus an error message in the
// thread); only storage failures propagate as errors.
func (c *Controller) Execute(ctx context.Context, runID string) error {
	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusQueued {
		return fmt.Errorf("run %s is %s, expected queued", run.ID, run.Status)
	}

	entity, err := c.repo.GetEntity(ctx, run.EntityType, run.EntityID)
	if err != nil {
		return err
	}

	if run.Prompt == "" {
		planning := entity.Planning()
		run.Prompt = planning.AIPrompt
		if run.Prompt == "" {
			run.Prompt = planning.AIPlan
		}
	}
	if run.SystemPrompt == "" {
		run.SystemPrompt = c.prompts.Executor
	}

	if err := c.transition(ctx, run, models.RunStatusRunning); err != nil {
		return err
	}

	req := llm.CompletionRequest{
		System:   run.SystemPrompt,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: run.Prompt}},
	}
	return c.invoke(ctx, entity, run, req)
}

// Respond resumes a waiting run with the human's answer to its blocker. The
// continuation accumulates tokens, cost, and iterations onto the same run.
func (c *Controller) Respond(ctx context.Context, runID, humanResponse string) error {
	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusWaitingReview {
		return fmt.Errorf("run %s is %s, expected waiting_review", run.ID, run.Status)
	}

	entity, err := c.repo.GetEntity(ctx, run.EntityType, run.EntityID)
	if err != nil {
		return err
	}

	run.HumanResponse = humanResponse
	if err := c.transition(ctx, run, models.RunStatusRunning); err != nil {
		return err
	}

	// The model gets the full prior exchange back: original prompt, partial
	// work it reported before blocking, its question, then the human's answer
	// as a continuation.
	messages := []llm.ChatMessage{{Role: llm.RoleUser, Content: run.Prompt}}
	if run.Output != "" {
		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: run.Output})
	}
	if run.BlockerMessage != "" && run.BlockerMessage != run.Output {
		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: run.BlockerMessage})
	}
	messages = append(messages, llm.ChatMessage{
		Role:    llm.RoleUser,
		Content: sysprompt.FormatContinuation(humanResponse),
	})

	req := llm.CompletionRequest{System: run.SystemPrompt, Messages: messages}
	return c.invoke(ctx, entity, run, req)
}

// Approve acknowledges a finished run: resolves the entity's pending review
// items, appends an approval message, and stamps acknowledgedAt.
func (c *Controller) Approve(ctx context.Context, runID string) (*models.AgentRun, error) {
	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	resolved, err := c.repo.ResolvePendingReviewItems(ctx, run.EntityType, run.EntityID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run.AcknowledgedAt = &now
	if err := c.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	message := &models.Message{
		EntityType: run.EntityType,
		EntityID:   run.EntityID,
		Role:       models.MessageRoleUser,
		Type:       models.MessageTypeApproval,
		Content:    "Run output approved",
		Meta:       models.MessageMeta{Output: &models.OutputMeta{RunID: run.ID}},
	}
	if err := c.appendMessage(ctx, message); err != nil {
		return nil, err
	}

	c.log.Info("run approved",
		zap.String("run_id", run.ID),
		zap.Int("review_items_resolved", resolved))
	return run, nil
}

// Cancel flips a non-terminal run to cancelled. It does not interrupt work
// already in flight; a late result write from that work wins. On a terminal
// run it only stamps acknowledgedAt (a reject).
func (c *Controller) Cancel(ctx context.Context, runID string) (*models.AgentRun, error) {
	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if run.Status.IsTerminal() {
		run.AcknowledgedAt = &now
		if err := c.repo.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
		return run, nil
	}

	run.Status = models.RunStatusCancelled
	run.CompletedAt = &now
	if err := c.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	c.publishRunStatus(ctx, run)
	return run, nil
}

// invoke drives the tool loop and lands the run in its next resting state.
func (c *Controller) invoke(ctx context.Context, entity models.Entity, run *models.AgentRun, req llm.CompletionRequest) error {
	result, err := c.bridge.RunLoop(ctx, c.provider, c.estimator, req, entity.Project(), c.maxIterations)
	if err != nil {
		return c.fail(ctx, run, err)
	}

	run.AddUsage(result.TokensUsed, result.Cost)
	run.Iterations += result.Iterations

	parsed, parseErr := llm.ParseExecutionResult(result.Text)
	if parseErr == nil && parsed.Status == llm.ExecStatusBlocked && parsed.BlockerQuestion != "" {
		return c.block(ctx, run, parsed.BlockerQuestion, parsed.Output)
	}

	output := result.Text
	if parseErr == nil && parsed.Output != "" {
		output = parsed.Output
	}
	return c.complete(ctx, entity, run, output)
}

// block parks the run in waiting_review with the model's question routed to
// the human as both a review item and a blocker message. Partial work the
// model reported alongside the question is kept on the run so the
// continuation can replay it.
func (c *Controller) block(ctx context.Context, run *models.AgentRun, question, partialOutput string) error {
	run.Status = models.RunStatusWaitingReview
	run.BlockerType = models.BlockerTypeQuestion
	run.BlockerMessage = question
	if partialOutput != "" {
		run.Output = partialOutput
	}
	if err := c.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	c.publishRunStatus(ctx, run)

	item := &models.ReviewItem{
		EntityType: run.EntityType,
		EntityID:   run.EntityID,
		Type:       models.BlockerTypeQuestion,
		Content:    question,
		Status:     models.ReviewStatusPending,
	}
	if err := c.repo.CreateReviewItem(ctx, item); err != nil {
		return err
	}

	message := &models.Message{
		EntityType: run.EntityType,
		EntityID:   run.EntityID,
		Role:       models.MessageRoleAssistant,
		Type:       models.MessageTypeBlocker,
		Content:    question,
		Meta: models.MessageMeta{Blocker: &models.BlockerMeta{
			RunID:       run.ID,
			BlockerType: models.BlockerTypeQuestion,
		}},
	}
	if err := c.appendMessage(ctx, message); err != nil {
		return err
	}

	c.log.Info("run blocked on human input", zap.String("run_id", run.ID))
	return nil
}

// complete lands the run in completed and surfaces the output in the thread.
// Issues advance to review so a human looks at the result.
func (c *Controller) complete(ctx context.Context, entity models.Entity, run *models.AgentRun, output string) error {
	now := time.Now().UTC()
	run.Status = models.RunStatusCompleted
	run.Output = output
	run.CompletedAt = &now
	if err := c.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	c.publishRunStatus(ctx, run)

	message := &models.Message{
		EntityType: run.EntityType,
		EntityID:   run.EntityID,
		Role:       models.MessageRoleAssistant,
		Type:       models.MessageTypeAgentOutput,
		Content:    output,
		Meta: models.MessageMeta{Output: &models.OutputMeta{
			RunID:      run.ID,
			TokensUsed: run.TokensUsed,
			Cost:       run.Cost,
			Iterations: run.Iterations,
		}},
	}
	if err := c.appendMessage(ctx, message); err != nil {
		return err
	}

	if issue, ok := entity.(*models.Issue); ok && issue.Status == models.IssueStatusInProgress {
		issue.Status = models.IssueStatusReview
		if err := c.repo.UpdateIssue(ctx, issue); err != nil {
			return err
		}
	}

	c.log.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Int("tokens_used", run.TokensUsed),
		zap.Float64("cost", run.Cost),
		zap.Int("iterations", run.Iterations))
	return nil
}

// fail records a model failure on the run and in the thread.
func (c *Controller) fail(ctx context.Context, run *models.AgentRun, cause error) error {
	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.Output = cause.Error()
	run.CompletedAt = &now
	if err := c.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	c.publishRunStatus(ctx, run)

	message := &models.Message{
		EntityType: run.EntityType,
		EntityID:   run.EntityID,
		Role:       models.MessageRoleSystem,
		Type:       models.MessageTypeError,
		Content:    fmt.Sprintf("Agent run failed: %v", cause),
		Meta:       models.MessageMeta{Output: &models.OutputMeta{RunID: run.ID}},
	}
	if err := c.appendMessage(ctx, message); err != nil {
		return err
	}

	c.log.Error("run failed", zap.String("run_id", run.ID), zap.Error(cause))
	return nil
}

func (c *Controller) transition(ctx context.Context, run *models.AgentRun, status models.RunStatus) error {
	run.Status = status
	if err := c.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	c.publishRunStatus(ctx, run)
	return nil
}

func (c *Controller) appendMessage(ctx context.Context, message *models.Message) error {
	if err := c.repo.AppendMessage(ctx, message); err != nil {
		return err
	}
	c.publish(ctx, events.MessageAdded, message.EntityID, map[string]interface{}{
		"message_id": message.ID,
		"type":       string(message.Type),
	})
	return nil
}

func (c *Controller) publishRunStatus(ctx context.Context, run *models.AgentRun) {
	c.publish(ctx, events.RunStatusChanged, run.EntityID, map[string]interface{}{
		"run_id": run.ID,
		"status": string(run.Status),
	})
}

func (c *Controller) publish(ctx context.Context, eventType, entityID string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "agentrun", data)
	if err := c.eventBus.Publish(ctx, events.BuildEntitySubject(eventType, entityID), event); err != nil {
		c.log.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
