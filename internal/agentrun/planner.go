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
)

// Planner generates and revises execution plans for planning entities.
type Planner struct {
	repo      repository.Repository
	provider  llm.Provider
	estimator *llm.Estimator
	prompts   sysprompt.Prompts
	eventBus  bus.EventBus
	log       *logger.Logger
}

// NewPlanner creates a planner.
func NewPlanner(
	repo repository.Repository,
	provider llm.Provider,
	estimator *llm.Estimator,
	prompts sysprompt.Prompts,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Planner {
	return &Planner{
		repo:      repo,
		provider:  provider,
		estimator: estimator,
		prompts:   prompts,
		eventBus:  eventBus,
		log:       log.WithFields(zap.String("component", "planner")),
	}
}

// Generate produces a first plan for the entity. On failure the plan status
// rolls back and an error message lands in the thread; the attempt is not
// retried.
func (p *Planner) Generate(ctx context.Context, entityType models.EntityType, entityID string) error {
	entity, err := p.repo.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	title, description := entity.Heading()
	content := fmt.Sprintf("Work item: %s\n\n%s", title, description)
	return p.run(ctx, entity, content)
}

// Revise produces a new plan incorporating the human's feedback on the
// existing one.
func (p *Planner) Revise(ctx context.Context, entityType models.EntityType, entityID, feedback string) error {
	entity, err := p.repo.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	title, description := entity.Heading()
	content := fmt.Sprintf("Work item: %s\n\n%s\n\nExisting plan:\n%s\n\nRevise the plan based on this feedback:\n%s",
		title, description, entity.Planning().AIPlan, feedback)
	return p.run(ctx, entity, content)
}

func (p *Planner) run(ctx context.Context, entity models.Entity, content string) error {
	req := llm.CompletionRequest{
		System:   p.prompts.Planner,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: content}},
	}

	completion, err := p.provider.Complete(ctx, req)
	if err != nil {
		return p.fail(ctx, entity, err, "")
	}

	inTokens := p.estimator.EstimateTokens(req.InputChars())
	outTokens := p.estimator.EstimateTokens(len(completion.Text))
	tokens := inTokens + outTokens
	cost := p.estimator.Estimate(inTokens, outTokens)

	raw, err := llm.ExtractJSONBlock(completion.Text)
	if err != nil {
		return p.fail(ctx, entity, err, completion.Text)
	}
	plan, err := llm.ParsePlan(raw)
	if err != nil {
		return p.fail(ctx, entity, err, completion.Text)
	}

	planning := entity.Planning()
	planning.AIPlan = raw
	planning.AIPrompt = plan.AgentPrompt
	planning.PlanStatus = models.PlanStatusReady
	planning.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpdateEntity(ctx, entity); err != nil {
		return err
	}

	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleAssistant,
		Type:       models.MessageTypePlan,
		Content:    raw,
		Meta: models.MessageMeta{Plan: &models.PlanMeta{
			TaskCount:  len(plan.Tasks),
			TokensUsed: tokens,
			Cost:       cost,
		}},
	}
	if err := p.repo.AppendMessage(ctx, message); err != nil {
		return err
	}

	p.publishStatus(ctx, entity)
	p.log.Info("plan ready",
		zap.String("entity_id", entity.Key()),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("tokens_used", tokens))
	return nil
}

// fail rolls the plan status back to its pre-attempt value: ready when a
// plan already exists (a revision was in flight), none otherwise. When the
// model did answer but the answer was unusable, its raw text stays in the
// thread for diagnosis.
func (p *Planner) fail(ctx context.Context, entity models.Entity, cause error, rawOutput string) error {
	planning := entity.Planning()
	if planning.AIPlan != "" {
		planning.PlanStatus = models.PlanStatusReady
	} else {
		planning.PlanStatus = models.PlanStatusNone
	}
	planning.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpdateEntity(ctx, entity); err != nil {
		return err
	}

	content := fmt.Sprintf("Plan generation failed: %v", cause)
	if rawOutput != "" {
		content += "\n\nModel output:\n" + rawOutput
	}
	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleSystem,
		Type:       models.MessageTypeError,
		Content:    content,
	}
	if err := p.repo.AppendMessage(ctx, message); err != nil {
		return err
	}

	p.publishStatus(ctx, entity)
	p.log.Error("plan generation failed",
		zap.String("entity_id", entity.Key()),
		zap.Error(cause))
	return nil
}

func (p *Planner) publishStatus(ctx context.Context, entity models.Entity) {
	if p.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.PlanStatusChanged, "planner", map[string]interface{}{
		"entity_type": string(entity.Type()),
		"entity_id":   entity.Key(),
		"plan_status": string(entity.Planning().PlanStatus),
	})
	if err := p.eventBus.Publish(ctx, events.BuildEntitySubject(events.PlanStatusChanged, entity.Key()), event); err != nil {
		p.log.Warn("failed to publish plan status event", zap.Error(err))
	}
}
