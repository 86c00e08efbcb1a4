// Package service implements the planning thread: every interaction with an
// issue or initiative — comments, plan generation, approval, execution,
// blocker responses — goes through Submit and lands in one ordered message
// log per entity.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/dispatch"
	"github.com/tracklet/tracklet/internal/events"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/llm"
	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
)

// Sentinel errors mapped to HTTP statuses by the handlers.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
)

// Planning thread actions.
const (
	ActionComment      = "comment"
	ActionGeneratePlan = "generate_plan"
	ActionRevisePlan   = "revise_plan"
	ActionApprovePlan  = "approve_plan"
	ActionExecute      = "execute"
	ActionRespond      = "respond"
	ActionCreateIssues = "create_issues"
)

// SubmitRequest is one planning action against an entity's thread.
type SubmitRequest struct {
	Action  string `json:"action" binding:"required"`
	Message string `json:"message,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// SubmitResult reports what the action appended and the plan status after it.
type SubmitResult struct {
	Messages   []*models.Message `json:"messages"`
	PlanStatus models.PlanStatus `json:"plan_status"`
}

// Thread is the full read view of an entity's planning state.
type Thread struct {
	Messages     []*models.Message `json:"messages"`
	PlanStatus   models.PlanStatus `json:"plan_status"`
	EntityStatus string            `json:"entity_status"`
}

// Service is the planning thread manager.
type Service struct {
	repo       repository.Repository
	dispatcher *dispatch.Dispatcher
	reconciler *Reconciler
	eventBus   bus.EventBus
	log        *logger.Logger
}

// NewService creates the planning service.
func NewService(
	repo repository.Repository,
	dispatcher *dispatch.Dispatcher,
	reconciler *Reconciler,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		reconciler: reconciler,
		eventBus:   eventBus,
		log:        log.WithFields(zap.String("component", "planning")),
	}
}

// Read returns the entity's ordered thread and current statuses. Stale
// generating state is reconciled before the thread is assembled, so the
// caller always sees a corrected view.
func (s *Service) Read(ctx context.Context, entityType models.EntityType, entityID string) (*Thread, error) {
	entity, err := s.repo.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	if _, err := s.reconciler.Reconcile(ctx, entity); err != nil {
		return nil, err
	}

	messages, err := s.repo.ListMessages(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	return &Thread{
		Messages:     messages,
		PlanStatus:   entity.Planning().PlanStatus,
		EntityStatus: entity.StatusLabel(),
	}, nil
}

// Submit applies one planning action to the entity's thread.
func (s *Service) Submit(ctx context.Context, entityType models.EntityType, entityID string, req SubmitRequest) (*SubmitResult, error) {
	entity, err := s.repo.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case ActionComment:
		return s.comment(ctx, entity, req.Message)
	case ActionGeneratePlan:
		return s.generatePlan(ctx, entity)
	case ActionRevisePlan:
		return s.revisePlan(ctx, entity, req.Message)
	case ActionApprovePlan:
		return s.approvePlan(ctx, entity)
	case ActionExecute:
		return s.execute(ctx, entity)
	case ActionRespond:
		return s.respond(ctx, entity, req.RunID, req.Message)
	case ActionCreateIssues:
		return s.createIssues(ctx, entity)
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, req.Action)
}

func (s *Service) comment(ctx context.Context, entity models.Entity, text string) (*SubmitResult, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: comment message is required", ErrValidation)
	}

	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleUser,
		Type:       models.MessageTypeText,
		Content:    text,
	}
	if err := s.appendMessage(ctx, message); err != nil {
		return nil, err
	}
	return s.result(entity, message), nil
}

func (s *Service) generatePlan(ctx context.Context, entity models.Entity) (*SubmitResult, error) {
	planning := entity.Planning()
	switch planning.PlanStatus {
	case models.PlanStatusGenerating:
		return nil, fmt.Errorf("%w: a plan is already being generated", ErrConflict)
	case models.PlanStatusReady, models.PlanStatusApproved:
		return nil, fmt.Errorf("%w: a plan already exists, use revise_plan", ErrValidation)
	}

	if err := s.moveToGenerating(ctx, entity); err != nil {
		return nil, err
	}

	message, err := s.statusChangeMessage(ctx, entity, "Plan generation started")
	if err != nil {
		return nil, err
	}

	title, description := entity.Heading()
	s.dispatcher.Dispatch(ctx, dispatch.Job{
		EntityType:  entity.Type(),
		EntityID:    entity.Key(),
		Action:      dispatch.ActionGeneratePlan,
		Title:       title,
		Description: description,
	})
	return s.result(entity, message), nil
}

func (s *Service) revisePlan(ctx context.Context, entity models.Entity, feedback string) (*SubmitResult, error) {
	if feedback == "" {
		return nil, fmt.Errorf("%w: revision feedback is required", ErrValidation)
	}

	planning := entity.Planning()
	switch planning.PlanStatus {
	case models.PlanStatusGenerating:
		return nil, fmt.Errorf("%w: a plan is already being generated", ErrConflict)
	case models.PlanStatusNone:
		return nil, fmt.Errorf("%w: no plan to revise, use generate_plan", ErrValidation)
	}

	// The feedback goes into the thread before the dispatch so the log shows
	// what prompted the revision even if the background job is lost.
	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleUser,
		Type:       models.MessageTypeText,
		Content:    feedback,
	}
	if err := s.appendMessage(ctx, message); err != nil {
		return nil, err
	}

	existingPlan := planning.AIPlan
	if err := s.moveToGenerating(ctx, entity); err != nil {
		return nil, err
	}

	title, description := entity.Heading()
	s.dispatcher.Dispatch(ctx, dispatch.Job{
		EntityType:   entity.Type(),
		EntityID:     entity.Key(),
		Action:       dispatch.ActionRevisePlan,
		Title:        title,
		Description:  description,
		Feedback:     feedback,
		ExistingPlan: existingPlan,
	})
	return s.result(entity, message), nil
}

func (s *Service) approvePlan(ctx context.Context, entity models.Entity) (*SubmitResult, error) {
	planning := entity.Planning()
	if planning.PlanStatus != models.PlanStatusReady {
		return nil, fmt.Errorf("%w: only a ready plan can be approved, status is %s", ErrValidation, planning.PlanStatus)
	}

	planning.PlanStatus = models.PlanStatusApproved
	switch e := entity.(type) {
	case *models.Issue:
		e.Status = models.IssueStatusReady
	case *models.Initiative:
		e.Status = models.InitiativeStatusActive
	}
	if err := s.updateEntity(ctx, entity); err != nil {
		return nil, err
	}

	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleUser,
		Type:       models.MessageTypeApproval,
		Content:    "Plan approved",
	}
	if err := s.appendMessage(ctx, message); err != nil {
		return nil, err
	}
	return s.result(entity, message), nil
}

func (s *Service) execute(ctx context.Context, entity models.Entity) (*SubmitResult, error) {
	issue, ok := entity.(*models.Issue)
	if !ok {
		return nil, fmt.Errorf("%w: only issues can be executed", ErrValidation)
	}
	if issue.PlanStatus != models.PlanStatusApproved {
		return nil, fmt.Errorf("%w: plan must be approved before execution", ErrValidation)
	}

	if err := s.requireNoActiveRun(ctx, entity); err != nil {
		return nil, err
	}

	prompt := issue.AIPrompt
	if prompt == "" {
		prompt = issue.AIPlan
	}
	run := &models.AgentRun{
		EntityType: issue.Type(),
		EntityID:   issue.ID,
		Prompt:     prompt,
		Status:     models.RunStatusQueued,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.publish(ctx, events.RunQueued, issue.ID, map[string]interface{}{"run_id": run.ID})

	issue.Status = models.IssueStatusInProgress
	if err := s.updateEntity(ctx, issue); err != nil {
		return nil, err
	}

	message, err := s.statusChangeMessage(ctx, entity, "Agent execution started")
	if err != nil {
		return nil, err
	}

	s.dispatcher.Dispatch(ctx, dispatch.Job{
		EntityType: issue.Type(),
		EntityID:   issue.ID,
		Action:     dispatch.ActionExecute,
		Prompt:     prompt,
		AgentRunID: run.ID,
	})
	return s.result(entity, message), nil
}

func (s *Service) respond(ctx context.Context, entity models.Entity, runID, response string) (*SubmitResult, error) {
	if response == "" {
		return nil, fmt.Errorf("%w: response message is required", ErrValidation)
	}

	var run *models.AgentRun
	var err error
	if runID != "" {
		run, err = s.repo.GetRun(ctx, runID)
	} else {
		run, err = s.repo.LatestWaitingRun(ctx, entity.Type(), entity.Key())
	}
	if err != nil {
		return nil, err
	}
	if run.EntityType != entity.Type() || run.EntityID != entity.Key() {
		return nil, fmt.Errorf("%w: run %s does not belong to this %s", ErrValidation, run.ID, entity.Type())
	}
	if run.Status != models.RunStatusWaitingReview {
		return nil, fmt.Errorf("%w: run %s is not waiting for review", ErrConflict, run.ID)
	}

	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleUser,
		Type:       models.MessageTypeText,
		Content:    response,
	}
	if err := s.appendMessage(ctx, message); err != nil {
		return nil, err
	}

	s.dispatcher.Dispatch(ctx, dispatch.Job{
		EntityType:     entity.Type(),
		EntityID:       entity.Key(),
		Action:         dispatch.ActionRespond,
		AgentRunID:     run.ID,
		HumanResponse:  response,
		PreviousOutput: run.Output,
		PreviousPrompt: run.Prompt,
	})
	return s.result(entity, message), nil
}

func (s *Service) createIssues(ctx context.Context, entity models.Entity) (*SubmitResult, error) {
	initiative, ok := entity.(*models.Initiative)
	if !ok {
		return nil, fmt.Errorf("%w: create_issues applies to initiatives only", ErrValidation)
	}
	if initiative.PlanStatus != models.PlanStatusApproved {
		return nil, fmt.Errorf("%w: plan must be approved before creating issues", ErrValidation)
	}

	plan, err := llm.ParsePlan(initiative.AIPlan)
	if err != nil {
		return nil, fmt.Errorf("%w: approved plan is not parseable: %v", ErrValidation, err)
	}

	for _, task := range plan.Tasks {
		issue := &models.Issue{
			ProjectID:   initiative.ProjectID,
			Title:       task.Title,
			Description: task.Description,
			Status:      models.IssueStatusTriage,
			Metadata: map[string]interface{}{
				models.ProvenanceSourceTaskID: task.ID,
				models.ProvenanceInitiativeID: initiative.ID,
			},
		}
		if err := s.repo.CreateIssue(ctx, issue); err != nil {
			return nil, err
		}
		s.publish(ctx, events.IssueCreated, issue.ID, map[string]interface{}{
			"issue_id":      issue.ID,
			"initiative_id": initiative.ID,
		})
	}

	message, err := s.statusChangeMessage(ctx, entity,
		fmt.Sprintf("Created %d issues from the approved plan", len(plan.Tasks)))
	if err != nil {
		return nil, err
	}
	return s.result(entity, message), nil
}

// CreateIssue stores a new issue so it can own a planning thread.
func (s *Service) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if err := s.repo.CreateIssue(ctx, issue); err != nil {
		return err
	}
	s.publish(ctx, events.IssueCreated, issue.ID, map[string]interface{}{"issue_id": issue.ID})
	return nil
}

// GetIssue retrieves an issue.
func (s *Service) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	return s.repo.GetIssue(ctx, id)
}

// ListIssues returns a project's issues ordered by creation time.
func (s *Service) ListIssues(ctx context.Context, projectID string) ([]*models.Issue, error) {
	return s.repo.ListIssuesByProject(ctx, projectID)
}

// CreateInitiative stores a new initiative.
func (s *Service) CreateInitiative(ctx context.Context, initiative *models.Initiative) error {
	if initiative.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if err := s.repo.CreateInitiative(ctx, initiative); err != nil {
		return err
	}
	s.publish(ctx, events.InitiativeCreated, initiative.ID, map[string]interface{}{"initiative_id": initiative.ID})
	return nil
}

// GetInitiative retrieves an initiative.
func (s *Service) GetInitiative(ctx context.Context, id string) (*models.Initiative, error) {
	return s.repo.GetInitiative(ctx, id)
}

// ListRuns returns the entity's runs, most recent first.
func (s *Service) ListRuns(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.AgentRun, error) {
	return s.repo.ListRunsByEntity(ctx, entityType, entityID)
}

// moveToGenerating flips the plan status to generating and nudges the
// domain lifecycle into planning where it applies.
func (s *Service) moveToGenerating(ctx context.Context, entity models.Entity) error {
	entity.Planning().PlanStatus = models.PlanStatusGenerating
	switch e := entity.(type) {
	case *models.Issue:
		if e.Status == models.IssueStatusTriage {
			e.Status = models.IssueStatusPlanning
		}
	case *models.Initiative:
		if e.Status == models.InitiativeStatusDraft {
			e.Status = models.InitiativeStatusPlanning
		}
	}
	return s.updateEntity(ctx, entity)
}

// requireNoActiveRun guards against overlapping executions of one entity.
func (s *Service) requireNoActiveRun(ctx context.Context, entity models.Entity) error {
	runs, err := s.repo.ListRunsByEntity(ctx, entity.Type(), entity.Key())
	if err != nil {
		return err
	}
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			return fmt.Errorf("%w: run %s is still %s", ErrConflict, run.ID, run.Status)
		}
	}
	return nil
}

func (s *Service) statusChangeMessage(ctx context.Context, entity models.Entity, content string) (*models.Message, error) {
	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleSystem,
		Type:       models.MessageTypeStatusChange,
		Content:    content,
	}
	if err := s.appendMessage(ctx, message); err != nil {
		return nil, err
	}
	return message, nil
}

func (s *Service) updateEntity(ctx context.Context, entity models.Entity) error {
	entity.Planning().UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateEntity(ctx, entity); err != nil {
		return err
	}
	s.publish(ctx, events.PlanStatusChanged, entity.Key(), map[string]interface{}{
		"entity_type": string(entity.Type()),
		"entity_id":   entity.Key(),
		"plan_status": string(entity.Planning().PlanStatus),
	})
	return nil
}

func (s *Service) appendMessage(ctx context.Context, message *models.Message) error {
	if err := s.repo.AppendMessage(ctx, message); err != nil {
		return err
	}
	s.publish(ctx, events.MessageAdded, message.EntityID, map[string]interface{}{
		"message_id": message.ID,
		"type":       string(message.Type),
	})
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, entityID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "planning", data)
	if err := s.eventBus.Publish(ctx, events.BuildEntitySubject(eventType, entityID), event); err != nil {
		s.log.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *Service) result(entity models.Entity, messages ...*models.Message) *SubmitResult {
	return &SubmitResult{
		Messages:   messages,
		PlanStatus: entity.Planning().PlanStatus,
	}
}
