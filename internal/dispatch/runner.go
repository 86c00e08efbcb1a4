package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/agentrun"
	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/events"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
)

// Runner consumes jobs from the queue and executes them against the planner
// and run controller. Results are written to storage, never sent back on the
// bus; the only bus traffic the runner produces for the dispatcher is the
// receipt ack.
type Runner struct {
	eventBus   bus.EventBus
	repo       repository.Repository
	planner    *agentrun.Planner
	controller *agentrun.Controller
	jobTimeout time.Duration
	log        *logger.Logger

	sub bus.Subscription
	wg  sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(
	eventBus bus.EventBus,
	repo repository.Repository,
	planner *agentrun.Planner,
	controller *agentrun.Controller,
	jobTimeout time.Duration,
	log *logger.Logger,
) *Runner {
	return &Runner{
		eventBus:   eventBus,
		repo:       repo,
		planner:    planner,
		controller: controller,
		jobTimeout: jobTimeout,
		log:        log.WithFields(zap.String("component", "runner")),
	}
}

// Start subscribes the runner to the job queue. Multiple runners on the same
// bus share the queue group, so each job lands on exactly one of them.
func (r *Runner) Start() error {
	sub, err := r.eventBus.QueueSubscribe(events.JobWildcardSubject, events.RunnerQueue, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe to job queue: %w", err)
	}
	r.sub = sub
	r.log.Info("runner started", zap.String("subject", events.JobWildcardSubject))
	return nil
}

// Stop unsubscribes and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.log.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	r.wg.Wait()
	r.log.Info("runner stopped")
}

// handle acks receipt immediately, then processes the job in its own
// goroutine with its own deadline so the dispatcher's request context never
// bounds the work.
func (r *Runner) handle(ctx context.Context, event *bus.Event) error {
	if reply := event.ReplySubject(); reply != "" {
		ack := bus.NewEvent("job.ack", "runner", map[string]interface{}{"job_id": event.ID})
		if err := r.eventBus.Publish(ctx, reply, ack); err != nil {
			r.log.Warn("failed to ack job", zap.String("job_id", event.ID), zap.Error(err))
		}
	}

	job, err := jobFromEvent(event)
	if err != nil {
		r.log.Error("dropping malformed job", zap.String("job_id", event.ID), zap.Error(err))
		return nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		jobCtx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
		defer cancel()
		r.process(jobCtx, job)
	}()
	return nil
}

func (r *Runner) process(ctx context.Context, job Job) {
	log := r.log.WithEntityID(job.EntityID).WithFields(zap.String("action", job.Action))
	log.Info("processing job")

	var err error
	switch job.Action {
	case ActionGeneratePlan:
		err = r.planner.Generate(ctx, job.EntityType, job.EntityID)
	case ActionRevisePlan:
		err = r.planner.Revise(ctx, job.EntityType, job.EntityID, job.Feedback)
	case ActionExecute:
		err = r.controller.Execute(ctx, job.AgentRunID)
	case ActionRespond:
		err = r.controller.Respond(ctx, job.AgentRunID, job.HumanResponse)
	default:
		err = fmt.Errorf("unknown job action: %s", job.Action)
	}

	if err != nil {
		log.Error("job failed", zap.Error(err))
		r.recover(job, err)
		return
	}
	log.Info("job done")
}

// recover makes sure a failed job never leaves the entity wedged: the plan
// status is rolled back, the run is failed, and the thread gets an error
// message saying what happened. Best effort; recovery failures are logged.
func (r *Runner) recover(job Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch job.Action {
	case ActionGeneratePlan, ActionRevisePlan:
		entity, err := r.repo.GetEntity(ctx, job.EntityType, job.EntityID)
		if err != nil {
			r.log.Error("failed to load entity for recovery", zap.Error(err))
			return
		}
		planning := entity.Planning()
		if planning.PlanStatus != models.PlanStatusGenerating {
			return
		}
		if planning.AIPlan != "" {
			planning.PlanStatus = models.PlanStatusReady
		} else {
			planning.PlanStatus = models.PlanStatusNone
		}
		planning.UpdatedAt = time.Now().UTC()
		if err := r.repo.UpdateEntity(ctx, entity); err != nil {
			r.log.Error("failed to roll back plan status", zap.Error(err))
			return
		}
	case ActionExecute, ActionRespond:
		if job.AgentRunID == "" {
			break
		}
		run, err := r.repo.GetRun(ctx, job.AgentRunID)
		if err != nil {
			r.log.Error("failed to load run for recovery", zap.Error(err))
			return
		}
		if run.Status.IsTerminal() {
			return
		}
		now := time.Now().UTC()
		run.Status = models.RunStatusFailed
		run.CompletedAt = &now
		if err := r.repo.UpdateRun(ctx, run); err != nil {
			r.log.Error("failed to mark run failed", zap.Error(err))
			return
		}
	}

	message := &models.Message{
		EntityType: job.EntityType,
		EntityID:   job.EntityID,
		Role:       models.MessageRoleSystem,
		Type:       models.MessageTypeError,
		Content:    fmt.Sprintf("Background %s failed: %v", job.Action, cause),
	}
	if err := r.repo.AppendMessage(ctx, message); err != nil {
		r.log.Error("failed to append recovery message", zap.Error(err))
	}
}
