package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
)

// Reconciler recovers entities stuck in generating after a lost background
// job. It runs lazily on the read path; there is no background timer.
type Reconciler struct {
	repo         repository.Repository
	staleTimeout time.Duration
	log          *logger.Logger
}

// NewReconciler creates a reconciler with the given staleness timeout.
func NewReconciler(repo repository.Repository, staleTimeout time.Duration, log *logger.Logger) *Reconciler {
	return &Reconciler{
		repo:         repo,
		staleTimeout: staleTimeout,
		log:          log.WithFields(zap.String("component", "reconciler")),
	}
}

// Reconcile resets a stale generating entity in place and reports whether it
// did. A plan left over from before the attempt means a revision was in
// flight, so the status falls back to ready; otherwise to none. Exactly one
// error message is appended per reset, so the operation is idempotent: a
// second read sees a non-generating status and does nothing.
func (r *Reconciler) Reconcile(ctx context.Context, entity models.Entity) (bool, error) {
	planning := entity.Planning()
	if planning.PlanStatus != models.PlanStatusGenerating {
		return false, nil
	}
	if time.Since(planning.UpdatedAt) <= r.staleTimeout {
		return false, nil
	}

	if planning.AIPlan != "" {
		planning.PlanStatus = models.PlanStatusReady
	} else {
		planning.PlanStatus = models.PlanStatusNone
	}
	planning.UpdatedAt = time.Now().UTC()
	if err := r.repo.UpdateEntity(ctx, entity); err != nil {
		return false, err
	}

	message := &models.Message{
		EntityType: entity.Type(),
		EntityID:   entity.Key(),
		Role:       models.MessageRoleSystem,
		Type:       models.MessageTypeError,
		Content:    "Plan generation timed out",
	}
	if err := r.repo.AppendMessage(ctx, message); err != nil {
		return false, err
	}

	r.log.Warn("reset stale generating entity",
		zap.String("entity_id", entity.Key()),
		zap.String("plan_status", string(planning.PlanStatus)))
	return true, nil
}
