// Package repository defines storage for planning entities, their message
// threads, agent runs, and review items.
package repository

import (
	"context"
	"errors"

	"github.com/tracklet/tracklet/internal/planning/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the persistence boundary for the planning domain. The store
// is the single source of truth; all mutation goes through entity-scoped
// update operations.
type Repository interface {
	// Issues
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue) error
	ListIssuesByProject(ctx context.Context, projectID string) ([]*models.Issue, error)

	// Initiatives
	CreateInitiative(ctx context.Context, initiative *models.Initiative) error
	GetInitiative(ctx context.Context, id string) (*models.Initiative, error)
	UpdateInitiative(ctx context.Context, initiative *models.Initiative) error

	// GetEntity loads either variant by tag. UpdateEntity persists one.
	GetEntity(ctx context.Context, entityType models.EntityType, id string) (models.Entity, error)
	UpdateEntity(ctx context.Context, entity models.Entity) error

	// Messages are append-only; ListMessages returns them in creation order.
	AppendMessage(ctx context.Context, message *models.Message) error
	ListMessages(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.Message, error)

	// Agent runs
	CreateRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	UpdateRun(ctx context.Context, run *models.AgentRun) error
	ListRunsByEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.AgentRun, error)
	// LatestWaitingRun returns the most recent run in waiting_review for the
	// entity, or ErrNotFound.
	LatestWaitingRun(ctx context.Context, entityType models.EntityType, entityID string) (*models.AgentRun, error)

	// Review items
	CreateReviewItem(ctx context.Context, item *models.ReviewItem) error
	ListReviewItems(ctx context.Context, entityType models.EntityType, entityID string, status models.ReviewStatus) ([]*models.ReviewItem, error)
	// ResolvePendingReviewItems marks every pending item of the entity
	// resolved and returns how many changed.
	ResolvePendingReviewItems(ctx context.Context, entityType models.EntityType, entityID string) (int, error)

	Close() error
}
