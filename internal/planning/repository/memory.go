package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/planning/models"
)

// MemoryRepository is an in-memory Repository used by the memory database
// driver and by tests. All returned records are copies.
type MemoryRepository struct {
	mu          sync.RWMutex
	issues      map[string]*models.Issue
	initiatives map[string]*models.Initiative
	messages    map[string]*models.Message
	runs        map[string]*models.AgentRun
	reviews     map[string]*models.ReviewItem
	nextSeq     int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		issues:      make(map[string]*models.Issue),
		initiatives: make(map[string]*models.Initiative),
		messages:    make(map[string]*models.Message),
		runs:        make(map[string]*models.AgentRun),
		reviews:     make(map[string]*models.ReviewItem),
	}
}

// CreateIssue stores a new issue, filling the same defaults the SQL store
// does.
func (r *MemoryRepository) CreateIssue(_ context.Context, issue *models.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = now
	}
	if issue.Status == "" {
		issue.Status = models.IssueStatusTriage
	}
	if issue.PlanStatus == "" {
		issue.PlanStatus = models.PlanStatusNone
	}
	r.issues[issue.ID] = copyIssue(issue)
	return nil
}

// GetIssue retrieves an issue by ID.
func (r *MemoryRepository) GetIssue(_ context.Context, id string) (*models.Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	issue, ok := r.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIssue(issue), nil
}

// UpdateIssue persists an existing issue.
func (r *MemoryRepository) UpdateIssue(_ context.Context, issue *models.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.issues[issue.ID]; !ok {
		return ErrNotFound
	}
	r.issues[issue.ID] = copyIssue(issue)
	return nil
}

// ListIssuesByProject returns all issues of a project ordered by creation time.
func (r *MemoryRepository) ListIssuesByProject(_ context.Context, projectID string) ([]*models.Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Issue
	for _, issue := range r.issues {
		if issue.ProjectID == projectID {
			out = append(out, copyIssue(issue))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateInitiative stores a new initiative.
func (r *MemoryRepository) CreateInitiative(_ context.Context, initiative *models.Initiative) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if initiative.ID == "" {
		initiative.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if initiative.CreatedAt.IsZero() {
		initiative.CreatedAt = now
	}
	if initiative.UpdatedAt.IsZero() {
		initiative.UpdatedAt = now
	}
	if initiative.Status == "" {
		initiative.Status = models.InitiativeStatusDraft
	}
	if initiative.PlanStatus == "" {
		initiative.PlanStatus = models.PlanStatusNone
	}
	r.initiatives[initiative.ID] = copyInitiative(initiative)
	return nil
}

// GetInitiative retrieves an initiative by ID.
func (r *MemoryRepository) GetInitiative(_ context.Context, id string) (*models.Initiative, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	initiative, ok := r.initiatives[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInitiative(initiative), nil
}

// UpdateInitiative persists an existing initiative.
func (r *MemoryRepository) UpdateInitiative(_ context.Context, initiative *models.Initiative) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.initiatives[initiative.ID]; !ok {
		return ErrNotFound
	}
	r.initiatives[initiative.ID] = copyInitiative(initiative)
	return nil
}

// GetEntity loads either entity variant by tag.
func (r *MemoryRepository) GetEntity(ctx context.Context, entityType models.EntityType, id string) (models.Entity, error) {
	switch entityType {
	case models.EntityTypeIssue:
		return r.GetIssue(ctx, id)
	case models.EntityTypeInitiative:
		return r.GetInitiative(ctx, id)
	}
	return nil, ErrNotFound
}

// UpdateEntity persists either entity variant.
func (r *MemoryRepository) UpdateEntity(ctx context.Context, entity models.Entity) error {
	switch e := entity.(type) {
	case *models.Issue:
		return r.UpdateIssue(ctx, e)
	case *models.Initiative:
		return r.UpdateInitiative(ctx, e)
	}
	return ErrNotFound
}

// AppendMessage stores a new thread message and assigns its sequence number.
func (r *MemoryRepository) AppendMessage(_ context.Context, message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	r.nextSeq++
	message.Seq = r.nextSeq
	r.messages[message.ID] = copyMessage(message)
	return nil
}

// ListMessages returns the entity's thread in creation order.
func (r *MemoryRepository) ListMessages(_ context.Context, entityType models.EntityType, entityID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Message
	for _, msg := range r.messages {
		if msg.EntityType == entityType && msg.EntityID == entityID {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// CreateRun stores a new agent run.
func (r *MemoryRepository) CreateRun(_ context.Context, run *models.AgentRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun retrieves a run by ID.
func (r *MemoryRepository) GetRun(_ context.Context, id string) (*models.AgentRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

// UpdateRun persists an existing run.
func (r *MemoryRepository) UpdateRun(_ context.Context, run *models.AgentRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return ErrNotFound
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

// ListRunsByEntity returns the entity's runs, most recent first.
func (r *MemoryRepository) ListRunsByEntity(_ context.Context, entityType models.EntityType, entityID string) ([]*models.AgentRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AgentRun
	for _, run := range r.runs {
		if run.EntityType == entityType && run.EntityID == entityID {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// LatestWaitingRun returns the most recent waiting_review run for the entity.
func (r *MemoryRepository) LatestWaitingRun(_ context.Context, entityType models.EntityType, entityID string) (*models.AgentRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.AgentRun
	for _, run := range r.runs {
		if run.EntityType != entityType || run.EntityID != entityID || run.Status != models.RunStatusWaitingReview {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyRun(latest), nil
}

// CreateReviewItem stores a new review item.
func (r *MemoryRepository) CreateReviewItem(_ context.Context, item *models.ReviewItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.Status == "" {
		item.Status = models.ReviewStatusPending
	}
	r.reviews[item.ID] = copyReviewItem(item)
	return nil
}

// ListReviewItems returns the entity's review items, oldest first. An empty
// status returns all of them.
func (r *MemoryRepository) ListReviewItems(_ context.Context, entityType models.EntityType, entityID string, status models.ReviewStatus) ([]*models.ReviewItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ReviewItem
	for _, item := range r.reviews {
		if item.EntityType != entityType || item.EntityID != entityID {
			continue
		}
		if status != "" && item.Status != status {
			continue
		}
		out = append(out, copyReviewItem(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ResolvePendingReviewItems marks every pending item of the entity resolved.
func (r *MemoryRepository) ResolvePendingReviewItems(_ context.Context, entityType models.EntityType, entityID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	now := time.Now().UTC()
	for _, item := range r.reviews {
		if item.EntityType == entityType && item.EntityID == entityID && item.Status == models.ReviewStatusPending {
			item.Status = models.ReviewStatusResolved
			item.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

func copyIssue(issue *models.Issue) *models.Issue {
	c := *issue
	if issue.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(issue.Metadata))
		for k, v := range issue.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyInitiative(initiative *models.Initiative) *models.Initiative {
	c := *initiative
	return &c
}

func copyMessage(message *models.Message) *models.Message {
	c := *message
	return &c
}

func copyRun(run *models.AgentRun) *models.AgentRun {
	c := *run
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		c.CompletedAt = &t
	}
	if run.AcknowledgedAt != nil {
		t := *run.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	return &c
}

func copyReviewItem(item *models.ReviewItem) *models.ReviewItem {
	c := *item
	return &c
}
