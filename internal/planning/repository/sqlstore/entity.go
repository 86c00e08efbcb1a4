package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
)

// CreateIssue stores a new issue, filling in ID and timestamps when unset.
func (r *Repository) CreateIssue(ctx context.Context, issue *models.Issue) error {
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

	metadata, err := marshalMetadata(issue.Metadata)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO issues (id, project_id, title, description, status, plan_status, ai_plan, ai_prompt, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.ProjectID, issue.Title, issue.Description, issue.Status,
		issue.PlanStatus, issue.AIPlan, issue.AIPrompt, metadata, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}
	return nil
}

// GetIssue retrieves an issue by ID.
func (r *Repository) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	row := r.queryRow(ctx, `
		SELECT id, project_id, title, description, status, plan_status, ai_plan, ai_prompt, metadata, created_at, updated_at
		FROM issues WHERE id = ?`, id)
	return scanIssue(row)
}

// UpdateIssue persists an existing issue.
func (r *Repository) UpdateIssue(ctx context.Context, issue *models.Issue) error {
	issue.UpdatedAt = time.Now().UTC()

	metadata, err := marshalMetadata(issue.Metadata)
	if err != nil {
		return err
	}

	result, err := r.exec(ctx, `
		UPDATE issues
		SET project_id = ?, title = ?, description = ?, status = ?, plan_status = ?, ai_plan = ?, ai_prompt = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		issue.ProjectID, issue.Title, issue.Description, issue.Status,
		issue.PlanStatus, issue.AIPlan, issue.AIPrompt, metadata, issue.UpdatedAt, issue.ID)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}
	return requireRowAffected(result)
}

// ListIssuesByProject returns all issues of a project ordered by creation time.
func (r *Repository) ListIssuesByProject(ctx context.Context, projectID string) ([]*models.Issue, error) {
	rows, err := r.query(ctx, `
		SELECT id, project_id, title, description, status, plan_status, ai_plan, ai_prompt, metadata, created_at, updated_at
		FROM issues WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// CreateInitiative stores a new initiative, filling in ID and timestamps when unset.
func (r *Repository) CreateInitiative(ctx context.Context, initiative *models.Initiative) error {
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

	_, err := r.exec(ctx, `
		INSERT INTO initiatives (id, project_id, title, description, status, plan_status, ai_plan, ai_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		initiative.ID, initiative.ProjectID, initiative.Title, initiative.Description,
		initiative.Status, initiative.PlanStatus, initiative.AIPlan, initiative.AIPrompt,
		initiative.CreatedAt, initiative.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create initiative: %w", err)
	}
	return nil
}

// GetInitiative retrieves an initiative by ID.
func (r *Repository) GetInitiative(ctx context.Context, id string) (*models.Initiative, error) {
	row := r.queryRow(ctx, `
		SELECT id, project_id, title, description, status, plan_status, ai_plan, ai_prompt, created_at, updated_at
		FROM initiatives WHERE id = ?`, id)
	return scanInitiative(row)
}

// UpdateInitiative persists an existing initiative.
func (r *Repository) UpdateInitiative(ctx context.Context, initiative *models.Initiative) error {
	initiative.UpdatedAt = time.Now().UTC()

	result, err := r.exec(ctx, `
		UPDATE initiatives
		SET project_id = ?, title = ?, description = ?, status = ?, plan_status = ?, ai_plan = ?, ai_prompt = ?, updated_at = ?
		WHERE id = ?`,
		initiative.ProjectID, initiative.Title, initiative.Description, initiative.Status,
		initiative.PlanStatus, initiative.AIPlan, initiative.AIPrompt, initiative.UpdatedAt, initiative.ID)
	if err != nil {
		return fmt.Errorf("failed to update initiative: %w", err)
	}
	return requireRowAffected(result)
}

// GetEntity loads either entity variant by tag.
func (r *Repository) GetEntity(ctx context.Context, entityType models.EntityType, id string) (models.Entity, error) {
	switch entityType {
	case models.EntityTypeIssue:
		return r.GetIssue(ctx, id)
	case models.EntityTypeInitiative:
		return r.GetInitiative(ctx, id)
	}
	return nil, repository.ErrNotFound
}

// UpdateEntity persists either entity variant.
func (r *Repository) UpdateEntity(ctx context.Context, entity models.Entity) error {
	switch e := entity.(type) {
	case *models.Issue:
		return r.UpdateIssue(ctx, e)
	case *models.Initiative:
		return r.UpdateInitiative(ctx, e)
	}
	return repository.ErrNotFound
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	var issue models.Issue
	var metadata string
	err := row.Scan(&issue.ID, &issue.ProjectID, &issue.Title, &issue.Description,
		&issue.Status, &issue.PlanStatus, &issue.AIPlan, &issue.AIPrompt,
		&metadata, &issue.CreatedAt, &issue.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan issue: %w", err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &issue.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode issue metadata: %w", err)
		}
	}
	return &issue, nil
}

func scanInitiative(row rowScanner) (*models.Initiative, error) {
	var initiative models.Initiative
	err := row.Scan(&initiative.ID, &initiative.ProjectID, &initiative.Title, &initiative.Description,
		&initiative.Status, &initiative.PlanStatus, &initiative.AIPlan, &initiative.AIPrompt,
		&initiative.CreatedAt, &initiative.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan initiative: %w", err)
	}
	return &initiative, nil
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
