package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
)

// CreateRun stores a new agent run.
func (r *Repository) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}

	_, err := r.exec(ctx, `
		INSERT INTO agent_runs (id, entity_type, entity_id, prompt, system_prompt, status,
			blocker_type, blocker_message, human_response, output,
			tokens_used, cost, iterations, started_at, completed_at, acknowledged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.EntityType, run.EntityID, run.Prompt, run.SystemPrompt, run.Status,
		run.BlockerType, run.BlockerMessage, run.HumanResponse, run.Output,
		run.TokensUsed, run.Cost, run.Iterations, run.StartedAt, run.CompletedAt, run.AcknowledgedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *Repository) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := r.queryRow(ctx, `
		SELECT id, entity_type, entity_id, prompt, system_prompt, status,
			blocker_type, blocker_message, human_response, output,
			tokens_used, cost, iterations, started_at, completed_at, acknowledged_at
		FROM agent_runs WHERE id = ?`, id)
	return scanRun(row)
}

// UpdateRun persists an existing run.
func (r *Repository) UpdateRun(ctx context.Context, run *models.AgentRun) error {
	result, err := r.exec(ctx, `
		UPDATE agent_runs
		SET status = ?, blocker_type = ?, blocker_message = ?, human_response = ?, output = ?,
			tokens_used = ?, cost = ?, iterations = ?, completed_at = ?, acknowledged_at = ?
		WHERE id = ?`,
		run.Status, run.BlockerType, run.BlockerMessage, run.HumanResponse, run.Output,
		run.TokensUsed, run.Cost, run.Iterations, run.CompletedAt, run.AcknowledgedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return requireRowAffected(result)
}

// ListRunsByEntity returns the entity's runs, most recent first.
func (r *Repository) ListRunsByEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.AgentRun, error) {
	rows, err := r.query(ctx, `
		SELECT id, entity_type, entity_id, prompt, system_prompt, status,
			blocker_type, blocker_message, human_response, output,
			tokens_used, cost, iterations, started_at, completed_at, acknowledged_at
		FROM agent_runs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY started_at DESC, id DESC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestWaitingRun returns the most recent waiting_review run for the entity.
func (r *Repository) LatestWaitingRun(ctx context.Context, entityType models.EntityType, entityID string) (*models.AgentRun, error) {
	row := r.queryRow(ctx, `
		SELECT id, entity_type, entity_id, prompt, system_prompt, status,
			blocker_type, blocker_message, human_response, output,
			tokens_used, cost, iterations, started_at, completed_at, acknowledged_at
		FROM agent_runs
		WHERE entity_type = ? AND entity_id = ? AND status = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`,
		entityType, entityID, models.RunStatusWaitingReview)
	return scanRun(row)
}

func scanRun(row rowScanner) (*models.AgentRun, error) {
	var run models.AgentRun
	var completedAt, acknowledgedAt sql.NullTime
	err := row.Scan(&run.ID, &run.EntityType, &run.EntityID, &run.Prompt, &run.SystemPrompt, &run.Status,
		&run.BlockerType, &run.BlockerMessage, &run.HumanResponse, &run.Output,
		&run.TokensUsed, &run.Cost, &run.Iterations, &run.StartedAt, &completedAt, &acknowledgedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		run.AcknowledgedAt = &t
	}
	return &run, nil
}
