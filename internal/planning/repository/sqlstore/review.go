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

// CreateReviewItem stores a new review item.
func (r *Repository) CreateReviewItem(ctx context.Context, item *models.ReviewItem) error {
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

	_, err := r.exec(ctx, `
		INSERT INTO review_items (id, entity_type, entity_id, type, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.EntityType, item.EntityID, item.Type, item.Content,
		item.Status, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create review item: %w", err)
	}
	return nil
}

// ListReviewItems returns the entity's review items, oldest first. An empty
// status returns all of them.
func (r *Repository) ListReviewItems(ctx context.Context, entityType models.EntityType, entityID string, status models.ReviewStatus) ([]*models.ReviewItem, error) {
	query := `
		SELECT id, entity_type, entity_id, type, content, status, created_at, updated_at
		FROM review_items
		WHERE entity_type = ? AND entity_id = ?`
	args := []interface{}{entityType, entityID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResolvePendingReviewItems marks every pending item of the entity resolved
// and returns how many changed.
func (r *Repository) ResolvePendingReviewItems(ctx context.Context, entityType models.EntityType, entityID string) (int, error) {
	result, err := r.exec(ctx, `
		UPDATE review_items SET status = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND status = ?`,
		models.ReviewStatusResolved, time.Now().UTC(), entityType, entityID, models.ReviewStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve review items: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

func scanReviewItem(row rowScanner) (*models.ReviewItem, error) {
	var item models.ReviewItem
	err := row.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Type,
		&item.Content, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan review item: %w", err)
	}
	return &item, nil
}
