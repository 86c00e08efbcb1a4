package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/planning/models"
)

// AppendMessage stores a new thread message. The database assigns seq, which
// is read back so the caller sees the message's position in the log.
func (r *Repository) AppendMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	meta := "{}"
	if !message.Meta.IsZero() {
		data, err := json.Marshal(message.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode message meta: %w", err)
		}
		meta = string(data)
	}

	insert := `
		INSERT INTO planning_messages (id, entity_type, entity_id, role, type, content, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		message.ID, message.EntityType, message.EntityID, message.Role,
		message.Type, message.Content, meta, message.CreatedAt,
	}

	if r.isPostgres() {
		err := r.db.QueryRowContext(ctx, r.db.Rebind(insert+" RETURNING seq"), args...).Scan(&message.Seq)
		if err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		return nil
	}

	result, err := r.exec(ctx, insert, args...)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message seq: %w", err)
	}
	message.Seq = seq
	return nil
}

// ListMessages returns the entity's thread in creation order.
func (r *Repository) ListMessages(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.Message, error) {
	rows, err := r.query(ctx, `
		SELECT seq, id, entity_type, entity_id, role, type, content, meta, created_at
		FROM planning_messages
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var meta string
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.EntityType, &msg.EntityID,
			&msg.Role, &msg.Type, &msg.Content, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &msg.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode message meta: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
