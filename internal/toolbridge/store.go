package toolbridge

import (
	"context"
	"errors"
)

// ErrConnectionNotFound is returned when a tool connection does not exist.
var ErrConnectionNotFound = errors.New("tool connection not found")

// Store persists tool server connections. Implementations keep the auth
// token encrypted at rest; RevealToken is the only path to plaintext.
type Store interface {
	Create(ctx context.Context, conn *ToolConnection) error
	Get(ctx context.Context, id string) (*ToolConnection, error)
	GetByServerID(ctx context.Context, projectID, serverID string) (*ToolConnection, error)
	ListByProject(ctx context.Context, projectID string) ([]*ToolConnection, error)
	Update(ctx context.Context, conn *ToolConnection) error
	Delete(ctx context.Context, id string) error
	RevealToken(ctx context.Context, id string) (string, error)
}
