package toolbridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore is an in-memory Store used by the memory database driver and
// by tests. Tokens are kept in process memory only.
type memoryStore struct {
	mu     sync.RWMutex
	conns  map[string]*ToolConnection
	tokens map[string]string
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore creates an empty in-memory tool connection store.
func NewMemoryStore() Store {
	return &memoryStore{
		conns:  make(map[string]*ToolConnection),
		tokens: make(map[string]string),
	}
}

func (s *memoryStore) Create(_ context.Context, conn *ToolConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if conn.Status == "" {
		conn.Status = StatusDisconnected
	}
	if conn.AuthToken != "" {
		s.tokens[conn.ID] = conn.AuthToken
		conn.AuthToken = ""
	}
	s.conns[conn.ID] = copyConnection(conn)
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*ToolConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return copyConnection(conn), nil
}

func (s *memoryStore) GetByServerID(_ context.Context, projectID, serverID string) (*ToolConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.conns {
		if conn.ProjectID == projectID && conn.ServerID == serverID {
			return copyConnection(conn), nil
		}
	}
	return nil, ErrConnectionNotFound
}

func (s *memoryStore) ListByProject(_ context.Context, projectID string) ([]*ToolConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ToolConnection
	for _, conn := range s.conns {
		if conn.ProjectID == projectID {
			out = append(out, copyConnection(conn))
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

func (s *memoryStore) Update(_ context.Context, conn *ToolConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn.ID]; !ok {
		return ErrConnectionNotFound
	}
	conn.UpdatedAt = time.Now().UTC()
	s.conns[conn.ID] = copyConnection(conn)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return ErrConnectionNotFound
	}
	delete(s.conns, id)
	delete(s.tokens, id)
	return nil
}

func (s *memoryStore) RevealToken(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conns[id]; !ok {
		return "", ErrConnectionNotFound
	}
	return s.tokens[id], nil
}

func copyConnection(conn *ToolConnection) *ToolConnection {
	c := *conn
	c.AuthToken = ""
	if conn.Tools != nil {
		c.Tools = make([]ToolDescriptor, len(conn.Tools))
		copy(c.Tools, conn.Tools)
	}
	return &c
}
