package toolbridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tracklet/tracklet/internal/secrets"
)

type sqlStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	crypto *secrets.MasterKeyProvider
}

var _ Store = (*sqlStore)(nil)

// ProvideStore creates the SQL tool connection store using separate writer
// and reader pools. SQLite is the primary target; pgx works through the same
// rebound queries.
func ProvideStore(writer, reader *sqlx.DB, crypto *secrets.MasterKeyProvider) (Store, error) {
	store := &sqlStore{db: writer, ro: reader, crypto: crypto}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("tool connection schema init: %w", err)
	}
	return store, nil
}

func (s *sqlStore) initSchema() error {
	blobType := "BLOB"
	boolType := "INTEGER NOT NULL DEFAULT 1"
	if s.db.DriverName() == "pgx" {
		blobType = "BYTEA"
		boolType = "BOOLEAN NOT NULL DEFAULT TRUE"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tool_connections (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL,
		server_id       TEXT NOT NULL,
		transport       TEXT NOT NULL,
		url             TEXT NOT NULL,
		enabled         %s,
		status          TEXT NOT NULL DEFAULT 'disconnected',
		last_error      TEXT DEFAULT '',
		tools           TEXT DEFAULT '[]',
		encrypted_token %s,
		nonce           %s,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tool_connections_server ON tool_connections(project_id, server_id);
	`, boolType, blobType, blobType)
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *sqlStore) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.ro.GetContext(ctx, dest, s.ro.Rebind(query), args...)
}

func (s *sqlStore) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.ro.SelectContext(ctx, dest, s.ro.Rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.ro.QueryRowContext(ctx, s.ro.Rebind(query), args...)
}

func (s *sqlStore) Create(ctx context.Context, conn *ToolConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if conn.Status == "" {
		conn.Status = StatusDisconnected
	}

	var ciphertext, nonce []byte
	if conn.AuthToken != "" {
		var err error
		ciphertext, nonce, err = secrets.Encrypt([]byte(conn.AuthToken), s.crypto.Key())
		if err != nil {
			return fmt.Errorf("encrypt auth token: %w", err)
		}
	}

	tools, err := marshalTools(conn.Tools)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO tool_connections (id, project_id, server_id, transport, url, enabled, status, last_error, tools, encrypted_token, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.ProjectID, conn.ServerID, conn.Transport, conn.URL,
		conn.Enabled, conn.Status, conn.LastError, tools, ciphertext, nonce,
		conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tool connection: %w", err)
	}

	conn.AuthToken = ""
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*ToolConnection, error) {
	var row connectionRow
	err := s.get(ctx, &row, `
		SELECT id, project_id, server_id, transport, url, enabled, status, last_error, tools, created_at, updated_at
		FROM tool_connections WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool connection: %w", err)
	}
	return row.toConnection()
}

func (s *sqlStore) GetByServerID(ctx context.Context, projectID, serverID string) (*ToolConnection, error) {
	var row connectionRow
	err := s.get(ctx, &row, `
		SELECT id, project_id, server_id, transport, url, enabled, status, last_error, tools, created_at, updated_at
		FROM tool_connections WHERE project_id = ? AND server_id = ?`, projectID, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool connection by server: %w", err)
	}
	return row.toConnection()
}

func (s *sqlStore) ListByProject(ctx context.Context, projectID string) ([]*ToolConnection, error) {
	var rows []connectionRow
	err := s.selectAll(ctx, &rows, `
		SELECT id, project_id, server_id, transport, url, enabled, status, last_error, tools, created_at, updated_at
		FROM tool_connections WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tool connections: %w", err)
	}

	conns := make([]*ToolConnection, 0, len(rows))
	for i := range rows {
		conn, err := rows[i].toConnection()
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func (s *sqlStore) Update(ctx context.Context, conn *ToolConnection) error {
	conn.UpdatedAt = time.Now().UTC()

	tools, err := marshalTools(conn.Tools)
	if err != nil {
		return err
	}

	result, err := s.exec(ctx, `
		UPDATE tool_connections
		SET transport = ?, url = ?, enabled = ?, status = ?, last_error = ?, tools = ?, updated_at = ?
		WHERE id = ?`,
		conn.Transport, conn.URL, conn.Enabled, conn.Status, conn.LastError,
		tools, conn.UpdatedAt, conn.ID)
	if err != nil {
		return fmt.Errorf("update tool connection: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tool connection: %w", err)
	}
	if affected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM tool_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tool connection: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tool connection: %w", err)
	}
	if affected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (s *sqlStore) RevealToken(ctx context.Context, id string) (string, error) {
	var ciphertext, nonce []byte
	err := s.queryRow(ctx, `
		SELECT encrypted_token, nonce FROM tool_connections WHERE id = ?`, id).
		Scan(&ciphertext, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConnectionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reveal auth token: %w", err)
	}
	if len(ciphertext) == 0 {
		return "", nil
	}
	// Rows written before encryption landed carry the token as-is, no nonce.
	if len(nonce) == 0 {
		return string(ciphertext), nil
	}

	plaintext, err := secrets.Decrypt(ciphertext, nonce, s.crypto.Key())
	if err != nil {
		return "", fmt.Errorf("decrypt auth token: %w", err)
	}
	return string(plaintext), nil
}

// connectionRow is the DB scan target for tool connection queries.
type connectionRow struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	ServerID  string    `db:"server_id"`
	Transport string    `db:"transport"`
	URL       string    `db:"url"`
	Enabled   bool      `db:"enabled"`
	Status    string    `db:"status"`
	LastError string    `db:"last_error"`
	Tools     string    `db:"tools"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *connectionRow) toConnection() (*ToolConnection, error) {
	conn := &ToolConnection{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		ServerID:  r.ServerID,
		Transport: Transport(r.Transport),
		URL:       r.URL,
		Enabled:   r.Enabled,
		Status:    ConnectionStatus(r.Status),
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Tools != "" && r.Tools != "[]" {
		if err := json.Unmarshal([]byte(r.Tools), &conn.Tools); err != nil {
			return nil, fmt.Errorf("decode tool catalog: %w", err)
		}
	}
	return conn, nil
}

func marshalTools(tools []ToolDescriptor) (string, error) {
	if len(tools) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("encode tool catalog: %w", err)
	}
	return string(data), nil
}
