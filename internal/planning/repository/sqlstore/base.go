// Package sqlstore provides the SQL-backed planning repository. SQLite is the
// primary target; the same store runs on PostgreSQL via pgx.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQL-backed planning storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a new repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// isPostgres reports whether the store runs on pgx rather than SQLite.
func (r *Repository) isPostgres() bool {
	return r.db.DriverName() == "pgx"
}

// Queries are written with ? placeholders and rebound for the active driver,
// so the same store runs on sqlite3 and pgx.

func (r *Repository) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.db.Rebind(query), args...)
}

func (r *Repository) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return r.ro.QueryRowContext(ctx, r.ro.Rebind(query), args...)
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initEntitySchema(); err != nil {
		return err
	}
	if err := r.initMessageSchema(); err != nil {
		return err
	}
	if err := r.initRunSchema(); err != nil {
		return err
	}
	return r.initReviewSchema()
}

func (r *Repository) initEntitySchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'triage',
		plan_status TEXT NOT NULL DEFAULT 'none',
		ai_plan TEXT DEFAULT '',
		ai_prompt TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS initiatives (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		plan_status TEXT NOT NULL DEFAULT 'none',
		ai_plan TEXT DEFAULT '',
		ai_prompt TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_project_id ON issues(project_id);
	CREATE INDEX IF NOT EXISTS idx_initiatives_project_id ON initiatives(project_id);
	`)
	return err
}

func (r *Repository) initMessageSchema() error {
	// seq is a monotonically increasing append counter; reads order by it so
	// the log order is stable even for messages created in the same instant.
	seqColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if r.isPostgres() {
		seqColumn = "BIGSERIAL PRIMARY KEY"
	}
	_, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS planning_messages (
		seq %s,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL,
		meta TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_planning_messages_entity ON planning_messages(entity_type, entity_id, seq);
	`, seqColumn))
	return err
}

func (r *Repository) initRunSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		system_prompt TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		blocker_type TEXT DEFAULT '',
		blocker_message TEXT DEFAULT '',
		human_response TEXT DEFAULT '',
		output TEXT DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		iterations INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		acknowledged_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agent_runs_entity ON agent_runs(entity_type, entity_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);
	`)
	return err
}

func (r *Repository) initReviewSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS review_items (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'question',
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_review_items_entity ON review_items(entity_type, entity_id, status);
	`)
	return err
}
