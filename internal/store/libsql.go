package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes read-modify-write updates.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending migrations, each in its own transaction, and
// records them in schema_version.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	pending, err := pendingMigrations(dialectSQLite, applied)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *LibSQLStore) applyMigration(ctx context.Context, m migration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, created_at, updated_at, doc) VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.Status), unixNano(wf.CreatedAt), unixNano(wf.UpdatedAt), string(doc),
	)
	if isUniqueViolation(err) {
		return alreadyExists("workflow", wf.ID)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM workflows WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflowNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[schema.Workflow](doc)
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, mutate func(*schema.Workflow) error) (*schema.Workflow, error) {
	var out *schema.Workflow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var doc string
		err := tx.QueryRowContext(ctx, `SELECT doc FROM workflows WHERE id = ?`, id).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return workflowNotFound(id)
		}
		if err != nil {
			return err
		}
		wf, err := decodeDoc[schema.Workflow](doc)
		if err != nil {
			return err
		}
		if err := mutate(wf); err != nil {
			return err
		}
		wf.ID = id
		next, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workflows SET name = ?, status = ?, updated_at = ?, doc = ? WHERE id = ?`,
			wf.Name, string(wf.Status), unixNano(wf.UpdatedAt), string(next), id,
		)
		out = wf
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, workflowNotFound(id))
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT doc FROM workflows`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return queryDocs[schema.Workflow](ctx, s.db, query, args...)
}

// --- Templates ---

func (s *LibSQLStore) CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	doc, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (id, name, category, created_at, doc) VALUES (?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, nullStr(tpl.Category), unixNano(tpl.CreatedAt), string(doc),
	)
	if isUniqueViolation(err) {
		return alreadyExists("template", tpl.ID)
	}
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM workflow_templates WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, templateNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[schema.WorkflowTemplate](doc)
}

func (s *LibSQLStore) UpdateTemplate(ctx context.Context, id string, mutate func(*schema.WorkflowTemplate) error) (*schema.WorkflowTemplate, error) {
	var out *schema.WorkflowTemplate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var doc string
		err := tx.QueryRowContext(ctx, `SELECT doc FROM workflow_templates WHERE id = ?`, id).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return templateNotFound(id)
		}
		if err != nil {
			return err
		}
		tpl, err := decodeDoc[schema.WorkflowTemplate](doc)
		if err != nil {
			return err
		}
		if err := mutate(tpl); err != nil {
			return err
		}
		tpl.ID = id
		next, err := json.Marshal(tpl)
		if err != nil {
			return fmt.Errorf("marshal template: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workflow_templates SET name = ?, category = ?, doc = ? WHERE id = ?`,
			tpl.Name, nullStr(tpl.Category), string(next), id,
		)
		out = tpl
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, templateNotFound(id))
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	query := `SELECT doc FROM workflow_templates`
	var args []any
	if filter.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return queryDocs[schema.WorkflowTemplate](ctx, s.db, query, args...)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, started_at, doc) VALUES (?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), unixNano(exec.StartedAt), string(doc),
	)
	if isUniqueViolation(err) {
		return alreadyExists("execution", exec.ID)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM executions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, executionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[schema.Execution](doc)
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, mutate func(*schema.Execution) error) (*schema.Execution, error) {
	var out *schema.Execution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var doc string
		err := tx.QueryRowContext(ctx, `SELECT doc FROM executions WHERE id = ?`, id).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return executionNotFound(id)
		}
		if err != nil {
			return err
		}
		exec, err := decodeDoc[schema.Execution](doc)
		if err != nil {
			return err
		}
		if err := mutate(exec); err != nil {
			return err
		}
		exec.ID = id
		next, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, doc = ? WHERE id = ?`,
			string(exec.Status), string(next), id,
		)
		out = exec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT doc FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, seq DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return queryDocs[schema.Execution](ctx, s.db, query, args...)
}

func (s *LibSQLStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE status != ? AND started_at < ?`,
		string(schema.ExecutionRunning), unixNano(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *LibSQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func queryDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v, err := decodeDoc[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func decodeDoc[T any](doc string) (*T, error) {
	v := new(T)
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt record").WithCause(err)
	}
	return v, nil
}

func checkRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().UnixNano()
	}
	return t.UnixNano()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
