package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/stepflow/pkg/schema"
)

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPool parses dsn, opens a pool and pings it.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations, tracked in schema_version.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var applied int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	pending, err := pendingMigrations(dialectPostgres, applied)
	if err != nil {
		return err
	}
	for _, m := range pending {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.version, m.name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflows (id, name, status, created_at, updated_at, doc) VALUES ($1, $2, $3, $4, $5, $6)`,
		wf.ID, wf.Name, string(wf.Status), pgTime(wf.CreatedAt), pgTime(wf.UpdatedAt), doc,
	)
	if isPgUniqueViolation(err) {
		return alreadyExists("workflow", wf.ID)
	}
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return pgGetDoc[schema.Workflow](ctx, s.pool, `SELECT doc FROM workflows WHERE id = $1`, id, workflowNotFound(id))
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, id string, mutate func(*schema.Workflow) error) (*schema.Workflow, error) {
	var out *schema.Workflow
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		wf, err := pgGetDoc[schema.Workflow](ctx, tx, `SELECT doc FROM workflows WHERE id = $1 FOR UPDATE`, id, workflowNotFound(id))
		if err != nil {
			return err
		}
		if err := mutate(wf); err != nil {
			return err
		}
		wf.ID = id
		doc, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE workflows SET name = $1, status = $2, updated_at = $3, doc = $4 WHERE id = $5`,
			wf.Name, string(wf.Status), pgTime(wf.UpdatedAt), doc, id,
		)
		out = wf
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return workflowNotFound(id)
	}
	return nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT doc FROM workflows`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return pgQueryDocs[schema.Workflow](ctx, s.pool, query, args...)
}

// --- Templates ---

func (s *PostgresStore) CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	doc, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_templates (id, name, category, created_at, doc) VALUES ($1, $2, $3, $4, $5)`,
		tpl.ID, tpl.Name, nullStr(tpl.Category), pgTime(tpl.CreatedAt), doc,
	)
	if isPgUniqueViolation(err) {
		return alreadyExists("template", tpl.ID)
	}
	return err
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	return pgGetDoc[schema.WorkflowTemplate](ctx, s.pool, `SELECT doc FROM workflow_templates WHERE id = $1`, id, templateNotFound(id))
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, id string, mutate func(*schema.WorkflowTemplate) error) (*schema.WorkflowTemplate, error) {
	var out *schema.WorkflowTemplate
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tpl, err := pgGetDoc[schema.WorkflowTemplate](ctx, tx, `SELECT doc FROM workflow_templates WHERE id = $1 FOR UPDATE`, id, templateNotFound(id))
		if err != nil {
			return err
		}
		if err := mutate(tpl); err != nil {
			return err
		}
		tpl.ID = id
		doc, err := json.Marshal(tpl)
		if err != nil {
			return fmt.Errorf("marshal template: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE workflow_templates SET name = $1, category = $2, doc = $3 WHERE id = $4`,
			tpl.Name, nullStr(tpl.Category), doc, id,
		)
		out = tpl
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return templateNotFound(id)
	}
	return nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	query := `SELECT doc FROM workflow_templates`
	var args []any
	if filter.Category != "" {
		query += ` WHERE category = $1`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return pgQueryDocs[schema.WorkflowTemplate](ctx, s.pool, query, args...)
}

// --- Executions ---

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO executions (id, workflow_id, status, started_at, doc) VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.WorkflowID, string(exec.Status), pgTime(exec.StartedAt), doc,
	)
	if isPgUniqueViolation(err) {
		return alreadyExists("execution", exec.ID)
	}
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return pgGetDoc[schema.Execution](ctx, s.pool, `SELECT doc FROM executions WHERE id = $1`, id, executionNotFound(id))
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, id string, mutate func(*schema.Execution) error) (*schema.Execution, error) {
	var out *schema.Execution
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		exec, err := pgGetDoc[schema.Execution](ctx, tx, `SELECT doc FROM executions WHERE id = $1 FOR UPDATE`, id, executionNotFound(id))
		if err != nil {
			return err
		}
		if err := mutate(exec); err != nil {
			return err
		}
		exec.ID = id
		doc, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE executions SET status = $1, doc = $2 WHERE id = $3`, string(exec.Status), doc, id)
		out = exec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT doc FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, seq DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return pgQueryDocs[schema.Execution](ctx, s.pool, query, args...)
}

func (s *PostgresStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM executions WHERE status <> $1 AND started_at < $2`,
		string(schema.ExecutionRunning), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- helpers ---

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetDoc[T any](ctx context.Context, q pgQuerier, query, id string, notFound error) (*T, error) {
	var doc []byte
	err := q.QueryRow(ctx, query, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[T](string(doc))
}

func pgQueryDocs[T any](ctx context.Context, q pgQuerier, query string, args ...any) ([]*T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v, err := decodeDoc[T](string(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
