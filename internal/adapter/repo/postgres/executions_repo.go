// Package postgres provides PostgreSQL database adapters.
//
// It implements the execution repository on top of a minimal pgx pool
// interface so tests can substitute fakes without a live database.
package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
}

// ExecutionRepo persists executions keyed by (task_id, organization_id).
type ExecutionRepo struct{ Pool PgxPool }

// NewExecutionRepo constructs an ExecutionRepo with the given pool.
func NewExecutionRepo(p PgxPool) *ExecutionRepo { return &ExecutionRepo{Pool: p} }

// EnsureSchema creates the executions table when it does not exist yet.
func EnsureSchema(ctx domain.Context, p PgxPool) error {
	q := `CREATE TABLE IF NOT EXISTS executions (
		id UUID NOT NULL,
		task_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		status TEXT NOT NULL,
		image TEXT NOT NULL,
		command TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		tests JSONB,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		analysis TEXT NOT NULL DEFAULT '',
		reports_base_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (task_id, organization_id)
	);
	CREATE INDEX IF NOT EXISTS executions_org_start_idx ON executions (organization_id, start_time DESC);`
	if _, err := p.Exec(ctx, q); err != nil {
		return fmt.Errorf("op=executions.ensure_schema: %w", err)
	}
	return nil
}

const executionColumns = `id, task_id, organization_id, status, image, command, config, tests, start_time, end_time, COALESCE(output,''), COALESCE(error,''), COALESCE(analysis,''), COALESCE(reports_base_url,'')`

// Upsert creates or replaces the record for (TaskID, OrganizationID).
// Restart-delivered jobs hit the conflict path and simply overwrite.
func (r *ExecutionRepo) Upsert(ctx domain.Context, e domain.Execution) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "executions"),
	)
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	cfgJSON, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("op=execution.upsert: config: %w", err)
	}
	testsJSON, err := json.Marshal(e.Tests)
	if err != nil {
		return fmt.Errorf("op=execution.upsert: tests: %w", err)
	}
	start := e.StartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}
	q := `INSERT INTO executions (id, task_id, organization_id, status, image, command, config, tests, start_time, end_time, output, error, analysis, reports_base_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (task_id, organization_id) DO UPDATE SET
			status=EXCLUDED.status, image=EXCLUDED.image, command=EXCLUDED.command,
			config=EXCLUDED.config, tests=EXCLUDED.tests, start_time=EXCLUDED.start_time,
			end_time=EXCLUDED.end_time, output=EXCLUDED.output, error=EXCLUDED.error,
			analysis=EXCLUDED.analysis, reports_base_url=EXCLUDED.reports_base_url`
	_, err = r.Pool.Exec(ctx, q, id, e.TaskID, e.OrganizationID, e.Status, e.Image, e.Command, cfgJSON, testsJSON, start, e.EndTime, e.Output, e.Error, e.Analysis, e.ReportsBaseURL)
	if err != nil {
		return fmt.Errorf("op=execution.upsert: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing record.
func (r *ExecutionRepo) Update(ctx domain.Context, e domain.Execution) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Update")
	defer span.End()
	cfgJSON, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("op=execution.update: config: %w", err)
	}
	q := `UPDATE executions SET status=$3, image=$4, command=$5, config=$6, start_time=$7, end_time=$8, output=$9, error=$10, analysis=$11, reports_base_url=$12
		WHERE task_id=$1 AND organization_id=$2`
	tag, err := r.Pool.Exec(ctx, q, e.TaskID, e.OrganizationID, e.Status, e.Image, e.Command, cfgJSON, e.StartTime, e.EndTime, e.Output, e.Error, e.Analysis, e.ReportsBaseURL)
	if err != nil {
		return fmt.Errorf("op=execution.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=execution.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads one execution; the org filter is part of the key, so cross-tenant
// reads come back as ErrNotFound.
func (r *ExecutionRepo) Get(ctx domain.Context, taskID, orgID string) (domain.Execution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Get")
	defer span.End()
	q := `SELECT ` + executionColumns + ` FROM executions WHERE task_id=$1 AND organization_id=$2`
	row := r.Pool.QueryRow(ctx, q, taskID, orgID)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, fmt.Errorf("op=execution.get: %w", domain.ErrNotFound)
		}
		return domain.Execution{}, fmt.Errorf("op=execution.get: %w", err)
	}
	return e, nil
}

// ListRecent returns at most limit executions for the org, newest first.
func (r *ExecutionRepo) ListRecent(ctx domain.Context, orgID string, limit int) ([]domain.Execution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.ListRecent")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + executionColumns + ` FROM executions WHERE organization_id=$1 ORDER BY start_time DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=execution.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Execution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("op=execution.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=execution.list: %w", err)
	}
	return out, nil
}

// Delete removes the record scoped by organization. A zero row count maps to
// ErrNotFound so callers cannot distinguish cross-tenant rows from absence.
func (r *ExecutionRepo) Delete(ctx domain.Context, taskID, orgID string) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Delete")
	defer span.End()
	q := `DELETE FROM executions WHERE task_id=$1 AND organization_id=$2`
	tag, err := r.Pool.Exec(ctx, q, taskID, orgID)
	if err != nil {
		return fmt.Errorf("op=execution.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=execution.delete: %w", domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var cfgJSON, testsJSON []byte
	if err := row.Scan(&e.ID, &e.TaskID, &e.OrganizationID, &e.Status, &e.Image, &e.Command, &cfgJSON, &testsJSON, &e.StartTime, &e.EndTime, &e.Output, &e.Error, &e.Analysis, &e.ReportsBaseURL); err != nil {
		return domain.Execution{}, err
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &e.Config); err != nil {
			return domain.Execution{}, fmt.Errorf("config decode: %w", err)
		}
	}
	if len(testsJSON) > 0 {
		if err := json.Unmarshal(testsJSON, &e.Tests); err != nil {
			return domain.Execution{}, fmt.Errorf("tests decode: %w", err)
		}
	}
	return e, nil
}
