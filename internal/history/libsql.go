package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLRecorder implements Recorder on libSQL (embedded SQLite fork).
type LibSQLRecorder struct {
	db *sql.DB
}

// NewLibSQLRecorder opens a libSQL database at the given path and applies
// pending migrations. The path should be a file URI, e.g. "file:/path/runs.db".
func NewLibSQLRecorder(ctx context.Context, dbPath string) (*LibSQLRecorder, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQLRecorder{db: db}, nil
}

// Close releases the underlying database handle.
func (r *LibSQLRecorder) Close() error { return r.db.Close() }

// Record persists a finished run and its node results in one transaction.
func (r *LibSQLRecorder) Record(ctx context.Context, workflowID string, result *schema.WorkflowExecutionResult) error {
	if result == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow result is nil")
	}
	if result.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow result has no execution id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return historyErr("begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (execution_id, workflow_id, status, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.ExecutionID, workflowID, string(result.Status),
		result.StartTime.UTC(), result.EndTime.UTC(),
		result.TotalExecutionTime.Milliseconds(),
	)
	if err != nil {
		return historyErr("insert run", err)
	}

	for i, nr := range result.NodeResults {
		output, err := nullableOutput(nr.Output)
		if err != nil {
			return historyErr(fmt.Sprintf("marshal output of node %s", nr.NodeID), err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_results (execution_id, position, node_id, status, output, error, duration_ms, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.ExecutionID, i, nr.NodeID, string(nr.Status),
			output, nullStr(nr.Error), nr.ExecutionTime.Milliseconds(), nr.Timestamp.UTC(),
		)
		if err != nil {
			return historyErr("insert node result", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return historyErr("commit run", err)
	}
	return nil
}

// Load retrieves one run with its node results in recorded order.
func (r *LibSQLRecorder) Load(ctx context.Context, executionID string) (*RunRecord, error) {
	rec := &RunRecord{}
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, status, started_at, completed_at, duration_ms
		 FROM runs WHERE execution_id = ?`, executionID,
	).Scan(&rec.ExecutionID, &rec.WorkflowID, &status, &rec.StartTime, &rec.EndTime, &rec.DurationMs)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"run %q not found", executionID)
	}
	if err != nil {
		return nil, historyErr("load run", err)
	}
	rec.Status = schema.RunStatus(status)

	rows, err := r.db.QueryContext(ctx,
		`SELECT node_id, status, output, error, duration_ms, timestamp
		 FROM node_results WHERE execution_id = ? ORDER BY position ASC`, executionID,
	)
	if err != nil {
		return nil, historyErr("load node results", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			nr         schema.NodeExecutionResult
			nodeStatus string
			output     sql.NullString
			errMsg     sql.NullString
			durationMs int64
		)
		if err := rows.Scan(&nr.NodeID, &nodeStatus, &output, &errMsg, &durationMs, &nr.Timestamp); err != nil {
			return nil, historyErr("scan node result", err)
		}
		nr.Status = schema.NodeStatus(nodeStatus)
		nr.Error = errMsg.String
		nr.ExecutionTime = time.Duration(durationMs) * time.Millisecond
		if output.Valid && output.String != "" {
			var v any
			if err := json.Unmarshal([]byte(output.String), &v); err != nil {
				return nil, historyErr("unmarshal node output", err)
			}
			nr.Output = v
		}
		rec.NodeResults = append(rec.NodeResults, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, historyErr("iterate node results", err)
	}
	return rec, nil
}

// List returns runs matching the filter, newest first. Node results are not
// loaded; use Load for the full record.
func (r *LibSQLRecorder) List(ctx context.Context, filter Filter) ([]*RunRecord, error) {
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
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT execution_id, workflow_id, status, started_at, completed_at, duration_ms FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, historyErr("list runs", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var status string
		if err := rows.Scan(&rec.ExecutionID, &rec.WorkflowID, &status,
			&rec.StartTime, &rec.EndTime, &rec.DurationMs); err != nil {
			return nil, historyErr("scan run", err)
		}
		rec.Status = schema.RunStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func historyErr(op string, err error) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeHistory, "%s", op).WithCause(err)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableOutput(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Recorder = (*LibSQLRecorder)(nil)
