package nodes

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// DatabaseExecutor runs a SQL statement against a database/sql driver. The
// default driver is libsql; any registered driver name is accepted.
type DatabaseExecutor struct {
	eval *expressions.TemplateEvaluator
}

func NewDatabaseExecutor(eval *expressions.TemplateEvaluator) *DatabaseExecutor {
	return &DatabaseExecutor{eval: eval}
}

func (e *DatabaseExecutor) Type() schema.NodeType { return schema.NodeTypeDatabase }

func (e *DatabaseExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	resolved, err := e.eval.ResolveValue(ctx, configOf(node), ScopeFrom(ctx).Vars())
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	cfg, _ := resolved.(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
	}

	driver := stringParam(cfg, "driver", "libsql")
	dsn := stringParam(cfg, "dsn", "")
	if dsn == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"database node requires 'dsn'").WithNode(node.ID)
	}
	statement := stringParam(cfg, "statement", "")
	if statement == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"database node requires 'statement'").WithNode(node.ID)
	}
	operation := stringParam(cfg, "operation", "query")
	args := listParam(cfg, "args")

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"open database (%s): %v", driver, err).WithNode(node.ID).WithCause(err)
	}
	defer db.Close()

	switch operation {
	case "query":
		return e.query(ctx, node, db, statement, args)
	case "exec":
		res, err := db.ExecContext(ctx, statement, args...)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"exec failed: %v", err).WithNode(node.ID).WithCause(err)
		}
		affected, _ := res.RowsAffected()
		return map[string]any{"rowsAffected": affected}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown database operation %q", operation).WithNode(node.ID)
	}
}

func (e *DatabaseExecutor) query(ctx context.Context, node *schema.Node, db *sql.DB, statement string, args []any) (any, error) {
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"query failed: %v", err).WithNode(node.ID).WithCause(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read columns").
			WithNode(node.ID).WithCause(err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "scan row").
				WithNode(node.ID).WithCause(err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "iterate rows").
			WithNode(node.ID).WithCause(err)
	}

	return map[string]any{
		"rows":  out,
		"count": len(out),
	}, nil
}
