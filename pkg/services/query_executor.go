package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/urekai/urekai-engine/pkg/database"
)

// DefaultStatementTimeout bounds one generated query.
const DefaultStatementTimeout = 30 * time.Second

// QueryExecutor runs generated SQL against the user's tables.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) ([]map[string]any, error)
}

type readOnlyExecutor struct {
	timeout time.Duration
}

// NewQueryExecutor creates an executor that runs every query in its own read-only
// transaction with a statement timeout.
func NewQueryExecutor(timeout time.Duration) QueryExecutor {
	if timeout <= 0 {
		timeout = DefaultStatementTimeout
	}
	return &readOnlyExecutor{timeout: timeout}
}

var _ QueryExecutor = (*readOnlyExecutor)(nil)

func (e *readOnlyExecutor) Execute(ctx context.Context, query string) ([]map[string]any, error) {
	var rows []map[string]any
	err := database.InTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			return fmt.Errorf("set read only: %w", err)
		}
		if _, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", e.timeout.Milliseconds())); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}

		result, err := q.Query(ctx, query)
		if err != nil {
			return err
		}
		rows, err = pgx.CollectRows(result, pgx.RowToMap)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}
