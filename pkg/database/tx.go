package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoScope is returned when a repository runs without a connection in its context.
var ErrNoScope = errors.New("no database scope in context")

const txKey contextKey = "dbTx"

// Querier is the query surface shared by pooled connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetQuerier returns the transaction started by InTx if there is one, otherwise the
// scoped connection.
func GetQuerier(ctx context.Context) (Querier, error) {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx, nil
	}
	if scope, ok := GetScope(ctx); ok {
		return scope.Conn, nil
	}
	return nil, ErrNoScope
}

// GetPgConn returns the low-level connection behind the current querier, for COPY.
func GetPgConn(ctx context.Context) (*pgconn.PgConn, error) {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx.Conn().PgConn(), nil
	}
	if scope, ok := GetScope(ctx); ok {
		return scope.Conn.Conn().PgConn(), nil
	}
	return nil, ErrNoScope
}

// InTx runs fn inside a transaction on the scoped connection. Called inside another
// InTx it opens a savepoint. The transaction commits when fn returns nil.
func InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	var tx pgx.Tx
	if outer, ok := ctx.Value(txKey).(pgx.Tx); ok {
		tx, err = outer.Begin(ctx)
	} else if scope, ok := GetScope(ctx); ok {
		tx, err = scope.Conn.Begin(ctx)
	} else {
		return ErrNoScope
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
