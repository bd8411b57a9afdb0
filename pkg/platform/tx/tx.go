// Package tx carries an open SQL transaction through context so that a
// protocol write and its audit append can commit atomically without the
// stores depending on each other.
package tx

import (
	"context"
	"database/sql"
)

type txKey struct{}

// WithTx returns a context carrying the transaction. Stores that support
// ambient transactions execute against it instead of their own pool.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// From reports the transaction carried by ctx, if any.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}
