package postgres

import (
	"context"
	"database/sql"

	"github.com/rryowa/sessionauth/internal/storage"
)

// WithTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back on error, panic or context cancellation.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx storage.DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
