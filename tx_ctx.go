//nolint:ireturn // it's ok here
package gavel

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}

	return nil
}
