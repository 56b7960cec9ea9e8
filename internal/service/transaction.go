package service

import "context"

// TransactionManager runs fn in a transaction carried by ctx. fn's error
// rolls the transaction back; a nil error commits it.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
