package gavel

import (
	"context"
)

// MemoryTxManager pairs with MemoryStore: the store's own mutex already
// serializes each operation, so transactions degrade to plain calls.
type MemoryTxManager struct{}

func NewMemoryTxManager() *MemoryTxManager {
	return &MemoryTxManager{}
}

func (m *MemoryTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *MemoryTxManager) RepeatableRead(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
