package cache

import (
	"context"
	"time"

	"estoque/internal/domain"
)

// SalesCache holds the derived sales list so it is not rebuilt from the whole
// transaction history on every read.
type SalesCache interface {
	Get(ctx context.Context, key string) ([]domain.Sale, bool, error)
	Set(ctx context.Context, key string, value []domain.Sale, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopSalesCache struct{}

func (NoopSalesCache) Get(_ context.Context, _ string) ([]domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSalesCache) Set(_ context.Context, _ string, _ []domain.Sale, _ time.Duration) error {
	return nil
}

func (NoopSalesCache) Delete(_ context.Context, _ string) error {
	return nil
}
