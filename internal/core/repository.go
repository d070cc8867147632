package core

import (
	"context"

	"github.com/campusworks/achievement-import/internal/store"
)

type storeRepository struct {
	*store.Store
}

// NewRepository exposes a store as the service Repository.
func NewRepository(s *store.Store) Repository {
	return storeRepository{s}
}

func (r storeRepository) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return r.Store.WithTx(ctx, func(tx *store.Store) error {
		return fn(storeRepository{tx})
	})
}
