package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgard/tgcollector/internal/model"
)

// FanoutStore writes every batch to several stores. A batch counts as stored
// only when every store accepted it; the accepted count is the lowest one.
type FanoutStore struct {
	stores []Store
}

// NewFanoutStore combines stores.
func NewFanoutStore(stores ...Store) *FanoutStore {
	return &FanoutStore{stores: stores}
}

// Name implements Store.
func (f *FanoutStore) Name() string {
	names := make([]string, 0, len(f.stores))
	for _, s := range f.stores {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

// StoreMessages implements Store. Retrying a partially written batch is safe
// because every store de-duplicates.
func (f *FanoutStore) StoreMessages(ctx context.Context, batchID string, msgs []model.RawMessage) (int, error) {
	accepted := len(msgs)
	var errs []error
	permanent := true
	for _, s := range f.stores {
		n, err := s.StoreMessages(ctx, batchID, msgs)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			permanent = permanent && IsPermanent(err)
			continue
		}
		accepted = min(accepted, n)
	}
	if len(errs) > 0 {
		return 0, joinErrors(errs, permanent)
	}
	return accepted, nil
}

// StoreStats implements Store.
func (f *FanoutStore) StoreStats(ctx context.Context, stats model.AggregateStats) error {
	var errs []error
	permanent := true
	for _, s := range f.stores {
		if err := s.StoreStats(ctx, stats); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			permanent = permanent && IsPermanent(err)
		}
	}
	if len(errs) > 0 {
		return joinErrors(errs, permanent)
	}
	return nil
}

// Close implements Store.
func (f *FanoutStore) Close(ctx context.Context) error {
	var errs []error
	for _, s := range f.stores {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// joinErrors keeps the batch retryable unless every store failed permanently.
func joinErrors(errs []error, permanent bool) error {
	err := errors.Join(errs...)
	if permanent {
		return Permanent(err)
	}
	return err
}

var _ Store = (*FanoutStore)(nil)
