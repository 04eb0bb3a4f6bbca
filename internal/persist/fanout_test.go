package persist_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/persist"
)

// stubStore accepts a fixed number of records or fails with err.
type stubStore struct {
	name     string
	accepted int
	err      error
}

func (s stubStore) Name() string { return s.name }

func (s stubStore) StoreMessages(context.Context, string, []model.RawMessage) (int, error) {
	return s.accepted, s.err
}

func (s stubStore) StoreStats(context.Context, model.AggregateStats) error { return s.err }

func (s stubStore) Close(context.Context) error { return s.err }

func TestFanoutStore(t *testing.T) {
	t.Parallel()

	down := errors.New("unreachable")
	rejected := persist.Permanent(errors.New("invalid"))

	tests := []struct {
		name          string
		stores        []persist.Store
		wantAccepted  int
		wantErr       bool
		wantPermanent bool
	}{
		{
			name:         "lowest acceptance wins",
			stores:       []persist.Store{stubStore{name: "a", accepted: 3}, stubStore{name: "b", accepted: 2}},
			wantAccepted: 2,
		},
		{
			name:    "one transient failure fails the batch",
			stores:  []persist.Store{stubStore{name: "a", accepted: 3}, stubStore{name: "b", err: down}},
			wantErr: true,
		},
		{
			name:    "mixed failures stay retryable",
			stores:  []persist.Store{stubStore{name: "a", err: rejected}, stubStore{name: "b", err: down}},
			wantErr: true,
		},
		{
			name:          "all permanent",
			stores:        []persist.Store{stubStore{name: "a", err: rejected}, stubStore{name: "b", err: rejected}},
			wantErr:       true,
			wantPermanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := persist.NewFanoutStore(tt.stores...)
			assert.Equal(t, "a+b", f.Name())

			n, err := f.StoreMessages(context.Background(), "run-1", records(3))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.wantAccepted, n)
				assert.NoError(t, f.StoreStats(context.Background(), model.AggregateStats{}))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, persist.IsPermanent(err))
			assert.Error(t, f.StoreStats(context.Background(), model.AggregateStats{}))
		})
	}
}
