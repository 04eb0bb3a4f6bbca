// Package persist submits collected records and statistics to the backend in
// independently retried batches. De-duplication is the backend's job: every
// record carries its run's batch id, and every Store must treat a record it
// already holds as accepted.
package persist

import (
	"context"
	"errors"

	"github.com/edgard/tgcollector/internal/model"
)

// Store is a destination for collection results.
type Store interface {
	// Name identifies the store in logs and metrics.
	Name() string
	// StoreMessages writes one batch and returns how many records the store
	// acknowledged, duplicates included.
	StoreMessages(ctx context.Context, batchID string, msgs []model.RawMessage) (int, error)
	// StoreStats writes the statistics document of a run.
	StoreStats(ctx context.Context, stats model.AggregateStats) error
	// Close releases the store's resources.
	Close(ctx context.Context) error
}

// PermanentError wraps failures that repeating the request cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
