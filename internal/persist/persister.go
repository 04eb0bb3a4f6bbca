package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/edgard/tgcollector/internal/errors"
	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/resilience"
)

const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Config tunes batching and retries.
type Config struct {
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// BatchResult is the outcome of one submitted batch.
type BatchResult struct {
	Index    int
	Size     int
	Accepted int
	Attempts int
	Err      error
}

// OK reports whether the batch was stored.
func (b BatchResult) OK() bool { return b.Err == nil }

// Report collects the batch outcomes of one persist call.
type Report struct {
	Store   string
	Batches []BatchResult
}

// Succeeded reports whether at least one batch was stored, or there was
// nothing to store.
func (r Report) Succeeded() bool {
	if len(r.Batches) == 0 {
		return true
	}
	for _, b := range r.Batches {
		if b.OK() {
			return true
		}
	}
	return false
}

// Failed returns the batches that could not be stored.
func (r Report) Failed() []BatchResult {
	var out []BatchResult
	for _, b := range r.Batches {
		if !b.OK() {
			out = append(out, b)
		}
	}
	return out
}

// Accepted returns the number of records acknowledged by the store.
func (r Report) Accepted() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Accepted
	}
	return n
}

// Observer is notified of every finished batch.
type Observer func(store string, kind string, ok bool)

// Persister submits records and statistics to a Store.
type Persister struct {
	store    Store
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
}

// Option configures a Persister.
type Option func(*Persister)

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Persister) { p.sleep = fn }
}

// WithObserver registers a batch observer.
func WithObserver(fn Observer) Option {
	return func(p *Persister) { p.observer = fn }
}

// NewPersister creates a Persister on store.
func NewPersister(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	p := &Persister{
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "persister", "store", store.Name()),
		observer: func(string, string, bool) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Persister) retryConfig() resilience.RetryConfig {
	rc := resilience.FixedRetryConfig(p.cfg.MaxAttempts, p.cfg.RetryDelay)
	rc.Retryable = func(err error) bool { return !IsPermanent(err) }
	rc.Sleep = p.sleep
	return rc
}

// PersistRecords splits records into fixed-size batches and submits each one
// independently. A failed batch never stops the others.
func (p *Persister) PersistRecords(ctx context.Context, records []model.RawMessage) Report {
	report := Report{Store: p.store.Name()}
	if len(records) == 0 {
		return report
	}

	for start, index := 0, 0; start < len(records); start, index = start+p.cfg.BatchSize, index+1 {
		batch := records[start:min(start+p.cfg.BatchSize, len(records))]
		batchID := batch[0].BatchID

		var accepted int
		attempts, err := resilience.WithRetry(ctx, func(ctx context.Context) error {
			n, err := p.store.StoreMessages(ctx, batchID, batch)
			if err != nil {
				return err
			}
			accepted = n
			return nil
		}, p.retryConfig())

		result := BatchResult{Index: index, Size: len(batch), Accepted: accepted, Attempts: attempts}
		if err != nil {
			result.Err = apperrors.NewPersistenceError(fmt.Sprintf("batch %d", index), err)
			p.logger.WarnContext(ctx, "Batch could not be stored",
				"batch", index, "size", len(batch), "attempts", attempts, "error", err)
		} else {
			if accepted < len(batch) {
				p.logger.WarnContext(ctx, "Store rejected part of batch",
					"batch", index, "size", len(batch), "accepted", accepted)
			}
			p.logger.DebugContext(ctx, "Batch stored", "batch", index, "size", len(batch), "attempts", attempts)
		}
		p.observer(p.store.Name(), "messages", result.OK())
		report.Batches = append(report.Batches, result)
	}

	p.logger.InfoContext(ctx, "Records persisted",
		"records", len(records),
		"batches", len(report.Batches),
		"failed_batches", len(report.Failed()),
		"accepted", report.Accepted())
	return report
}

// PersistStats submits the statistics document.
func (p *Persister) PersistStats(ctx context.Context, stats model.AggregateStats) Report {
	attempts, err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		return p.store.StoreStats(ctx, stats)
	}, p.retryConfig())

	result := BatchResult{Index: 0, Size: 1, Attempts: attempts}
	if err != nil {
		result.Err = apperrors.NewPersistenceError("stats document", err)
		p.logger.WarnContext(ctx, "Stats document could not be stored", "run_id", stats.RunID, "attempts", attempts, "error", err)
	} else {
		result.Accepted = 1
		p.logger.InfoContext(ctx, "Stats document stored", "run_id", stats.RunID)
	}
	p.observer(p.store.Name(), "stats", result.OK())
	return Report{Store: p.store.Name(), Batches: []BatchResult{result}}
}

// Close closes the underlying store.
func (p *Persister) Close(ctx context.Context) error {
	return p.store.Close(ctx)
}
