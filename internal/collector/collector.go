// Package collector runs one collection for one account: it takes the
// account's session lock, walks every conversation through the fetcher and
// analyzer into an accumulator, persists the records and statistics, and
// reports the outcome.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgard/tgcollector/internal/aggregate"
	"github.com/edgard/tgcollector/internal/analyzer"
	apperrors "github.com/edgard/tgcollector/internal/errors"
	"github.com/edgard/tgcollector/internal/fetcher"
	"github.com/edgard/tgcollector/internal/metrics"
	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/persist"
	"github.com/edgard/tgcollector/internal/platform"
	"github.com/edgard/tgcollector/internal/sessionlock"
)

const (
	DefaultWindow      = 7 * 24 * time.Hour
	DefaultGroupLimit  = 200
	DefaultDirectLimit = 100
)

// State is a step of a run.
type State string

const (
	StateIdle         State = "idle"
	StateLockAcquired State = "lock_acquired"
	StateEnumerating  State = "enumerating"
	StateCollecting   State = "collecting"
	StateAggregating  State = "aggregating"
	StatePersisting   State = "persisting"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// SkippedConversation is a conversation left out of a run after a fetch
// failure.
type SkippedConversation struct {
	ChatID int64  `json:"chatId"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Outcome is the result of a run.
type Outcome struct {
	RunID       string
	Account     string
	State       State
	Reason      string
	Err         error
	Stats       *model.AggregateStats
	Skipped     []SkippedConversation
	Excluded    int
	Records     persist.Report
	StatsReport persist.Report
	Duration    time.Duration
}

// OK reports whether the run reached Done.
func (o Outcome) OK() bool { return o.State == StateDone }

// Source opens the platform client of an account.
type Source func(ctx context.Context, account string) (platform.Client, error)

// Reporter is told about every finished run.
type Reporter interface {
	Report(ctx context.Context, out Outcome) error
}

// Config tunes a run.
type Config struct {
	Window      time.Duration
	GroupLimit  int
	DirectLimit int
	TopN        int
	Fetch       fetcher.Config
}

// Deps are the collaborators of a Collector.
type Deps struct {
	Locker    *sessionlock.Locker
	Source    Source
	Persister *persist.Persister
	Metrics   *metrics.Metrics
	Reporters []Reporter
	Logger    *slog.Logger
	// Now and Sleep default to the wall clock.
	Now      func() time.Time
	Sleep    fetcher.SleepFunc
	NewRunID func() string
}

// Collector runs collections. It holds no per-run state, so one Collector
// may run several accounts at once.
type Collector struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates a Collector.
func New(cfg Config, deps Deps) (*Collector, error) {
	if deps.Locker == nil {
		return nil, fmt.Errorf("locker cannot be nil")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("platform source cannot be nil")
	}
	if deps.Persister == nil {
		return nil, fmt.Errorf("persister cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.GroupLimit <= 0 {
		cfg.GroupLimit = DefaultGroupLimit
	}
	if cfg.DirectLimit <= 0 {
		cfg.DirectLimit = DefaultDirectLimit
	}
	if cfg.TopN <= 0 {
		cfg.TopN = aggregate.DefaultTopN
	}

	return &Collector{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("component", "collector"),
	}, nil
}

// Run performs one collection for account and reports its outcome.
func (c *Collector) Run(ctx context.Context, account string) Outcome {
	start := c.deps.Now()
	out := c.run(ctx, account)
	out.Duration = c.deps.Now().Sub(start)

	log := c.log.With("account", account, "run_id", out.RunID)
	if out.OK() {
		log.InfoContext(ctx, "Collection finished",
			"state", out.State,
			"messages", out.Stats.TotalMessages,
			"conversations", out.Stats.TotalGroups,
			"skipped", len(out.Skipped),
			"failed_batches", len(out.Records.Failed()),
			"duration", out.Duration)
	} else if apperrors.Recoverable(out.Err) {
		log.WarnContext(ctx, "Collection not started", "reason", out.Reason, "error", out.Err)
	} else {
		log.ErrorContext(ctx, "Collection failed", "reason", out.Reason, "error", out.Err)
	}

	if c.deps.Metrics != nil {
		messages := 0
		if out.Stats != nil {
			messages = out.Stats.TotalMessages
		}
		c.deps.Metrics.ObserveRun(account, string(out.State), out.Reason, messages, len(out.Skipped), out.Duration)
	}

	for _, r := range c.deps.Reporters {
		if err := r.Report(ctx, out); err != nil {
			log.WarnContext(ctx, "Failed to report outcome", "reporter", fmt.Sprintf("%T", r), "error", err)
		}
	}
	return out
}

func fail(out *Outcome, err error) {
	out.State = StateFailed
	out.Err = err
	out.Reason = apperrors.Code(err)
}

// run walks the state machine. The lock, once held, is released on every
// return path and after everything else.
func (c *Collector) run(ctx context.Context, account string) (out Outcome) {
	out = Outcome{RunID: c.deps.NewRunID(), Account: account, State: StateIdle}
	log := c.log.With("account", account, "run_id", out.RunID)

	lock, err := c.deps.Locker.Acquire(ctx, account)
	if err != nil {
		if errors.Is(err, sessionlock.ErrLockHeld) {
			fail(&out, apperrors.NewLockBusyError("session is held by another run", err))
		} else {
			fail(&out, apperrors.NewFatalInitError("failed to acquire session lock", err))
		}
		return out
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.ErrorContext(ctx, "Failed to release session lock", "error", err)
		}
	}()
	out.State = StateLockAcquired
	log.DebugContext(ctx, "Session lock acquired")

	client, err := c.deps.Source(ctx, account)
	if err != nil {
		fail(&out, apperrors.NewFatalInitError("failed to open platform client", err))
		return out
	}
	f := c.newFetcher(client)

	out.State = StateEnumerating
	convs, err := f.Conversations(ctx)
	if err != nil {
		fail(&out, apperrors.NewFetchError("failed to enumerate conversations", err))
		return out
	}
	log.InfoContext(ctx, "Conversations enumerated", "count", len(convs))

	now := c.deps.Now().UTC()
	window := model.Window{Start: now.Add(-c.cfg.Window), End: now}
	acc := aggregate.NewAccumulator(out.RunID, account, window,
		aggregate.WithTopN(c.cfg.TopN),
		aggregate.WithClock(c.deps.Now))

	out.State = StateCollecting
	var records []model.RawMessage
	visited := 0
	for _, conv := range convs {
		if conv.Kind == model.KindDirect && conv.IsBot {
			out.Excluded++
			continue
		}
		if visited > 0 {
			if err := f.Pace(ctx); err != nil {
				fail(&out, apperrors.NewFetchError("collection interrupted", err))
				return out
			}
		}
		visited++

		msgs, err := c.collectConversation(ctx, f, acc, conv, window, out.RunID, account)
		if err != nil && ctx.Err() != nil {
			fail(&out, apperrors.NewFetchError("collection interrupted", ctx.Err()))
			return out
		}
		records = append(records, msgs...)
		if err != nil {
			skipped := SkippedConversation{ChatID: conv.ID, Title: conv.Title, Reason: apperrors.CodeConversationFetch, Err: err}
			out.Skipped = append(out.Skipped, skipped)
			log.WarnContext(ctx, "Conversation fetch stopped early",
				"chat_id", conv.ID, "title", conv.Title, "kept", len(msgs), "error", err)
		}
	}

	out.State = StateAggregating
	stats := acc.Finalize()
	out.Stats = &stats

	out.State = StatePersisting
	out.Records = c.deps.Persister.PersistRecords(ctx, records)
	out.StatsReport = c.deps.Persister.PersistStats(ctx, stats)
	if !out.Records.Succeeded() {
		log.WarnContext(ctx, "No record batch was stored", "records", len(records))
	}

	out.State = StateDone
	return out
}

// collectConversation fetches one conversation and feeds it to the
// accumulator. When the history fails part way, the messages fetched so far
// are kept and returned together with the error.
func (c *Collector) collectConversation(
	ctx context.Context,
	f *fetcher.Fetcher,
	acc *aggregate.Accumulator,
	conv model.Conversation,
	window model.Window,
	runID, account string,
) ([]model.RawMessage, error) {
	limit := c.cfg.GroupLimit
	if conv.Kind == model.KindDirect {
		limit = c.cfg.DirectLimit
	}

	var (
		msgs     []model.RawMessage
		fetchErr error
	)
	for msg, err := range f.Messages(ctx, conv, window.Start, limit) {
		if err != nil {
			fetchErr = apperrors.NewConversationFetchError(fmt.Sprintf("conversation %d", conv.ID), err)
			break
		}
		msg.ContentAnalysis = analyzer.Analyze(msg.Text)
		msg.BatchID = runID
		msg.Account = account
		msgs = append(msgs, msg)
	}

	if fetchErr != nil && ctx.Err() != nil {
		return nil, fetchErr
	}

	var participants []model.Participant
	if conv.IsGroupLike() {
		var err error
		participants, err = f.Participants(ctx, conv)
		if err != nil {
			c.log.WarnContext(ctx, "Participant listing incomplete",
				"account", account, "chat_id", conv.ID, "listed", len(participants), "error", err)
		}
	}

	acc.AddConversation(conv, participants)
	for _, m := range msgs {
		acc.Ingest(m)
	}
	c.log.DebugContext(ctx, "Conversation collected",
		"account", account, "chat_id", conv.ID, "messages", len(msgs), "participants", len(participants))
	return msgs, fetchErr
}

func (c *Collector) newFetcher(client platform.Client) *fetcher.Fetcher {
	opts := []fetcher.Option{}
	if c.deps.Sleep != nil {
		opts = append(opts, fetcher.WithSleep(c.deps.Sleep))
	}
	if c.deps.Metrics != nil {
		opts = append(opts, fetcher.WithThrottleObserver(c.deps.Metrics.ObserveThrottle))
	}
	return fetcher.New(client, c.cfg.Fetch, c.deps.Logger, opts...)
}
