// Package fetcher pages through platform listings while honouring the
// platform's throttling: a rate-limit answer makes the fetcher sleep for the
// requested time and repeat the same request, so pages are never skipped or
// repeated.
package fetcher

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/edgard/tgcollector/internal/analyzer"
	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/platform"
)

const (
	DefaultPageSize        = 100
	DefaultPace            = 2 * time.Second
	DefaultMaxThrottleWait = 2 * time.Hour
)

// Config tunes paging and throttling.
type Config struct {
	PageSize        int
	Pace            time.Duration
	MaxThrottleWait time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ConversationError reports that a conversation could not be fetched to the
// end. Items produced before the failure remain valid.
type ConversationError struct {
	ChatID int64
	Err    error
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("failed to fetch conversation %d: %v", e.ChatID, e.Err)
}

func (e *ConversationError) Unwrap() error { return e.Err }

// Fetcher wraps a platform.Client with paging and throttle handling.
type Fetcher struct {
	client     platform.Client
	cfg        Config
	logger     *slog.Logger
	sleep      SleepFunc
	onThrottle func(time.Duration)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSleep replaces the sleep used for throttle waits and pacing.
func WithSleep(fn SleepFunc) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// WithThrottleObserver registers a callback invoked before every throttle wait.
func WithThrottleObserver(fn func(time.Duration)) Option {
	return func(f *Fetcher) { f.onThrottle = fn }
}

// New creates a Fetcher.
func New(client platform.Client, cfg Config, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Pace < 0 {
		cfg.Pace = 0
	}
	if cfg.MaxThrottleWait <= 0 {
		cfg.MaxThrottleWait = DefaultMaxThrottleWait
	}

	f := &Fetcher{
		client:     client,
		cfg:        cfg,
		logger:     logger.With("component", "fetcher"),
		sleep:      sleepContext,
		onThrottle: func(time.Duration) {},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Conversations enumerates every conversation of the account.
func (f *Fetcher) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var (
		out    []model.Conversation
		cursor string
		seen   = make(map[int64]struct{})
	)
	for {
		page, err := throttled(ctx, f, func() (platform.DialogPage, error) {
			return f.client.Dialogs(ctx, cursor)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}

		for _, d := range page.Dialogs {
			if _, dup := seen[d.ID]; dup {
				continue
			}
			seen[d.ID] = struct{}{}
			out = append(out, model.Conversation{
				ID:          d.ID,
				Title:       d.Title,
				Username:    d.Username,
				Kind:        d.Kind,
				IsBot:       d.IsBot,
				MemberCount: d.MemberCount,
			})
		}

		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	f.logger.DebugContext(ctx, "Enumerated conversations", "count", len(out))
	return out, nil
}

// Messages yields the messages of conv sent at or after since, newest
// first, at most maxItems of them. Messages without text or attachment are
// skipped. A fetch failure other than throttling ends the sequence with a
// *ConversationError.
func (f *Fetcher) Messages(ctx context.Context, conv model.Conversation, since time.Time, maxItems int) iter.Seq2[model.RawMessage, error] {
	return func(yield func(model.RawMessage, error) bool) {
		var (
			offset   int64
			produced int
		)
		for produced < maxItems {
			limit := min(f.cfg.PageSize, maxItems-produced)
			page, err := throttled(ctx, f, func() ([]platform.Message, error) {
				return f.client.History(ctx, conv.ID, offset, limit)
			})
			if err != nil {
				yield(model.RawMessage{}, &ConversationError{ChatID: conv.ID, Err: err})
				return
			}
			f.logger.DebugContext(ctx, "Fetched history page",
				"chat_id", conv.ID, "offset_id", offset, "count", len(page))

			if len(page) == 0 {
				return
			}

			for _, m := range page {
				if m.Date.Before(since) {
					return
				}
				offset = m.ID
				if m.IsService() {
					continue
				}
				produced++
				if !yield(toRaw(conv, m), nil) {
					return
				}
				if produced >= maxItems {
					return
				}
			}

			if len(page) < limit {
				return
			}
		}
	}
}

// Participants lists the members of conv, deduplicated by id, bots excluded.
func (f *Fetcher) Participants(ctx context.Context, conv model.Conversation) ([]model.Participant, error) {
	var (
		out    []model.Participant
		offset int
		seen   = make(map[int64]struct{})
	)
	for {
		page, err := throttled(ctx, f, func() ([]platform.User, error) {
			return f.client.Participants(ctx, conv.ID, offset, f.cfg.PageSize)
		})
		if err != nil {
			return out, &ConversationError{ChatID: conv.ID, Err: err}
		}

		for _, u := range page {
			if u.IsBot {
				continue
			}
			if _, dup := seen[u.ID]; dup {
				continue
			}
			seen[u.ID] = struct{}{}
			out = append(out, model.Participant{
				ID:        u.ID,
				Username:  u.Username,
				FirstName: u.FirstName,
				LastName:  u.LastName,
			})
		}

		if len(page) < f.cfg.PageSize {
			return out, nil
		}
		offset += len(page)
	}
}

// Pace waits the configured delay between conversations.
func (f *Fetcher) Pace(ctx context.Context) error {
	if f.cfg.Pace == 0 {
		return nil
	}
	return f.sleep(ctx, f.cfg.Pace)
}

// throttled repeats op after every rate-limit answer, sleeping exactly the
// requested time. Waits longer than MaxThrottleWait are returned as errors.
func throttled[T any](ctx context.Context, f *Fetcher, op func() (T, error)) (T, error) {
	for {
		v, err := op()
		rl, ok := platform.AsRateLimited(err)
		if !ok {
			return v, err
		}

		if rl.RetryAfter > f.cfg.MaxThrottleWait {
			return v, fmt.Errorf("throttle wait %s exceeds limit %s: %w", rl.RetryAfter, f.cfg.MaxThrottleWait, err)
		}

		f.logger.WarnContext(ctx, "Platform throttled request, waiting", "retry_after", rl.RetryAfter)
		f.onThrottle(rl.RetryAfter)
		if err := f.sleep(ctx, rl.RetryAfter); err != nil {
			return v, err
		}
	}
}

func toRaw(conv model.Conversation, m platform.Message) model.RawMessage {
	raw := model.RawMessage{
		MessageID: m.ID,
		ChatID:    conv.ID,
		ChatTitle: conv.Title,
		ChatKind:  conv.Kind,
		Text:      m.Text,
		Media:     analyzer.ClassifyMedia(m.MediaKind(), m.MimeType()),
		SentAt:    m.Date.UTC(),
		Views:     m.Views,
		Forwards:  m.Forwards,
		Replies:   m.Replies,
	}
	if m.EditDate != nil {
		edited := m.EditDate.UTC()
		raw.EditedAt = &edited
	}
	if m.Sender != nil {
		id := m.Sender.ID
		raw.SenderID = &id
		raw.SenderUsername = m.Sender.Username
		raw.SenderFirstName = m.Sender.FirstName
		raw.SenderLastName = m.Sender.LastName
		raw.SenderIsBot = m.Sender.IsBot
	}
	return raw
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
