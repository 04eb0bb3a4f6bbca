// Package notify posts collection summaries to an operator chat through a
// Telegram bot.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot"

	"github.com/edgard/tgcollector/internal/collector"
	apperrors "github.com/edgard/tgcollector/internal/errors"
)

// TelegramNotifier implements collector.Reporter.
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID int64
	logger *slog.Logger
}

// NewTelegramNotifier creates the bot client. It does not contact Telegram
// until the first summary is sent.
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger, opts ...bot.Option) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "telegram_notifier")

	b, err := bot.New(token, append([]bot.Option{bot.WithSkipGetMe()}, opts...)...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramNotifier{bot: b, chatID: chatID, logger: log}, nil
}

// Report sends the summary of out. Busy sessions are routine and are not
// reported.
func (n *TelegramNotifier) Report(ctx context.Context, out collector.Outcome) error {
	if out.Reason == apperrors.CodeLockBusy {
		return nil
	}
	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   Summary(out),
	})
	if err != nil {
		return fmt.Errorf("failed to send run summary: %w", err)
	}
	n.logger.DebugContext(ctx, "Run summary sent", "account", out.Account, "run_id", out.RunID)
	return nil
}

// Summary renders out as a short plain-text message.
func Summary(out collector.Outcome) string {
	var b strings.Builder
	if !out.OK() {
		fmt.Fprintf(&b, "Collection failed for %s\n", out.Account)
		fmt.Fprintf(&b, "Run: %s\nReason: %s\n", out.RunID, out.Reason)
		if out.Err != nil {
			fmt.Fprintf(&b, "Error: %v\n", out.Err)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Collection finished for %s\n", out.Account)
	fmt.Fprintf(&b, "Run: %s (%s)\n", out.RunID, out.Duration.Round(time.Second))
	if s := out.Stats; s != nil {
		fmt.Fprintf(&b, "Conversations: %d, messages: %d, media: %d\n", s.TotalGroups, s.TotalMessages, s.TotalMediaFiles)
		fmt.Fprintf(&b, "Users: %d active of %d\n", s.ActiveUsers, s.TotalUsers)
		fmt.Fprintf(&b, "Flagged messages: %d\n", s.FlaggedMessages)
		if len(s.KeywordCloud) > 0 {
			keywords := make([]string, 0, len(s.KeywordCloud))
			for _, k := range s.KeywordCloud {
				keywords = append(keywords, fmt.Sprintf("%s (%d)", k.Keyword, k.Count))
			}
			fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(keywords, ", "))
		}
	}
	if len(out.Skipped) > 0 {
		fmt.Fprintf(&b, "Skipped conversations: %d\n", len(out.Skipped))
	}
	if failed := len(out.Records.Failed()); failed > 0 {
		fmt.Fprintf(&b, "Failed batches: %d of %d\n", failed, len(out.Records.Batches))
	}
	if !out.StatsReport.Succeeded() {
		b.WriteString("Statistics document not stored\n")
	}
	return b.String()
}
