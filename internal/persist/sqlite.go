package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/tgcollector/internal/model"
)

// messageRow is the collected_messages row of a record.
type messageRow struct {
	BatchID            string        `db:"batch_id"`
	Account            string        `db:"account"`
	ChatID             int64         `db:"chat_id"`
	MessageID          int64         `db:"message_id"`
	ChatName           string        `db:"chat_name"`
	ChatType           string        `db:"chat_type"`
	SenderID           sql.NullInt64 `db:"sender_id"`
	SenderUsername     string        `db:"sender_username"`
	SenderFirstName    string        `db:"sender_first_name"`
	SenderLastName     string        `db:"sender_last_name"`
	SenderIsBot        bool          `db:"sender_is_bot"`
	MessageText        string        `db:"message_text"`
	MessageType        string        `db:"message_type"`
	HasMedia           bool          `db:"has_media"`
	SentAt             int64         `db:"sent_at"`
	EditedAt           sql.NullInt64 `db:"edited_at"`
	Views              int           `db:"views"`
	Forwards           int           `db:"forwards"`
	Replies            int           `db:"replies"`
	WordCount          int           `db:"word_count"`
	ContainsURLs       bool          `db:"contains_urls"`
	ContainsHashtags   bool          `db:"contains_hashtags"`
	ContainsMentions   bool          `db:"contains_mentions"`
	SuspiciousKeywords string        `db:"suspicious_keywords"`
	RiskScore          int           `db:"risk_score"`
	IsFlagged          bool          `db:"is_flagged"`
	StoredAt           int64         `db:"stored_at"`
}

func toMessageRow(m model.RawMessage, storedAt time.Time) messageRow {
	row := messageRow{
		BatchID:            m.BatchID,
		Account:            m.Account,
		ChatID:             m.ChatID,
		MessageID:          m.MessageID,
		ChatName:           m.ChatTitle,
		ChatType:           string(m.ChatKind),
		SenderUsername:     m.SenderUsername,
		SenderFirstName:    m.SenderFirstName,
		SenderLastName:     m.SenderLastName,
		SenderIsBot:        m.SenderIsBot,
		MessageText:        m.Text,
		MessageType:        m.Media.MessageType(),
		HasMedia:           m.HasMedia(),
		SentAt:             m.SentAt.UnixMilli(),
		Views:              m.Views,
		Forwards:           m.Forwards,
		Replies:            m.Replies,
		WordCount:          m.WordCount,
		ContainsURLs:       m.HasURL,
		ContainsHashtags:   m.HasHashtag,
		ContainsMentions:   m.HasMention,
		SuspiciousKeywords: strings.Join(m.Keywords, ","),
		RiskScore:          m.RiskScore,
		IsFlagged:          m.Flagged,
		StoredAt:           storedAt.UnixMilli(),
	}
	if m.SenderID != nil {
		row.SenderID = sql.NullInt64{Int64: *m.SenderID, Valid: true}
	}
	if m.EditedAt != nil {
		row.EditedAt = sql.NullInt64{Int64: m.EditedAt.UnixMilli(), Valid: true}
	}
	return row
}

// SQLiteStore writes records straight into the local state database.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLiteStore on a migrated database.
func NewSQLiteStore(db *sqlx.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "sqlite_store")}
}

// Name implements Store.
func (s *SQLiteStore) Name() string { return "sqlite" }

// StoreMessages implements Store. The whole batch is one transaction;
// records already present for the same batch are skipped and acknowledged.
func (s *SQLiteStore) StoreMessages(ctx context.Context, batchID string, msgs []model.RawMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rbErr)
			}
		}
	}()

	query := `
        INSERT INTO collected_messages (
            batch_id, account, chat_id, message_id, chat_name, chat_type,
            sender_id, sender_username, sender_first_name, sender_last_name, sender_is_bot,
            message_text, message_type, has_media, sent_at, edited_at,
            views, forwards, replies, word_count, contains_urls, contains_hashtags,
            contains_mentions, suspicious_keywords, risk_score, is_flagged, stored_at
        ) VALUES (
            :batch_id, :account, :chat_id, :message_id, :chat_name, :chat_type,
            :sender_id, :sender_username, :sender_first_name, :sender_last_name, :sender_is_bot,
            :message_text, :message_type, :has_media, :sent_at, :edited_at,
            :views, :forwards, :replies, :word_count, :contains_urls, :contains_hashtags,
            :contains_mentions, :suspicious_keywords, :risk_score, :is_flagged, :stored_at
        )
        ON CONFLICT (chat_id, message_id, batch_id) DO NOTHING;
    `
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, m := range msgs {
		res, err := stmt.ExecContext(ctx, toMessageRow(m, now))
		if err != nil {
			return 0, fmt.Errorf("failed to insert message %d of chat %d: %w", m.MessageID, m.ChatID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Batch written", "batch_id", batchID, "size", len(msgs), "inserted", inserted)
	return len(msgs), nil
}

// StoreStats implements Store. A second document for the same run replaces
// the first.
func (s *SQLiteStore) StoreStats(ctx context.Context, stats model.AggregateStats) error {
	doc, err := json.Marshal(stats)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode stats: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO collection_stats (
            run_id, account, total_groups, total_users, active_users, total_messages,
            period_start, period_end, collected_at, document
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (run_id) DO UPDATE SET
            total_groups   = excluded.total_groups,
            total_users    = excluded.total_users,
            active_users   = excluded.active_users,
            total_messages = excluded.total_messages,
            collected_at   = excluded.collected_at,
            document       = excluded.document;
    `,
		stats.RunID, stats.Account, stats.TotalGroups, stats.TotalUsers, stats.ActiveUsers, stats.TotalMessages,
		stats.Period.Start.UnixMilli(), stats.Period.End.UnixMilli(), stats.CollectedAt.UnixMilli(), string(doc))
	if err != nil {
		return fmt.Errorf("failed to store stats: %w", err)
	}
	return nil
}

// CountMessages returns the number of stored records of a batch.
func (s *SQLiteStore) CountMessages(ctx context.Context, batchID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM collected_messages WHERE batch_id = ?;`, batchID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// LatestStats returns the most recent statistics document of account.
func (s *SQLiteStore) LatestStats(ctx context.Context, account string) (*model.AggregateStats, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc,
		`SELECT document FROM collection_stats WHERE account = ? ORDER BY collected_at DESC LIMIT 1;`, account)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	var stats model.AggregateStats
	if err := json.Unmarshal([]byte(doc), &stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &stats, nil
}

// Close implements Store. The database belongs to the caller.
func (s *SQLiteStore) Close(context.Context) error { return nil }

var _ Store = (*SQLiteStore)(nil)
