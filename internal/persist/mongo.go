package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/edgard/tgcollector/internal/model"
)

const (
	messagesCollection = "telegrammessages"
	statsCollection    = "telegramstats"
)

// messageDocument is the Mongo shape of a record, field for field what the
// backend's own models use.
type messageDocument struct {
	MessageID          int64      `bson:"messageId"`
	ChatID             int64      `bson:"chatId"`
	ChatName           string     `bson:"chatName"`
	ChatType           string     `bson:"chatType"`
	SenderID           *int64     `bson:"senderId"`
	SenderUsername     string     `bson:"senderUsername,omitempty"`
	SenderFirstName    string     `bson:"senderFirstName,omitempty"`
	SenderLastName     string     `bson:"senderLastName,omitempty"`
	SenderIsBot        bool       `bson:"senderIsBot"`
	MessageText        string     `bson:"messageText"`
	MessageType        string     `bson:"messageType"`
	HasMedia           bool       `bson:"hasMedia"`
	MediaType          string     `bson:"mediaType,omitempty"`
	Timestamp          time.Time  `bson:"timestamp"`
	EditedTimestamp    *time.Time `bson:"editedTimestamp"`
	Views              int        `bson:"views"`
	Forwards           int        `bson:"forwards"`
	Replies            int        `bson:"replies"`
	WordCount          int        `bson:"wordCount"`
	ContainsURLs       bool       `bson:"containsUrls"`
	ContainsHashtags   bool       `bson:"containsHashtags"`
	ContainsMentions   bool       `bson:"containsMentions"`
	SuspiciousKeywords []string   `bson:"suspiciousKeywords"`
	RiskScore          int        `bson:"riskScore"`
	IsFlagged          bool       `bson:"isFlagged"`
	CollectionBatch    string     `bson:"collectionBatch"`
	Phone              string     `bson:"phone"`
	CreatedAt          time.Time  `bson:"createdAt"`
}

func toMessageDocument(m model.RawMessage, now time.Time) messageDocument {
	doc := messageDocument{
		MessageID:          m.MessageID,
		ChatID:             m.ChatID,
		ChatName:           m.ChatTitle,
		ChatType:           string(m.ChatKind),
		SenderID:           m.SenderID,
		SenderUsername:     m.SenderUsername,
		SenderFirstName:    m.SenderFirstName,
		SenderLastName:     m.SenderLastName,
		SenderIsBot:        m.SenderIsBot,
		MessageText:        m.Text,
		MessageType:        m.Media.MessageType(),
		HasMedia:           m.HasMedia(),
		Timestamp:          m.SentAt,
		EditedTimestamp:    m.EditedAt,
		Views:              m.Views,
		Forwards:           m.Forwards,
		Replies:            m.Replies,
		WordCount:          m.WordCount,
		ContainsURLs:       m.HasURL,
		ContainsHashtags:   m.HasHashtag,
		ContainsMentions:   m.HasMention,
		SuspiciousKeywords: m.Keywords,
		RiskScore:          m.RiskScore,
		IsFlagged:          m.Flagged,
		CollectionBatch:    m.BatchID,
		Phone:              m.Account,
		CreatedAt:          now,
	}
	if m.HasMedia() {
		doc.MediaType = string(m.Media)
	}
	if doc.SuspiciousKeywords == nil {
		doc.SuspiciousKeywords = []string{}
	}
	return doc
}

// messageKey identifies a record for upserts.
func messageKey(m model.RawMessage) bson.D {
	return bson.D{
		{Key: "chatId", Value: m.ChatID},
		{Key: "messageId", Value: m.MessageID},
		{Key: "collectionBatch", Value: m.BatchID},
	}
}

// MongoConfig configures the Mongo store.
type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// MongoStore writes records straight into the backend's Mongo database.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	stats    *mongo.Collection
	logger   *slog.Logger
}

// NewMongoStore connects to Mongo and ensures the de-duplication index.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *slog.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:   client,
		messages: db.Collection(messagesCollection),
		stats:    db.Collection(statsCollection),
		logger:   logger.With("component", "mongo_store"),
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chatId", Value: 1}, {Key: "messageId", Value: 1}, {Key: "collectionBatch", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("chat_message_batch"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create message index: %w", err)
	}

	s.logger.Info("Connected to mongo", "database", cfg.Database)
	return s, nil
}

// Name implements Store.
func (s *MongoStore) Name() string { return "mongo" }

// StoreMessages implements Store. Each record is upserted on its identity, so
// resubmitting a batch leaves the collection unchanged.
func (s *MongoStore) StoreMessages(ctx context.Context, batchID string, msgs []model.RawMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(msgs))
	for _, m := range msgs {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(messageKey(m)).
			SetUpdate(bson.D{{Key: "$setOnInsert", Value: toMessageDocument(m, now)}}).
			SetUpsert(true))
	}

	res, err := s.messages.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("failed to write batch %s: %w", batchID, err)
	}

	s.logger.DebugContext(ctx, "Batch written", "batch_id", batchID,
		"inserted", res.UpsertedCount, "existing", res.MatchedCount)
	return int(res.UpsertedCount + res.MatchedCount), nil
}

// StoreStats implements Store.
func (s *MongoStore) StoreStats(ctx context.Context, stats model.AggregateStats) error {
	doc := bson.M{
		"collectionBatch":    stats.RunID,
		"phone":              stats.Account,
		"totalGroups":        stats.TotalGroups,
		"activeUsers":        stats.ActiveUsers,
		"totalUsers":         stats.TotalUsers,
		"totalMessages":      stats.TotalMessages,
		"totalMediaFiles":    stats.TotalMediaFiles,
		"flaggedMessages":    stats.FlaggedMessages,
		"messageRate":        stats.MessageRate,
		"rateChange":         stats.RateChange,
		"groupPropagation":   stats.GroupPropagation,
		"avgViewsPerMessage": stats.AvgViewsPerMessage,
		"mostActiveUsers":    stats.MostActiveUsers,
		"mostActiveGroups":   stats.MostActiveGroups,
		"topUsersByGroups":   stats.TopUsersByGroups,
		"keywordCloud":       stats.KeywordCloud,
		"collectionPeriod":   bson.M{"start": stats.Period.Start, "end": stats.Period.End},
		"timestamp":          stats.CollectedAt,
	}

	_, err := s.stats.ReplaceOne(ctx,
		bson.D{{Key: "collectionBatch", Value: stats.RunID}},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write stats: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
