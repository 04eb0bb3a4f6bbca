package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/edgard/tgcollector/internal/model"
)

func TestToMessageDocument(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sender := int64(7)

	tests := []struct {
		name          string
		msg           model.RawMessage
		wantType      string
		wantMediaType string
		wantSender    bool
	}{
		{
			name:     "text message",
			msg:      model.RawMessage{MessageID: 1, ChatID: 2, ChatKind: model.KindGroup, Media: model.MediaNone},
			wantType: "text",
		},
		{
			name:          "photo from a sender",
			msg:           model.RawMessage{MessageID: 1, ChatID: 2, ChatKind: model.KindChannel, Media: model.MediaPhoto, SenderID: &sender},
			wantType:      "photo",
			wantMediaType: "photo",
			wantSender:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doc := toMessageDocument(tt.msg, now)
			assert.Equal(t, tt.wantType, doc.MessageType)
			assert.Equal(t, tt.wantMediaType, doc.MediaType)
			assert.NotNil(t, doc.SuspiciousKeywords)

			raw, err := bson.Marshal(doc)
			require.NoError(t, err)
			var decoded bson.M
			require.NoError(t, bson.Unmarshal(raw, &decoded))

			assert.Equal(t, string(tt.msg.ChatKind), decoded["chatType"])
			assert.Equal(t, int64(1), decoded["messageId"])
			_, hasMediaType := decoded["mediaType"]
			assert.Equal(t, tt.wantMediaType != "", hasMediaType)
			if tt.wantSender {
				assert.Equal(t, sender, decoded["senderId"])
			} else {
				assert.Nil(t, decoded["senderId"])
			}
		})
	}
}

func TestMessageKey(t *testing.T) {
	t.Parallel()

	key := messageKey(model.RawMessage{ChatID: 2, MessageID: 1, BatchID: "run-1"})
	assert.Equal(t, bson.D{
		{Key: "chatId", Value: int64(2)},
		{Key: "messageId", Value: int64(1)},
		{Key: "collectionBatch", Value: "run-1"},
	}, key)
}
