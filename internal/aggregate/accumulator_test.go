package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/model"
)

var testWindow = model.Window{
	Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC),
}

func msg(chatID int64, sender *int64, media model.MediaKind) model.RawMessage {
	return model.RawMessage{
		ChatID:   chatID,
		ChatKind: model.KindGroup,
		SenderID: sender,
		Media:    media,
	}
}

func id(v int64) *int64 { return &v }

func TestFinalizeWithoutMessages(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator("run-1", "acct", testWindow)
	stats := acc.Finalize()

	assert.Equal(t, "run-1", stats.RunID)
	assert.Zero(t, stats.TotalGroups)
	assert.Zero(t, stats.TotalUsers)
	assert.Zero(t, stats.ActiveUsers)
	assert.Zero(t, stats.TotalMessages)
	assert.Zero(t, stats.TotalMediaFiles)
	assert.Zero(t, stats.MessageRate)
	assert.Zero(t, stats.GroupPropagation)
	assert.Zero(t, stats.AvgViewsPerMessage)
	assert.Empty(t, stats.MostActiveUsers)
	assert.Empty(t, stats.MostActiveGroups)
	assert.NotNil(t, stats.MostActiveUsers)
	assert.NotNil(t, stats.KeywordCloud)
}

func TestFinalizeTwoConversations(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator("run-1", "acct", testWindow)
	acc.AddConversation(model.Conversation{ID: 1, Title: "A", Kind: model.KindGroup}, []model.Participant{{ID: 10}, {ID: 20}, {ID: 30}})
	acc.AddConversation(model.Conversation{ID: 2, Title: "B", Kind: model.KindChannel}, nil)

	for i := 0; i < 3; i++ {
		acc.Ingest(msg(1, id(10), model.MediaNone))
	}
	acc.Ingest(msg(1, id(20), model.MediaPhoto))
	acc.Ingest(msg(1, id(20), model.MediaNone))

	stats := acc.Finalize()
	assert.Equal(t, 2, stats.TotalGroups)
	assert.Equal(t, 5, stats.TotalMessages)
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, 3, stats.TotalUsers)
	assert.Equal(t, 1, stats.TotalMediaFiles)
	assert.Equal(t, 50.0, stats.GroupPropagation)
	assert.Equal(t, 2.5, stats.AvgViewsPerMessage)
	assert.Equal(t, 0.71, stats.MessageRate)

	require.Len(t, stats.MostActiveUsers, 2)
	assert.Equal(t, int64(10), stats.MostActiveUsers[0].UserID)
	assert.Equal(t, 3, stats.MostActiveUsers[0].MessageCount)

	require.Len(t, stats.MostActiveGroups, 2)
	assert.Equal(t, "A", stats.MostActiveGroups[0].Title)
	assert.Equal(t, 3, stats.MostActiveGroups[0].MemberCount)
	assert.True(t, stats.MostActiveGroups[1].IsChannel)
}

func TestActiveUsersNeverExceedTotal(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator("run-1", "acct", testWindow)
	acc.AddConversation(model.Conversation{ID: 1}, []model.Participant{{ID: 10}, {ID: 99, IsBot: true}})
	acc.Ingest(msg(1, id(10), model.MediaNone))
	acc.Ingest(msg(1, id(11), model.MediaNone))
	acc.Ingest(msg(1, nil, model.MediaNone))

	stats := acc.Finalize()
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.LessOrEqual(t, stats.TotalMediaFiles, stats.TotalMessages)
}

func TestBotSendersAreNotUsers(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator("run-1", "acct", testWindow)
	acc.AddConversation(model.Conversation{ID: 1}, []model.Participant{{ID: 10}})
	acc.Ingest(msg(1, id(10), model.MediaNone))
	bot := msg(1, id(99), model.MediaNone)
	bot.SenderIsBot = true
	acc.Ingest(bot)
	acc.Ingest(bot)

	stats := acc.Finalize()
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 1, stats.TotalUsers)
	assert.Equal(t, 1, stats.ActiveUsers)
	require.NotEmpty(t, stats.MostActiveUsers)
	assert.Equal(t, int64(99), stats.MostActiveUsers[0].UserID, "bot messages still rank")
}

func TestTopUsersByGroupsAndKeywords(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator("run-1", "acct", testWindow, WithTopN(2))
	m := msg(1, id(10), model.MediaNone)
	m.Keywords = []string{"scam", "crypto"}
	acc.Ingest(m)
	m = msg(2, id(10), model.MediaNone)
	m.Keywords = []string{"crypto"}
	acc.Ingest(m)
	acc.Ingest(msg(3, id(20), model.MediaNone))

	stats := acc.Finalize()
	require.Len(t, stats.TopUsersByGroups, 2)
	assert.Equal(t, int64(10), stats.TopUsersByGroups[0].UserID)
	assert.Equal(t, 2, stats.TopUsersByGroups[0].GroupCount)

	require.Len(t, stats.KeywordCloud, 2)
	assert.Equal(t, model.KeywordCount{Keyword: "crypto", Count: 2}, stats.KeywordCloud[0])
	assert.Equal(t, model.KeywordCount{Keyword: "scam", Count: 1}, stats.KeywordCloud[1])
}

func TestTopN(t *testing.T) {
	t.Parallel()

	t.Run("bounded and ordered", func(t *testing.T) {
		t.Parallel()

		var candidates []Ranked[int]
		for i := 0; i < 25; i++ {
			candidates = append(candidates, Ranked[int]{Item: i, Count: i % 7, Seq: i})
		}
		got := TopN(candidates, DefaultTopN)
		require.Len(t, got, DefaultTopN)
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i-1].Count, got[i].Count)
		}
		assert.Equal(t, 6, got[0].Count)
		assert.Equal(t, 6, got[0].Item)
	})

	t.Run("eleventh sender evicts minimum", func(t *testing.T) {
		t.Parallel()

		var candidates []Ranked[string]
		for i := 0; i < 10; i++ {
			candidates = append(candidates, Ranked[string]{Item: string(rune('a' + i)), Count: 10 + i, Seq: i})
		}
		candidates = append(candidates, Ranked[string]{Item: "k", Count: 15, Seq: 10})

		got := TopN(candidates, 10)
		require.Len(t, got, 10)
		for _, r := range got {
			assert.NotEqual(t, "a", r.Item)
		}
		assert.Equal(t, "j", got[0].Item)
		// tie at 15: earlier encounter wins
		assert.Equal(t, "f", got[4].Item)
		assert.Equal(t, "k", got[5].Item)
	})

	t.Run("ties keep encounter order", func(t *testing.T) {
		t.Parallel()

		got := TopN([]Ranked[string]{
			{Item: "x", Count: 1, Seq: 0},
			{Item: "y", Count: 1, Seq: 1},
			{Item: "z", Count: 1, Seq: 2},
		}, 2)
		require.Len(t, got, 2)
		assert.Equal(t, "x", got[0].Item)
		assert.Equal(t, "y", got[1].Item)
	})

	t.Run("non positive size", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, TopN([]Ranked[int]{{Item: 1, Count: 1}}, 0))
	})
}
