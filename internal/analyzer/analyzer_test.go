package analyzer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgard/tgcollector/internal/analyzer"
	"github.com/edgard/tgcollector/internal/model"
)

func TestAnalyze(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		keywords []string
		words    int
		url      bool
		hashtag  bool
		mention  bool
		score    int
		flagged  bool
	}{
		{
			name:     "empty text",
			text:     "",
			keywords: []string{},
		},
		{
			name:     "plain text",
			text:     "see you tomorrow",
			keywords: []string{},
			words:    3,
		},
		{
			name:     "two keywords and url",
			text:     "Free bitcoin giveaway, click here: https://x.y",
			keywords: []string{"bitcoin", "click here"},
			words:    6,
			url:      true,
			score:    5,
			flagged:  true,
		},
		{
			name:     "keywords are case insensitive",
			text:     "URGENT: Casino WINNER",
			keywords: []string{"urgent", "casino", "winner"},
			words:    3,
			score:    6,
			flagged:  true,
		},
		{
			name:     "single keyword below threshold",
			text:     "crypto talk #defi with @alice",
			keywords: []string{"crypto"},
			words:    5,
			hashtag:  true,
			mention:  true,
			score:    2,
		},
		{
			name:     "url alone",
			text:     "docs at http://example.com",
			keywords: []string{},
			words:    3,
			url:      true,
			score:    1,
		},
		{
			name:     "score is capped",
			text:     "scam fraud fake phishing hack steal https://bad.example",
			keywords: []string{"scam", "fraud", "fake", "phishing", "hack", "steal"},
			words:    7,
			url:      true,
			score:    10,
			flagged:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := analyzer.Analyze(tt.text)
			assert.Equal(t, tt.keywords, got.Keywords)
			assert.Equal(t, tt.words, got.WordCount)
			assert.Equal(t, tt.url, got.HasURL)
			assert.Equal(t, tt.hashtag, got.HasHashtag)
			assert.Equal(t, tt.mention, got.HasMention)
			assert.Equal(t, tt.score, got.RiskScore)
			assert.Equal(t, tt.flagged, got.Flagged)
		})
	}
}

func TestRiskScoreMonotonic(t *testing.T) {
	t.Parallel()

	for k := 0; k < 12; k++ {
		base := analyzer.RiskScore(k, false)
		withURL := analyzer.RiskScore(k, true)
		next := analyzer.RiskScore(k+1, false)

		assert.GreaterOrEqual(t, withURL, base)
		assert.GreaterOrEqual(t, next, base)
		assert.LessOrEqual(t, withURL, analyzer.MaxRiskScore)
		assert.GreaterOrEqual(t, base, 0)
	}
}

func TestClassifyMedia(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind string
		mime string
		want model.MediaKind
	}{
		{"", "", model.MediaNone},
		{"photo", "", model.MediaPhoto},
		{"document", "video/mp4", model.MediaVideo},
		{"document", "audio/ogg", model.MediaAudio},
		{"document", "application/pdf", model.MediaDocument},
		{"document", "", model.MediaDocument},
		{"poll", "", model.MediaOther},
		{"geo", "", model.MediaOther},
	}

	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.mime, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, analyzer.ClassifyMedia(tt.kind, tt.mime))
		})
	}
}
