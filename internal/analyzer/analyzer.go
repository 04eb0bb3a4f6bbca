// Package analyzer derives content signals from message text: word count,
// URL, hashtag and mention presence, suspicious keywords and a risk score.
// Everything here is pure and deterministic.
package analyzer

import (
	"regexp"
	"strings"

	"github.com/edgard/tgcollector/internal/model"
)

const (
	// MaxRiskScore caps the risk score.
	MaxRiskScore = 10
	// FlagThreshold is the score from which a message is flagged.
	FlagThreshold = 5

	keywordWeight = 2
	urlWeight     = 1
)

// Keywords is the fixed suspicious vocabulary, matched case-insensitively
// as substrings of the message text.
var Keywords = []string{
	"scam", "fraud", "fake", "phishing", "hack", "steal",
	"bitcoin", "crypto", "investment", "profit", "money back",
	"guaranteed", "risk-free", "get rich", "click here", "urgent",
	"limited time", "act now", "free money", "loan", "credit repair",
	"debt relief", "casino", "gambling", "lottery", "winner",
}

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	hashtagPattern = regexp.MustCompile(`#\w+`)
	mentionPattern = regexp.MustCompile(`@\w+`)
)

// Analyze computes the content analysis of text. Empty text yields the zero
// analysis.
func Analyze(text string) model.ContentAnalysis {
	analysis := model.ContentAnalysis{Keywords: []string{}}
	if text == "" {
		return analysis
	}

	lower := strings.ToLower(text)
	for _, kw := range Keywords {
		if strings.Contains(lower, kw) {
			analysis.Keywords = append(analysis.Keywords, kw)
		}
	}

	analysis.WordCount = len(strings.Fields(text))
	analysis.HasURL = urlPattern.MatchString(text)
	analysis.HasHashtag = hashtagPattern.MatchString(text)
	analysis.HasMention = mentionPattern.MatchString(text)
	analysis.RiskScore = RiskScore(len(analysis.Keywords), analysis.HasURL)
	analysis.Flagged = analysis.RiskScore >= FlagThreshold
	return analysis
}

// RiskScore returns min(10, 2*keywords + 1 if hasURL).
func RiskScore(keywords int, hasURL bool) int {
	score := keywordWeight * keywords
	if hasURL {
		score += urlWeight
	}
	return min(score, MaxRiskScore)
}

// ClassifyMedia maps a platform attachment to a media kind. kind is the
// platform's attachment class ("" for none, "photo", "document", ...) and
// mimeType is only consulted for documents.
func ClassifyMedia(kind, mimeType string) model.MediaKind {
	switch strings.ToLower(kind) {
	case "":
		return model.MediaNone
	case "photo":
		return model.MediaPhoto
	case "document":
		mime := strings.ToLower(mimeType)
		switch {
		case strings.Contains(mime, "video"):
			return model.MediaVideo
		case strings.Contains(mime, "audio"):
			return model.MediaAudio
		default:
			return model.MediaDocument
		}
	default:
		return model.MediaOther
	}
}
