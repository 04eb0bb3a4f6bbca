// Package model defines the records produced by a collection run: the
// conversations and participants enumerated from the platform, the analyzed
// raw messages, and the aggregate statistics document.
package model

import (
	"encoding/json"
	"time"
)

// ConversationKind classifies a conversation on the platform.
type ConversationKind string

const (
	KindGroup   ConversationKind = "group"
	KindChannel ConversationKind = "channel"
	KindDirect  ConversationKind = "private"
)

// MediaKind classifies the attachment of a message.
type MediaKind string

const (
	MediaNone     MediaKind = "none"
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaOther    MediaKind = "other"
)

// MessageType returns the backend message type: "text" for messages without
// media, the media kind otherwise.
func (k MediaKind) MessageType() string {
	if k == MediaNone || k == "" {
		return "text"
	}
	return string(k)
}

// Conversation is a chat the account can read. It is enumerated once per run.
type Conversation struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Username    string           `json:"username,omitempty"`
	Kind        ConversationKind `json:"kind"`
	IsBot       bool             `json:"isBot,omitempty"` // direct chat whose peer is a bot
	MemberCount int              `json:"memberCount,omitempty"`
}

// IsGroupLike reports whether the conversation is a group or a channel.
func (c Conversation) IsGroupLike() bool {
	return c.Kind == KindGroup || c.Kind == KindChannel
}

// Participant is a member of a conversation.
type Participant struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	IsBot     bool   `json:"isBot,omitempty"`
}

// ContentAnalysis holds the content signals derived from a message text.
type ContentAnalysis struct {
	WordCount  int      `json:"wordCount"`
	HasURL     bool     `json:"containsUrls"`
	HasHashtag bool     `json:"containsHashtags"`
	HasMention bool     `json:"containsMentions"`
	Keywords   []string `json:"suspiciousKeywords"`
	RiskScore  int      `json:"riskScore"`
	Flagged    bool     `json:"isFlagged"`
}

// RawMessage is one analyzed message from the collection window.
type RawMessage struct {
	MessageID       int64            `json:"messageId"`
	ChatID          int64            `json:"chatId"`
	ChatTitle       string           `json:"chatName"`
	ChatKind        ConversationKind `json:"chatType"`
	SenderID        *int64           `json:"senderId"`
	SenderUsername  string           `json:"senderUsername,omitempty"`
	SenderFirstName string           `json:"senderFirstName,omitempty"`
	SenderLastName  string           `json:"senderLastName,omitempty"`
	SenderIsBot     bool             `json:"senderIsBot"`
	Text            string           `json:"messageText"`
	Media           MediaKind        `json:"mediaType"`
	SentAt          time.Time        `json:"timestamp"`
	EditedAt        *time.Time       `json:"editedTimestamp,omitempty"`
	Views           int              `json:"views"`
	Forwards        int              `json:"forwards"`
	Replies         int              `json:"replies"`
	ContentAnalysis
	BatchID string `json:"collectionBatch"`
	Account string `json:"phone"`
}

// HasMedia reports whether the message carries an attachment.
func (m RawMessage) HasMedia() bool {
	return m.Media != MediaNone && m.Media != ""
}

// MarshalJSON adds the derived messageType and hasMedia fields expected by
// the backend.
func (m RawMessage) MarshalJSON() ([]byte, error) {
	type alias RawMessage
	return json.Marshal(struct {
		alias
		MessageType string `json:"messageType"`
		HasMedia    bool   `json:"hasMedia"`
	}{
		alias:       alias(m),
		MessageType: m.Media.MessageType(),
		HasMedia:    m.HasMedia(),
	})
}

// SenderCount is an entry of the top senders list.
type SenderCount struct {
	UserID       int64  `json:"userId"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// GroupCount is an entry of the top conversations list.
type GroupCount struct {
	GroupID      int64  `json:"groupId"`
	Title        string `json:"title"`
	Username     string `json:"username,omitempty"`
	MessageCount int    `json:"messageCount"`
	MemberCount  int    `json:"memberCount"`
	IsChannel    bool   `json:"isChannel"`
}

// SenderReach is an entry of the senders ranked by number of distinct
// conversations they posted in.
type SenderReach struct {
	UserID     int64  `json:"userId"`
	Username   string `json:"username,omitempty"`
	GroupCount int    `json:"groupCount"`
}

// KeywordCount is an entry of the suspicious keyword frequency list.
type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// Window is the collection period of a run.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the window length in days, never less than one.
func (w Window) Days() float64 {
	d := w.End.Sub(w.Start).Hours() / 24
	if d < 1 {
		return 1
	}
	return d
}

// AggregateStats is the per-run statistics document.
type AggregateStats struct {
	RunID              string         `json:"collectionBatch"`
	Account            string         `json:"phone"`
	TotalGroups        int            `json:"totalGroups"`
	TotalUsers         int            `json:"totalUsers"`
	ActiveUsers        int            `json:"activeUsers"`
	TotalMessages      int            `json:"totalMessages"`
	TotalMediaFiles    int            `json:"totalMediaFiles"`
	FlaggedMessages    int            `json:"flaggedMessages"`
	MessageRate        float64        `json:"messageRate"`
	RateChange         float64        `json:"rateChange"`
	GroupPropagation   float64        `json:"groupPropagation"`
	AvgViewsPerMessage float64        `json:"avgViewsPerMessage"` // messages per conversation
	MostActiveUsers    []SenderCount  `json:"mostActiveUsers"`
	MostActiveGroups   []GroupCount   `json:"mostActiveGroups"`
	TopUsersByGroups   []SenderReach  `json:"topUsersByGroups"`
	KeywordCloud       []KeywordCount `json:"keywordCloud"`
	Period             Window         `json:"collectionPeriod"`
	CollectedAt        time.Time      `json:"timestamp"`
}
