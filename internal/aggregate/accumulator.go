// Package aggregate folds analyzed messages into the per-run statistics
// document. An Accumulator belongs to a single run and must only be used
// from one goroutine.
package aggregate

import (
	"math"
	"time"

	"github.com/edgard/tgcollector/internal/model"
)

// DefaultTopN is the size of every ranked list in the statistics document.
const DefaultTopN = 10

type conversationStats struct {
	conv  model.Conversation
	count int
	seq   int
}

type senderStats struct {
	sender model.SenderCount
	seq    int
	bot    bool
	convs  map[int64]struct{}
}

// Accumulator holds the running counters of one collection run.
type Accumulator struct {
	runID   string
	account string
	window  model.Window
	topN    int
	now     func() time.Time

	conversations map[int64]*conversationStats
	convSeq       int
	users         map[int64]struct{}
	senders       map[int64]*senderStats
	senderSeq     int
	keywords      map[string]*Ranked[string]
	keywordSeq    int

	totalMessages int
	totalMedia    int
	flagged       int
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithTopN overrides the ranked list size.
func WithTopN(n int) Option {
	return func(a *Accumulator) { a.topN = n }
}

// WithClock overrides the clock used to stamp the statistics document.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// NewAccumulator starts an empty accumulator for the given run.
func NewAccumulator(runID, account string, window model.Window, opts ...Option) *Accumulator {
	a := &Accumulator{
		runID:         runID,
		account:       account,
		window:        window,
		topN:          DefaultTopN,
		now:           time.Now,
		conversations: make(map[int64]*conversationStats),
		users:         make(map[int64]struct{}),
		senders:       make(map[int64]*senderStats),
		keywords:      make(map[string]*Ranked[string]),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddConversation registers a collected conversation and its participants.
// Bots are not counted as users.
func (a *Accumulator) AddConversation(conv model.Conversation, participants []model.Participant) {
	cs := a.conversation(conv)
	if conv.MemberCount == 0 && len(participants) > 0 {
		cs.conv.MemberCount = len(participants)
	}
	for _, p := range participants {
		if p.IsBot {
			continue
		}
		a.users[p.ID] = struct{}{}
	}
}

// Ingest folds one analyzed message into the counters.
func (a *Accumulator) Ingest(msg model.RawMessage) {
	a.totalMessages++
	if msg.HasMedia() {
		a.totalMedia++
	}
	if msg.Flagged {
		a.flagged++
	}

	cs := a.conversation(model.Conversation{ID: msg.ChatID, Title: msg.ChatTitle, Kind: msg.ChatKind})
	cs.count++

	for _, kw := range msg.Keywords {
		r, ok := a.keywords[kw]
		if !ok {
			r = &Ranked[string]{Item: kw, Seq: a.keywordSeq}
			a.keywordSeq++
			a.keywords[kw] = r
		}
		r.Count++
	}

	if msg.SenderID == nil {
		return
	}
	id := *msg.SenderID
	ss, ok := a.senders[id]
	if !ok {
		ss = &senderStats{
			sender: model.SenderCount{
				UserID:    id,
				Username:  msg.SenderUsername,
				FirstName: msg.SenderFirstName,
				LastName:  msg.SenderLastName,
			},
			seq:   a.senderSeq,
			bot:   msg.SenderIsBot,
			convs: make(map[int64]struct{}),
		}
		a.senderSeq++
		a.senders[id] = ss
	}
	ss.sender.MessageCount++
	ss.convs[msg.ChatID] = struct{}{}
	// A sender is a known user even when its conversation listing was
	// truncated. Bots are never users, as in the participant listings.
	if !msg.SenderIsBot {
		a.users[id] = struct{}{}
	}
}

func (a *Accumulator) activeUsers() int {
	n := 0
	for _, ss := range a.senders {
		if !ss.bot {
			n++
		}
	}
	return n
}

func (a *Accumulator) conversation(conv model.Conversation) *conversationStats {
	cs, ok := a.conversations[conv.ID]
	if !ok {
		cs = &conversationStats{conv: conv, seq: a.convSeq}
		a.convSeq++
		a.conversations[conv.ID] = cs
	}
	return cs
}

// Finalize computes the statistics document from the counters.
func (a *Accumulator) Finalize() model.AggregateStats {
	stats := model.AggregateStats{
		RunID:           a.runID,
		Account:         a.account,
		TotalGroups:     len(a.conversations),
		TotalUsers:      len(a.users),
		ActiveUsers:     a.activeUsers(),
		TotalMessages:   a.totalMessages,
		TotalMediaFiles: a.totalMedia,
		FlaggedMessages: a.flagged,
		MessageRate:     round2(float64(a.totalMessages) / a.window.Days()),
		Period:          a.window,
		CollectedAt:     a.now().UTC(),
	}

	withMessages := 0
	groups := make([]Ranked[model.GroupCount], 0, len(a.conversations))
	for _, cs := range a.conversations {
		if cs.count > 0 {
			withMessages++
		}
		groups = append(groups, Ranked[model.GroupCount]{
			Item: model.GroupCount{
				GroupID:      cs.conv.ID,
				Title:        cs.conv.Title,
				Username:     cs.conv.Username,
				MessageCount: cs.count,
				MemberCount:  cs.conv.MemberCount,
				IsChannel:    cs.conv.Kind == model.KindChannel,
			},
			Count: cs.count,
			Seq:   cs.seq,
		})
	}
	if n := len(a.conversations); n > 0 {
		stats.GroupPropagation = round2(float64(withMessages) / float64(n) * 100)
		stats.AvgViewsPerMessage = round2(float64(a.totalMessages) / float64(n))
	}

	senders := make([]Ranked[model.SenderCount], 0, len(a.senders))
	reach := make([]Ranked[model.SenderReach], 0, len(a.senders))
	for _, ss := range a.senders {
		senders = append(senders, Ranked[model.SenderCount]{Item: ss.sender, Count: ss.sender.MessageCount, Seq: ss.seq})
		reach = append(reach, Ranked[model.SenderReach]{
			Item:  model.SenderReach{UserID: ss.sender.UserID, Username: ss.sender.Username, GroupCount: len(ss.convs)},
			Count: len(ss.convs),
			Seq:   ss.seq,
		})
	}

	keywords := make([]Ranked[string], 0, len(a.keywords))
	for _, r := range a.keywords {
		keywords = append(keywords, *r)
	}

	stats.MostActiveUsers = items(TopN(senders, a.topN))
	stats.MostActiveGroups = items(TopN(groups, a.topN))
	stats.TopUsersByGroups = items(TopN(reach, a.topN))

	stats.KeywordCloud = make([]model.KeywordCount, 0, a.topN)
	for _, r := range TopN(keywords, a.topN) {
		stats.KeywordCloud = append(stats.KeywordCloud, model.KeywordCount{Keyword: r.Item, Count: r.Count})
	}

	return stats
}

func items[T any](ranked []Ranked[T]) []T {
	out := make([]T, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.Item)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
