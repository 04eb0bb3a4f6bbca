package notify_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/collector"
	apperrors "github.com/edgard/tgcollector/internal/errors"
	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/notify"
	"github.com/edgard/tgcollector/internal/persist"
)

func doneOutcome() collector.Outcome {
	return collector.Outcome{
		RunID:    "run-1",
		Account:  "+100",
		State:    collector.StateDone,
		Duration: 42 * time.Second,
		Stats: &model.AggregateStats{
			TotalGroups:     2,
			TotalMessages:   5,
			ActiveUsers:     2,
			TotalUsers:      3,
			FlaggedMessages: 1,
			KeywordCloud:    []model.KeywordCount{{Keyword: "scam", Count: 1}},
		},
		Skipped: []collector.SkippedConversation{{ChatID: 9}},
		Records: persist.Report{Batches: []persist.BatchResult{{Size: 5, Accepted: 5}, {Size: 1, Err: errors.New("x")}}},
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  collector.Outcome
		want []string
	}{
		{
			name: "done",
			out:  doneOutcome(),
			want: []string{
				"Collection finished for +100",
				"Run: run-1 (42s)",
				"messages: 5",
				"Users: 2 active of 3",
				"Keywords: scam (1)",
				"Skipped conversations: 1",
				"Failed batches: 1 of 2",
			},
		},
		{
			name: "failed",
			out: collector.Outcome{
				RunID:   "run-2",
				Account: "+100",
				State:   collector.StateFailed,
				Reason:  apperrors.CodeFetch,
				Err:     errors.New("connection refused"),
			},
			want: []string{"Collection failed for +100", "Reason: FETCH", "Error: connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := notify.Summary(tt.out)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

type telegramAPI struct {
	mu     sync.Mutex
	bodies []string
	paths  []string
}

func (a *telegramAPI) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.bodies = append(a.bodies, string(body))
	a.paths = append(a.paths, r.URL.Path)
	a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100,"type":"group"}}}`))
}

func TestTelegramNotifierReport(t *testing.T) {
	t.Parallel()

	api := &telegramAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	n, err := notify.NewTelegramNotifier("123456:test-token", -100, nil, bot.WithServerURL(srv.URL))
	require.NoError(t, err)

	require.NoError(t, n.Report(context.Background(), doneOutcome()))
	require.NoError(t, n.Report(context.Background(), collector.Outcome{State: collector.StateFailed, Reason: apperrors.CodeLockBusy}))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.paths, 1, "busy sessions are not reported")
	assert.True(t, strings.HasSuffix(api.paths[0], "/sendMessage"))
	assert.Contains(t, api.bodies[0], "Collection finished for +100")
}

func TestNewTelegramNotifierRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := notify.NewTelegramNotifier("", 1, nil)
	require.Error(t, err)
}
