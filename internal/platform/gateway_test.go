package platform_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/platform"
)

func newClient(t *testing.T, h http.HandlerFunc) *platform.GatewayClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := platform.NewGatewayClient(platform.GatewayConfig{
		BaseURL: srv.URL,
		Token:   "secret",
		RPS:     1000,
		Burst:   100,
	}, "+15550001", nil)
	require.NoError(t, err)
	return c
}

func TestGatewayDialogs(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/+15550001/dialogs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		_ = json.NewEncoder(w).Encode(platform.DialogPage{
			Dialogs:    []platform.Dialog{{ID: 7, Title: "A", Kind: model.KindGroup}},
			NextCursor: "",
		})
	})

	page, err := c.Dialogs(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, page.Dialogs, 1)
	assert.Equal(t, int64(7), page.Dialogs[0].ID)
	assert.Empty(t, page.NextCursor)
}

func TestGatewayHistoryQuery(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/+15550001/chats/42/messages", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("offset_id"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"messages":[{"id":99,"text":"hi","media":{"kind":"photo"}}]}`))
	})

	msgs, err := c.History(context.Background(), 42, 100, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "photo", msgs[0].MediaKind())
	assert.False(t, msgs[0].IsService())
}

func TestGatewayErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		header    string
		body      string
		wantWait  time.Duration
		limited   bool
		transient bool
	}{
		{name: "429 with header", status: http.StatusTooManyRequests, header: "2", wantWait: 2 * time.Second, limited: true},
		{name: "flood wait body", status: 420, body: `{"error":"FLOOD_WAIT","retry_after":30}`, wantWait: 30 * time.Second, limited: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "client error", status: http.StatusForbidden, body: `{"error":"CHANNEL_PRIVATE"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Participants(context.Background(), 1, 0, 200)
			require.Error(t, err)

			rl, ok := platform.AsRateLimited(err)
			assert.Equal(t, tt.limited, ok)
			if ok {
				assert.Equal(t, tt.wantWait, rl.RetryAfter)
			}
			assert.Equal(t, tt.transient, errors.Is(err, platform.ErrTransient))
		})
	}
}
