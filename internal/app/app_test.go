package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/app"
	"github.com/edgard/tgcollector/internal/collector"
	"github.com/edgard/tgcollector/internal/config"
)

func emptyGateway(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dialogs":[],"next_cursor":""}`))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Accounts: []config.AccountConfig{{ID: "+100"}, {ID: "+200"}},
		Platform: config.PlatformConfig{
			BaseURL:        emptyGateway(t),
			RPS:            100,
			Burst:          10,
			RequestTimeout: 5 * time.Second,
		},
		Fetch: config.FetchConfig{
			Window:          24 * time.Hour,
			GroupLimit:      10,
			DirectLimit:     10,
			MaxThrottleWait: time.Second,
			PageSize:        10,
		},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "state.db")},
		Persist: config.PersistConfig{
			Store:           config.StoreSQLite,
			DirectStore:     config.StoreSQLite,
			BatchSize:       10,
			MaxAttempts:     1,
			RequestTimeout:  time.Second,
			BreakerFailures: 1,
			BreakerReset:    time.Second,
		},
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	outcomes := a.RunOnce(ctx, []string{"+100", "+200"})
	require.Len(t, outcomes, 2)
	for i, account := range []string{"+100", "+200"} {
		assert.Equal(t, account, outcomes[i].Account)
		assert.Equal(t, collector.StateDone, outcomes[i].State, "reason %s: %v", outcomes[i].Reason, outcomes[i].Err)
		require.NotNil(t, outcomes[i].Stats)
		assert.Zero(t, outcomes[i].Stats.TotalMessages)

		marker, err := a.Locker().Inspect(ctx, account)
		require.NoError(t, err)
		assert.Nil(t, marker, "lock released after the run")
	}
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Persist.Store = "none"

	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
