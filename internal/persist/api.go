package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/resilience"
)

const (
	storeMessagesPath = "/api/telegram/store-messages"
	storeStatsPath    = "/api/telegram/store-stats"
)

// APIConfig configures the backend HTTP store.
type APIConfig struct {
	BaseURL         string
	Token           string
	RequestTimeout  time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
	// OnBreakerChange is told whenever the breaker opens or closes.
	OnBreakerChange func(name string, open bool)
}

// APIStore submits records to the backend HTTP API behind a circuit breaker.
type APIStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
}

type storeMessagesRequest struct {
	Messages []model.RawMessage `json:"messages"`
}

type storeMessagesResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Stored  int    `json:"stored"`
	Errors  int    `json:"errors"`
	Total   int    `json:"total"`
}

type storeStatsResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Data    struct {
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
}

// NewAPIStore creates an APIStore.
func NewAPIStore(cfg APIConfig, logger *slog.Logger) (*APIStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base url cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	onChange := func(string, resilience.CircuitState, resilience.CircuitState) {}
	if cfg.OnBreakerChange != nil {
		onChange = func(name string, _, to resilience.CircuitState) {
			cfg.OnBreakerChange(name, to == resilience.StateOpen)
		}
	}

	return &APIStore{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "backend_api",
			MaxFailures:   cfg.BreakerFailures,
			Timeout:       cfg.RequestTimeout,
			ResetInterval: cfg.BreakerReset,
			IsFailure:     func(err error) bool { return !IsPermanent(err) },
			OnStateChange: onChange,
		}),
		logger: logger.With("component", "api_store"),
	}, nil
}

// Name implements Store.
func (s *APIStore) Name() string { return "api" }

// StoreMessages implements Store. Records the backend already holds are
// acknowledged by it and count as accepted.
func (s *APIStore) StoreMessages(ctx context.Context, batchID string, msgs []model.RawMessage) (int, error) {
	var resp storeMessagesResponse
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.post(ctx, storeMessagesPath, storeMessagesRequest{Messages: msgs}, &resp)
	})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("backend refused batch %s: %s", batchID, firstNonEmpty(resp.Error, resp.Message))
	}

	total := resp.Total
	if total == 0 {
		total = len(msgs)
	}
	accepted := total - resp.Errors
	if accepted <= 0 && len(msgs) > 0 {
		return 0, fmt.Errorf("backend stored none of %d records in batch %s", len(msgs), batchID)
	}
	s.logger.DebugContext(ctx, "Batch submitted", "batch_id", batchID, "stored", resp.Stored, "errors", resp.Errors, "total", resp.Total)
	return accepted, nil
}

// StoreStats implements Store.
func (s *APIStore) StoreStats(ctx context.Context, stats model.AggregateStats) error {
	var resp storeStatsResponse
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.post(ctx, storeStatsPath, stats, &resp)
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("backend refused stats document: %s", firstNonEmpty(resp.Error, resp.Message))
	}
	s.logger.DebugContext(ctx, "Stats submitted", "run_id", stats.RunID, "document_id", resp.Data.ID)
	return nil
}

// Close implements Store.
func (s *APIStore) Close(context.Context) error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *APIStore) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read backend response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 400:
		return Permanent(fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return Permanent(fmt.Errorf("failed to decode backend response: %w", err))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "no reason given"
}

var _ Store = (*APIStore)(nil)

// BreakerOpen reports whether err was caused by an open breaker.
func BreakerOpen(err error) bool {
	return errors.Is(err, resilience.ErrCircuitOpen)
}
