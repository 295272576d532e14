// Package delay schedules one-shot HTTP callbacks, either through QStash or
// through a Redis sorted set drained by an in-process worker.
package delay

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

	"missionline/internal/ports"
)

const defaultQStashURL = "https://qstash.upstash.io"

type QStashConfig struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// QStash publishes delayed messages to Upstash QStash.
type QStash struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qstash: status=%d body=%s", e.StatusCode, e.Body)
}

func NewQStash(cfg QStashConfig) (*QStash, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("qstash: token required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultQStashURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QStash{token: cfg.Token, baseURL: base, client: client, logger: logger}, nil
}

func (q *QStash) Schedule(ctx context.Context, task ports.DelayedTask) error {
	if _, err := ParseDelay(task.Delay); err != nil {
		return err
	}
	body, err := json.Marshal(task.Body)
	if err != nil {
		return fmt.Errorf("qstash: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/v2/publish/"+task.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+q.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Delay", task.Delay)
	if task.IdempotencyKey != "" {
		req.Header.Set("Upstash-Deduplication-Id", task.IdempotencyKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out struct {
		MessageID string `json:"messageId"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	q.logger.InfoContext(ctx, "callback scheduled",
		"module", "delay.qstash",
		"operation", "schedule",
		"outcome", "ok",
		"url", task.URL,
		"delay", task.Delay,
		"idempotency_key", task.IdempotencyKey,
		"message_id", out.MessageID,
	)
	return nil
}

// ParseDelay parses the compact unit strings used for delays ("3h", "1m").
func ParseDelay(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid delay %q: negative", s)
	}
	return d, nil
}
