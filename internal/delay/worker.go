package delay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBatch       = 50
	defaultMaxAttempts = 5
	retryBase          = 10 * time.Second
)

// Worker drains due entries from a RedisQueue and POSTs them.
type Worker struct {
	Queue        *RedisQueue
	Client       *http.Client
	SigningKey   string
	MaxAttempts  int
	PollInterval time.Duration
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			w.Queue.logger().ErrorContext(ctx, "callback poll failed",
				"module", "delay.worker",
				"operation", "poll",
				"outcome", "error",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce delivers every entry due now and returns how many were
// delivered. An entry is claimed by removing it from the set; a worker that
// loses the removal skips it.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	q := w.Queue
	now := q.now()
	members, err := q.Store.ZRangeByScore(ctx, q.key(), float64(now.UnixMilli()), defaultBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, member := range members {
		claimed, err := q.Store.ZRem(ctx, q.key(), member)
		if err != nil {
			return delivered, err
		}
		if !claimed {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			q.logger().ErrorContext(ctx, "callback entry dropped",
				"module", "delay.worker",
				"operation", "decode",
				"outcome", "dropped",
				"error", err,
			)
			continue
		}
		if err := w.deliver(ctx, e, now); err != nil {
			w.retry(ctx, e, now, err)
			continue
		}
		delivered++
		q.logger().InfoContext(ctx, "callback delivered",
			"module", "delay.worker",
			"operation", "deliver",
			"outcome", "ok",
			"url", e.URL,
			"idempotency_key", e.Key,
			"attempts", e.Attempts+1,
		)
	}
	return delivered, nil
}

func (w *Worker) deliver(ctx context.Context, e entry, now time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(e.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.SigningKey != "" {
		sig, err := Sign(w.SigningKey, e.URL, e.Body, now)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, sig)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("callback status=%d body=%s", resp.StatusCode, b)
	}
	return nil
}

func (w *Worker) retry(ctx context.Context, e entry, now time.Time, cause error) {
	q := w.Queue
	limit := w.MaxAttempts
	if limit <= 0 {
		limit = defaultMaxAttempts
	}
	e.Attempts++
	if e.Attempts >= limit {
		q.logger().ErrorContext(ctx, "callback abandoned",
			"module", "delay.worker",
			"operation", "deliver",
			"outcome", "abandoned",
			"url", e.URL,
			"idempotency_key", e.Key,
			"attempts", e.Attempts,
			"error", cause,
		)
		return
	}
	backoff := retryBase << (e.Attempts - 1)
	if err := q.push(ctx, e, now.Add(backoff)); err != nil {
		q.logger().ErrorContext(ctx, "callback requeue failed",
			"module", "delay.worker",
			"operation", "requeue",
			"outcome", "error",
			"url", e.URL,
			"error", err,
		)
		return
	}
	q.logger().WarnContext(ctx, "callback delivery failed; retrying",
		"module", "delay.worker",
		"operation", "deliver",
		"outcome", "retry",
		"url", e.URL,
		"attempts", e.Attempts,
		"retry_in", backoff.String(),
		"error", cause,
	)
}
