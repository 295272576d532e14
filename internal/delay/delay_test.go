package delay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"missionline/internal/ports"
)

type memStore struct {
	mu   sync.Mutex
	keys map[string]bool
	set  map[string]float64
}

func newMemStore() *memStore {
	return &memStore{keys: map[string]bool{}, set: map[string]float64{}}
}

func (s *memStore) SetNX(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[key] {
		return false, nil
	}
	s.keys[key] = true
	return true, nil
}

func (s *memStore) ZAdd(_ context.Context, _ string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[member] = score
	return nil
}

func (s *memStore) ZRangeByScore(_ context.Context, _ string, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for m, score := range s.set {
		if score <= max {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.set[out[i]] < s.set[out[j]] })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ZRem(_ context.Context, _ string, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[member]; !ok {
		return false, nil
	}
	delete(s.set, member)
	return true, nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

func TestQStashPublishesWithDelayAndDedupe(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"messageId":"msg_1"}`))
	}))
	defer srv.Close()
	q, err := NewQStash(QStashConfig{Token: "qs", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	err = q.Schedule(context.Background(), ports.DelayedTask{
		URL:            "https://missions.example.com/api/track-order",
		Body:           ports.TrackCallback{OrderID: "m1"},
		Delay:          "3h",
		IdempotencyKey: "track-m1-1",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got.URL.Path != "/v2/publish/https://missions.example.com/api/track-order" {
		t.Fatalf("unexpected path %s", got.URL.Path)
	}
	if got.Header.Get("Upstash-Delay") != "3h" || got.Header.Get("Upstash-Deduplication-Id") != "track-m1-1" {
		t.Fatalf("unexpected headers %v", got.Header)
	}
	if got.Header.Get("Authorization") != "Bearer qs" {
		t.Fatalf("missing token")
	}
	if !strings.Contains(string(body), `"orderId":"m1"`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestQStashRejectsBadDelay(t *testing.T) {
	q, _ := NewQStash(QStashConfig{Token: "qs", BaseURL: "http://unused"})
	if err := q.Schedule(context.Background(), ports.DelayedTask{URL: "x", Delay: "soon"}); err == nil {
		t.Fatalf("expected delay error")
	}
}

func TestQStashSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusPaymentRequired)
	}))
	defer srv.Close()
	q, _ := NewQStash(QStashConfig{Token: "qs", BaseURL: srv.URL, HTTPClient: srv.Client()})
	err := q.Schedule(context.Background(), ports.DelayedTask{URL: "https://x", Delay: "1m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"orderId":"m1","phase":"ENROLLMENT_CLOSED"}`)
	token, err := Sign("next", "https://x/api/expire-enrollment", body, now)
	if err != nil {
		t.Fatal(err)
	}
	v := Verifier{CurrentKey: "current", NextKey: "next", Now: func() time.Time { return now }}
	if err := v.Verify(token, body, "https://x/api/expire-enrollment"); err != nil {
		t.Fatalf("rotated key should verify: %v", err)
	}
	if err := v.Verify(token, body, ""); err != nil {
		t.Fatalf("empty url skips subject: %v", err)
	}
	if err := v.Verify(token, []byte(`{"orderId":"m2"}`), ""); err == nil {
		t.Fatalf("tampered body must fail")
	}
	if err := v.Verify(token, body, "https://x/api/track-order"); err == nil {
		t.Fatalf("subject mismatch must fail")
	}
	if err := (Verifier{CurrentKey: "other", Now: v.Now}).Verify(token, body, ""); err == nil {
		t.Fatalf("unknown key must fail")
	}
	late := Verifier{CurrentKey: "next", Now: func() time.Time { return now.Add(time.Hour) }}
	if err := late.Verify(token, body, ""); err == nil {
		t.Fatalf("expired token must fail")
	}
	if err := v.Verify("", body, ""); err == nil {
		t.Fatalf("missing token must fail")
	}
}

func TestRedisQueueDedupesByKey(t *testing.T) {
	store := newMemStore()
	q := &RedisQueue{Store: store, Now: func() time.Time { return time.Unix(1000, 0) }}
	task := ports.DelayedTask{URL: "https://x/api/track-order", Body: map[string]string{"orderId": "m1"}, Delay: "1m", IdempotencyKey: "track-m1-1"}
	for i := 0; i < 3; i++ {
		if err := q.Schedule(context.Background(), task); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	if store.len() != 1 {
		t.Fatalf("expected one queued entry, got %d", store.len())
	}
	task.IdempotencyKey = ""
	_ = q.Schedule(context.Background(), task)
	_ = q.Schedule(context.Background(), task)
	if store.len() != 3 {
		t.Fatalf("unkeyed tasks are never deduped, got %d", store.len())
	}
}

func TestWorkerDeliversDueEntries(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	clock := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		v := Verifier{CurrentKey: "sig", Now: func() time.Time { return clock }}
		if err := v.Verify(r.Header.Get(SignatureHeader), b, "http://"+r.Host+r.URL.Path); err != nil {
			t.Errorf("bad signature: %v", err)
		}
		mu.Lock()
		received = append(received, string(b))
		mu.Unlock()
	}))
	defer srv.Close()

	store := newMemStore()
	q := &RedisQueue{Store: store, Now: func() time.Time { return clock }}
	w := &Worker{Queue: q, Client: srv.Client(), SigningKey: "sig"}
	ctx := context.Background()
	_ = q.Schedule(ctx, ports.DelayedTask{URL: srv.URL + "/api/expire-enrollment", Body: ports.PhaseCallback{OrderID: "m1", Phase: "ENROLLMENT_CLOSED"}, Delay: "24h"})
	_ = q.Schedule(ctx, ports.DelayedTask{URL: srv.URL + "/api/track-order", Body: ports.TrackCallback{OrderID: "m1"}, Delay: "1m"})

	n, err := w.ProcessOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing is due yet: %d %v", n, err)
	}
	clock = clock.Add(2 * time.Minute)
	if n, _ = w.ProcessOnce(ctx); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if len(received) != 1 || !strings.Contains(received[0], `"orderId":"m1"`) {
		t.Fatalf("unexpected deliveries %v", received)
	}
	if store.len() != 1 {
		t.Fatalf("phase callback should still be queued")
	}
}

func TestWorkerRetriesThenAbandons(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := time.Now()
	store := newMemStore()
	q := &RedisQueue{Store: store, Now: func() time.Time { return clock }}
	w := &Worker{Queue: q, Client: srv.Client(), MaxAttempts: 3}
	ctx := context.Background()
	_ = q.Schedule(ctx, ports.DelayedTask{URL: srv.URL, Body: map[string]int{"n": 1}, Delay: "0s"})

	for i := 0; i < 3; i++ {
		if _, err := w.ProcessOnce(ctx); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(time.Hour)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if store.len() != 0 {
		t.Fatalf("entry should be abandoned after max attempts")
	}
}

func TestParseDelay(t *testing.T) {
	for _, s := range []string{"24h", "1m", "90s", "3h"} {
		if _, err := ParseDelay(s); err != nil {
			t.Fatalf("ParseDelay(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "tomorrow", "-1m"} {
		if _, err := ParseDelay(s); err == nil {
			t.Fatalf("ParseDelay(%q) should fail", s)
		}
	}
}
