package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"missionline/internal/config"
	"missionline/internal/domain"
)

type memOutbox struct {
	mu        sync.Mutex
	events    []domain.Event
	published map[int64]bool
}

func (o *memOutbox) UnpublishedEvents(_ context.Context, limit int) ([]domain.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.Event
	for _, e := range o.events {
		if o.published[e.ID] {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *memOutbox) MarkEventsPublished(_ context.Context, ids []int64, _ time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		o.published[id] = true
	}
	return nil
}

type recordingPublisher struct {
	fail    error
	batches [][]domain.Event
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(_ context.Context, batch []domain.Event) error {
	if p.fail != nil {
		return p.fail
	}
	p.batches = append(p.batches, batch)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEvents() []domain.Event {
	return []domain.Event{
		{ID: 1, TS: "2024-01-01T00:00:00Z", Type: "mission.created", MissionID: "m1", EntityKind: "mission", EntityID: "m1", ActorID: "admin", Payload: `{"status":"OPEN"}`},
		{ID: 2, TS: "2024-01-01T00:01:00Z", Type: "participant.enrolled", MissionID: "m1", EntityKind: "participant", EntityID: "u1", ActorID: "u1", Payload: `{}`},
	}
}

func TestRelayMarksAfterAllSinksAccept(t *testing.T) {
	outbox := &memOutbox{events: sampleEvents(), published: map[int64]bool{}}
	pub := &recordingPublisher{}
	relay := NewRelay(quietLogger(), outbox, []Publisher{pub}, time.Second)

	n, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 2 || len(pub.batches) != 1 || len(pub.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2, got n=%d batches=%v", n, pub.batches)
	}
	n, err = relay.ProcessOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing left, got n=%d err=%v", n, err)
	}
}

func TestRelayKeepsBatchOnFailure(t *testing.T) {
	outbox := &memOutbox{events: sampleEvents(), published: map[int64]bool{}}
	ok := &recordingPublisher{}
	broken := &recordingPublisher{fail: errors.New("broker down")}
	relay := NewRelay(quietLogger(), outbox, []Publisher{ok, broken}, time.Second)

	if _, err := relay.ProcessOnce(context.Background()); err == nil {
		t.Fatalf("expected publish error")
	}
	pending, _ := outbox.UnpublishedEvents(context.Background(), 10)
	if len(pending) != 2 {
		t.Fatalf("events must stay pending after failure, got %d", len(pending))
	}
}

func TestWebhookPublisherFiltersAndSigns(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Message
		secrets  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, msg)
		secrets = append(secrets, r.Header.Get("X-Missionline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(config.WebhookConfig{URL: srv.URL, Secret: "hook-secret", Events: []string{"participant.enrolled"}})
	if err := pub.Publish(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != "participant.enrolled" {
		t.Fatalf("expected only the filtered event, got %+v", received)
	}
	if secrets[0] != "hook-secret" {
		t.Fatalf("expected secret header, got %q", secrets[0])
	}
}

func TestWebhookPublisherSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	pub := NewWebhookPublisher(config.WebhookConfig{URL: srv.URL})
	if err := pub.Publish(context.Background(), sampleEvents()); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestWebhookPublishersSkipsDisabled(t *testing.T) {
	off := false
	pubs := WebhookPublishers([]config.WebhookConfig{
		{URL: "http://example.invalid/a"},
		{URL: "http://example.invalid/b", Enabled: &off},
		{URL: "  "},
	})
	if len(pubs) != 1 {
		t.Fatalf("expected one enabled publisher, got %d", len(pubs))
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublisherKeysByMission(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t"); err == nil {
		t.Fatalf("expected error without brokers")
	}
	fw := &fakeKafkaWriter{}
	pub := &KafkaPublisher{writer: fw, topic: "missionline.events"}
	if err := pub.Publish(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fw.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fw.msgs))
	}
	for _, m := range fw.msgs {
		if string(m.Key) != "m1" || m.Topic != "missionline.events" {
			t.Fatalf("unexpected message routing: key=%s topic=%s", m.Key, m.Topic)
		}
	}
	var decoded Message
	if err := json.Unmarshal(fw.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != "mission.created" || string(decoded.Payload) != `{"status":"OPEN"}` {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}
