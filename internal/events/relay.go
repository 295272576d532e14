package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"missionline/internal/domain"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
)

// Outbox is the read side of the event log the relay drains.
type Outbox interface {
	UnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error)
	MarkEventsPublished(ctx context.Context, ids []int64, at time.Time) error
}

// Publisher delivers a batch of events to one sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, batch []domain.Event) error
}

// Message is the wire shape every sink receives.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	MissionID  string          `json:"mission_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func NewMessage(evt domain.Event) Message {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	return Message{
		ID:         evt.ID,
		Type:       evt.Type,
		MissionID:  evt.MissionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

// Relay moves committed events to the configured sinks. Delivery is at least
// once: a batch is marked published only after every sink accepted it.
type Relay struct {
	logger     *slog.Logger
	outbox     Outbox
	publishers []Publisher
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

func NewRelay(logger *slog.Logger, outbox Outbox, publishers []Publisher, interval time.Duration) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	return &Relay{
		logger:     logger,
		outbox:     outbox,
		publishers: publishers,
		interval:   interval,
		batchSize:  defaultRelayBatch,
		now:        time.Now,
	}
}

// Run executes the relay loop until context cancellation.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "event relay iteration failed",
				"module", "events.relay",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce publishes one batch and reports how many events it marked.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	if len(r.publishers) == 0 {
		return 0, nil
	}
	batch, err := r.outbox.UnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	for _, p := range r.publishers {
		if err := p.Publish(ctx, batch); err != nil {
			r.logger.WarnContext(ctx, "event publish failed; batch will be retried",
				"module", "events.relay",
				"operation", "publish",
				"outcome", "failure",
				"sink", p.Name(),
				"batch_size", len(batch),
				"error", err,
			)
			return 0, err
		}
	}
	ids := make([]int64, 0, len(batch))
	for _, evt := range batch {
		ids = append(ids, evt.ID)
	}
	if err := r.outbox.MarkEventsPublished(ctx, ids, r.now().UTC()); err != nil {
		return 0, err
	}
	r.logger.InfoContext(ctx, "event batch relayed",
		"module", "events.relay",
		"operation", "process_once",
		"outcome", "success",
		"batch_size", len(batch),
		"sinks", len(r.publishers),
	)
	return len(batch), nil
}
