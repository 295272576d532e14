package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"missionline/internal/config"
	"missionline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs each matching event to an outbound URL.
type WebhookPublisher struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
}

func NewWebhookPublisher(hook config.WebhookConfig) *WebhookPublisher {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookPublisher{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

// WebhookPublishers builds one publisher per enabled hook.
func WebhookPublishers(hooks []config.WebhookConfig) []Publisher {
	var out []Publisher
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, NewWebhookPublisher(hook))
	}
	return out
}

func (p *WebhookPublisher) Name() string { return "webhook:" + p.hook.URL }

func (p *WebhookPublisher) Publish(ctx context.Context, batch []domain.Event) error {
	for _, evt := range batch {
		if !p.filter.match(evt.Type) {
			continue
		}
		if err := p.postEvent(ctx, evt); err != nil {
			return fmt.Errorf("deliver event %d to %s: %w", evt.ID, p.hook.URL, err)
		}
	}
	return nil
}

func (p *WebhookPublisher) postEvent(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewMessage(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionline-Event", evt.Type)
	req.Header.Set("X-Missionline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.MissionID != "" {
		req.Header.Set("X-Missionline-Mission", evt.MissionID)
	}
	if strings.TrimSpace(p.hook.Secret) != "" {
		req.Header.Set("X-Missionline-Secret", p.hook.Secret)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
