// Package discord posts mission briefings to a forum channel and keeps the
// thread's buttons, notices and tags in step with the mission lifecycle.
package discord

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
	"unicode/utf8"

	"missionline/internal/domain"
	"missionline/internal/ports"
)

const defaultBaseURL = "https://discord.com/api/v10"

const (
	componentActionRow = 1
	componentButton    = 2

	styleSuccess = 3
	stylePrimary = 1
	styleDanger  = 4
)

type Config struct {
	Token          string
	BaseURL        string
	ForumChannelID string
	// Tags maps mission status names to forum tag ids.
	Tags       map[string]string
	TestMode   bool
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	token      string
	baseURL    string
	forum      string
	tags       map[domain.MissionStatus]string
	testMode   bool
	httpClient *http.Client
	logger     *slog.Logger
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: status=%d body=%s", e.StatusCode, e.Body)
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord: token required")
	}
	if strings.TrimSpace(cfg.ForumChannelID) == "" {
		return nil, errors.New("discord: forum channel id required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	tags := map[domain.MissionStatus]string{}
	for name, id := range cfg.Tags {
		if strings.TrimSpace(id) == "" {
			continue
		}
		status := domain.MissionStatus(strings.ToUpper(name))
		if !status.Valid() {
			return nil, fmt.Errorf("discord: unknown status %q in tags", name)
		}
		tags[status] = id
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:      cfg.Token,
		baseURL:    base,
		forum:      cfg.ForumChannelID,
		tags:       tags,
		testMode:   cfg.TestMode,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type button struct {
	Type     int    `json:"type"`
	Style    int    `json:"style,omitempty"`
	Label    string `json:"label,omitempty"`
	CustomID string `json:"custom_id,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type actionRow struct {
	Type       int      `json:"type"`
	Components []button `json:"components"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Footer      *struct {
		Text string `json:"text"`
	} `json:"footer,omitempty"`
	Timestamp string `json:"timestamp"`
}

type message struct {
	Content    string      `json:"content,omitempty"`
	Embeds     []embed     `json:"embeds,omitempty"`
	Components []actionRow `json:"components,omitempty"`
}

// Button custom ids carry the action and the mission id.
func missionButtons(id string) []actionRow {
	return []actionRow{{
		Type: componentActionRow,
		Components: []button{
			{Type: componentButton, Style: styleSuccess, Label: "Accept Mission", CustomID: "accept_mission_" + id},
			{Type: componentButton, Style: stylePrimary, Label: "Submit Video", CustomID: "submit_mission_" + id},
			{Type: componentButton, Style: styleDanger, Label: "Deny", CustomID: "deny_mission_" + id},
		},
	}}
}

func threadName(m domain.Mission, testMode bool) string {
	title := strings.ToUpper(strings.TrimSpace(m.Title))
	if utf8.RuneCountInString(title) > 20 {
		title = string([]rune(title)[:20]) + "..."
	}
	prefix := ""
	if testMode {
		prefix = "[TEST] "
	}
	short := m.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("MISSION #%s | %s%s", short, prefix, title)
}

func briefing(m domain.Mission, testMode bool) embed {
	fields := []embedField{{Name: "REWARD", Value: fmt.Sprintf("**%d ACT**", m.Reward), Inline: true}}
	if m.ProductLink != "" {
		fields = append(fields, embedField{Name: "ASSETS", Value: "[Download Here](" + m.ProductLink + ")", Inline: true})
	}
	fields = append(fields,
		embedField{Name: "ENROLLMENT CLOSES", Value: fmt.Sprintf("<t:%d:R>", m.EnrollmentWindowEnd.Unix()), Inline: true},
		embedField{Name: "SUBMISSION DEADLINE", Value: fmt.Sprintf("<t:%d:R>", m.SubmissionWindowEnd.Unix())},
	)
	e := embed{
		Title:       "MISSION BRIEFING",
		Description: m.Brief,
		Color:       5763719,
		Fields:      fields,
		Timestamp:   m.CreatedAt.UTC().Format(time.RFC3339),
	}
	footer := "Once enrollment closes, you cannot enter this production cycle."
	if testMode {
		e.Title = "TEST MISSION BRIEFING"
		e.Color = 15548997
		footer = "TEST MODE: Deadlines accelerated for testing."
	}
	e.Footer = &struct {
		Text string `json:"text"`
	}{Text: footer}
	return e
}

var notices = map[ports.Notice]string{
	ports.NoticeEnrollmentClosed: "**Enrollment Closed.** The intake window has ended. Enrolled contributors can still submit until the deadline.",
	ports.NoticeSubmissionClosed: "**Submission Deadline Hit.** The submission window is now closed. Good luck to everyone who submitted!",
}

// OpenThread creates the forum post for m and returns its thread id.
func (c *Client) OpenThread(ctx context.Context, m domain.Mission) (string, error) {
	payload := map[string]any{
		"name": threadName(m, c.testMode),
		"message": message{
			Embeds:     []embed{briefing(m, c.testMode)},
			Components: missionButtons(m.ID),
		},
	}
	if tag, ok := c.tags[domain.StatusOpen]; ok {
		payload["applied_tags"] = []string{tag}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+c.forum+"/threads", payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("discord: thread created without id")
	}
	c.log(ctx, "open_thread", out.ID, "mission_id", m.ID)
	return out.ID, nil
}

// DisableAffordances greys out buttons on the thread's starter message.
// The starter message shares the thread's id.
func (c *Client) DisableAffordances(ctx context.Context, threadID string, scope ports.Affordances) error {
	endpoint := fmt.Sprintf("/channels/%s/messages/%s", threadID, threadID)
	var starter struct {
		Components []actionRow `json:"components"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &starter); err != nil {
		return err
	}
	for i := range starter.Components {
		for j := range starter.Components[i].Components {
			b := &starter.Components[i].Components[j]
			switch scope {
			case ports.AffordancesAll:
				b.Disabled = true
			default:
				b.Disabled = strings.HasPrefix(b.CustomID, "accept_") || strings.HasPrefix(b.CustomID, "deny_")
			}
		}
	}
	if err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"components": starter.Components}, nil); err != nil {
		return err
	}
	c.log(ctx, "disable_affordances", threadID)
	return nil
}

func (c *Client) Announce(ctx context.Context, threadID string, notice ports.Notice, m domain.Mission) error {
	content, ok := notices[notice]
	if !ok {
		return fmt.Errorf("discord: unknown notice %q", notice)
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+threadID+"/messages", message{Content: content}, nil); err != nil {
		return err
	}
	c.log(ctx, "announce", threadID, "notice", string(notice), "mission_id", m.ID)
	return nil
}

// Relabel swaps the thread's forum tag for the one mapped to status. Statuses
// without a tag are skipped.
func (c *Client) Relabel(ctx context.Context, threadID string, status domain.MissionStatus) error {
	tag, ok := c.tags[status]
	if !ok {
		return nil
	}
	if err := c.do(ctx, http.MethodPatch, "/channels/"+threadID, map[string]any{"applied_tags": []string{tag}}, nil); err != nil {
		return err
	}
	c.log(ctx, "relabel", threadID, "status", string(status))
	return nil
}

func (c *Client) log(ctx context.Context, op, threadID string, args ...any) {
	c.logger.InfoContext(ctx, "discord call ok", append([]any{
		"module", "discord",
		"operation", op,
		"outcome", "ok",
		"thread_id", threadID,
	}, args...)...)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
