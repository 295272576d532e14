// Package apify launches scrape runs on Apify actors and reads back their
// datasets.
package apify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"missionline/internal/domain"
	"missionline/internal/ports"
)

const defaultBaseURL = "https://api.apify.com"

// webhookEvents are the run events Apify reports back. Only successes carry
// results; the rest are acknowledged and logged by the receiver.
var webhookEvents = []string{"ACTOR.RUN.SUCCEEDED", "ACTOR.RUN.FAILED", "ACTOR.RUN.TIMED_OUT", "ACTOR.RUN.ABORTED"}

// payloadTemplate exposes the dataset id as resource.resultSetId.
const payloadTemplate = `{"eventType": {{eventType}}, "eventData": {{eventData}}, "resource": {"resultSetId": {{resource.defaultDatasetId}}, "defaultDatasetId": {{resource.defaultDatasetId}}}}`

type Config struct {
	Token          string
	BaseURL        string
	Actors         map[string]string
	MemoryMB       int
	TimeoutSeconds int
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

type Client struct {
	token      string
	baseURL    string
	actors     map[domain.Platform]string
	memoryMB   int
	timeout    int
	httpClient *http.Client
	logger     *slog.Logger
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apify: status=%d body=%s", e.StatusCode, e.Body)
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("apify: token required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	actors := map[domain.Platform]string{}
	for tag, actor := range cfg.Actors {
		p, ok := domain.ParsePlatform(tag)
		if !ok {
			return nil, fmt.Errorf("apify: unknown platform %q in actors", tag)
		}
		actors[p] = actor
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:      cfg.Token,
		baseURL:    base,
		actors:     actors,
		memoryMB:   cfg.MemoryMB,
		timeout:    cfg.TimeoutSeconds,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type webhookSpec struct {
	EventTypes      []string `json:"eventTypes"`
	RequestURL      string   `json:"requestUrl"`
	PayloadTemplate string   `json:"payloadTemplate"`
	IdempotencyKey  string   `json:"idempotencyKey,omitempty"`
}

// actorInput builds the input document each actor expects.
func actorInput(job ports.ScrapeJob) (map[string]any, error) {
	switch job.Platform {
	case domain.PlatformTikTok:
		return map[string]any{
			"postURLs":                      job.Links,
			"resultsPerPage":                len(job.Links),
			"shouldDownloadVideos":          false,
			"shouldDownloadCovers":          false,
			"shouldDownloadSubtitles":       false,
			"shouldDownloadSlideshowImages": false,
		}, nil
	case domain.PlatformInstagram:
		return map[string]any{
			"directUrls":    job.Links,
			"resultsType":   "posts",
			"resultsLimit":  len(job.Links),
			"addParentData": false,
		}, nil
	}
	return nil, fmt.Errorf("apify: no input shape for platform %q", job.Platform)
}

// Launch starts one actor run for the job and returns its run id. The
// completion webhook is attached to the run itself.
func (c *Client) Launch(ctx context.Context, job ports.ScrapeJob) (string, error) {
	actor, ok := c.actors[job.Platform]
	if !ok || actor == "" {
		return "", fmt.Errorf("apify: no actor configured for %s", job.Platform)
	}
	input, err := actorInput(job)
	if err != nil {
		return "", err
	}
	hooks, err := json.Marshal([]webhookSpec{{
		EventTypes:      webhookEvents,
		RequestURL:      job.CallbackURL,
		PayloadTemplate: payloadTemplate,
		IdempotencyKey:  job.IdempotencyKey,
	}})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("webhooks", base64.StdEncoding.EncodeToString(hooks))
	if c.memoryMB > 0 {
		q.Set("memory", strconv.Itoa(c.memoryMB))
	}
	if c.timeout > 0 {
		q.Set("timeout", strconv.Itoa(c.timeout))
	}
	endpoint := fmt.Sprintf("/v2/acts/%s/runs?%s", url.PathEscape(actor), q.Encode())
	var resp struct {
		Data struct {
			ID               string `json:"id"`
			DefaultDatasetID string `json:"defaultDatasetId"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint, input, &resp); err != nil {
		return "", err
	}
	c.logger.InfoContext(ctx, "scrape run started",
		"module", "apify",
		"operation", "launch",
		"outcome", "ok",
		"mission_id", job.MissionID,
		"platform", string(job.Platform),
		"cycle", job.Cycle,
		"run_id", resp.Data.ID,
		"links", len(job.Links),
	)
	return resp.Data.ID, nil
}

// Items reads a finished run's dataset and resolves each row for platform.
// Rows that cannot be decoded are skipped.
func (c *Client) Items(ctx context.Context, platform domain.Platform, datasetID string) ([]domain.ScrapeResultItem, error) {
	endpoint := fmt.Sprintf("/v2/datasets/%s/items?clean=true&format=json", url.PathEscape(datasetID))
	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	items := make([]domain.ScrapeResultItem, 0, len(rows))
	for i, raw := range rows {
		item, err := domain.DecodeScrapeResultItem(platform, raw)
		if err != nil {
			c.logger.WarnContext(ctx, "dataset row skipped",
				"module", "apify",
				"operation", "items",
				"outcome", "skipped",
				"dataset_id", datasetID,
				"row", i,
				"error", err,
			)
			continue
		}
		items = append(items, item)
	}
	return items, nil
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
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
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
