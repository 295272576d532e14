package engine

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"regexp"
	"strings"

	"missionline/internal/domain"
	"missionline/internal/events"
)

// RunSucceeded is the only scrape notification type that carries results.
const RunSucceeded = "ACTOR.RUN.SUCCEEDED"

var postIDPatterns = map[domain.Platform]*regexp.Regexp{
	domain.PlatformTikTok:    regexp.MustCompile(`/video/(\d+)`),
	domain.PlatformInstagram: regexp.MustCompile(`/(?:p|reel|reels)/([A-Za-z0-9_-]+)`),
}

// ScrapeNotification is a delivered scrape completion callback.
type ScrapeNotification struct {
	MissionID  string
	Secret     string
	Platform   string
	EventType  string
	ActorRunID string
	DatasetID  string
}

type IngestResult struct {
	Ignored  bool            `json:"ignored,omitempty"`
	Platform domain.Platform `json:"platform,omitempty"`
	Items    int             `json:"items"`
	Matched  int             `json:"matched"`
	Skipped  int             `json:"skipped"`
}

// CheckWebhookSecret compares secret with the configured webhook secret in
// constant time. An unset secret rejects every caller.
func (e Engine) CheckWebhookSecret(secret string) error {
	want := e.Config.Secrets.Webhook
	if want == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// ExtractPostID returns the platform's stable post identifier in link, or "".
func ExtractPostID(p domain.Platform, link string) string {
	re, ok := postIDPatterns[p]
	if !ok {
		return ""
	}
	m := re.FindStringSubmatch(link)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func stripQuery(link string) string {
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		return link[:i]
	}
	return link
}

// MatchSubmission finds the submission whose link for p refers to the same
// post as itemURL. Identifier matching is tried first, then the URL without
// its query string. legacy skips identifier matching.
func MatchSubmission(p domain.Platform, itemURL string, subs []domain.Submission, legacy bool) (domain.Submission, bool) {
	if !legacy {
		if id := ExtractPostID(p, itemURL); id != "" {
			for _, s := range subs {
				if link := s.Link(p); link != "" && strings.Contains(link, id) {
					return s, true
				}
			}
			return domain.Submission{}, false
		}
	}
	base := stripQuery(itemURL)
	if base == "" {
		return domain.Submission{}, false
	}
	for _, s := range subs {
		if link := s.Link(p); link != "" && strings.Contains(link, base) {
			return s, true
		}
	}
	return domain.Submission{}, false
}

// IngestScrapeResult attaches a finished scrape's totals to the submissions
// it covers. Values are overwritten, so redelivery is harmless.
func (e Engine) IngestScrapeResult(ctx context.Context, n ScrapeNotification) (IngestResult, error) {
	if err := e.CheckWebhookSecret(n.Secret); err != nil {
		e.logger().WarnContext(ctx, "scrape notification rejected",
			"module", "engine.correlator",
			"operation", "ingest",
			"outcome", "unauthorized",
			"mission_id", n.MissionID,
		)
		return IngestResult{}, err
	}
	if n.EventType != RunSucceeded {
		e.logger().InfoContext(ctx, "scrape notification ignored",
			"module", "engine.correlator",
			"operation", "ingest",
			"outcome", "ignored",
			"mission_id", n.MissionID,
			"event_type", n.EventType,
			"run_id", n.ActorRunID,
		)
		return IngestResult{Ignored: true}, nil
	}
	if strings.TrimSpace(n.MissionID) == "" {
		return IngestResult{}, &ValidationError{Field: "orderId", Reason: "required"}
	}
	if strings.TrimSpace(n.DatasetID) == "" {
		return IngestResult{}, &ValidationError{Field: "resultSetId", Reason: "required"}
	}
	platform, legacy, err := e.notificationPlatform(n.Platform)
	if err != nil {
		return IngestResult{}, err
	}
	if _, err := e.Repo.GetMission(ctx, n.MissionID); err != nil {
		return IngestResult{}, err
	}
	items, err := e.Datasets.Items(ctx, platform, n.DatasetID)
	if err != nil {
		return IngestResult{}, &ExternalServiceError{Service: "scraper", Op: "read_dataset", Err: err}
	}
	subs, err := e.Repo.ListSubmissions(ctx, n.MissionID)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Platform: platform, Items: len(items)}
	now := e.now()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			sub, ok := MatchSubmission(platform, item.URL, subs, legacy)
			if !ok {
				res.Skipped++
				continue
			}
			if err := e.Repo.UpdateSubmissionMetrics(ctx, tx, sub.ID, platform, item.Metrics(), now); err != nil {
				return err
			}
			res.Matched++
		}
		return e.journal().Append(ctx, tx, "metrics.ingested", n.MissionID, "mission", n.MissionID, "", events.EventPayload{
			"platform":   string(platform),
			"run_id":     n.ActorRunID,
			"dataset_id": n.DatasetID,
			"matched":    res.Matched,
			"skipped":    res.Skipped,
		})
	})
	if err != nil {
		return IngestResult{}, err
	}
	e.logger().InfoContext(ctx, "scrape results ingested",
		"module", "engine.correlator",
		"operation", "ingest",
		"outcome", "ok",
		"mission_id", n.MissionID,
		"platform", string(platform),
		"items", res.Items,
		"matched", res.Matched,
		"skipped", res.Skipped,
	)
	return res, nil
}

// notificationPlatform resolves the platform tag. Untagged callbacks from
// older deployments are TikTok-only and match by URL.
func (e Engine) notificationPlatform(tag string) (domain.Platform, bool, error) {
	if strings.TrimSpace(tag) == "" {
		if e.Config.Tracking.LegacyWebhooks {
			return domain.PlatformTikTok, true, nil
		}
		return "", false, &ValidationError{Field: "platform", Reason: "required"}
	}
	p, ok := domain.ParsePlatform(tag)
	if !ok {
		return "", false, &ValidationError{Field: "platform", Reason: "unknown platform " + tag}
	}
	return p, false, nil
}
