// Package ports declares the collaborators the mission engine drives:
// a delayed-callback scheduler, a scrape job launcher, a dataset reader and
// an announcement surface. Adapters live in sibling packages.
package ports

import (
	"context"
	"errors"
	"log/slog"

	"missionline/internal/domain"
)

// ErrNotConfigured is returned by placeholder adapters.
var ErrNotConfigured = errors.New("adapter not configured")

// DelayedTask is a one-shot HTTP POST of Body to URL after Delay.
type DelayedTask struct {
	URL            string
	Body           any
	Delay          string
	IdempotencyKey string
}

type Scheduler interface {
	Schedule(ctx context.Context, task DelayedTask) error
}

// PhaseCallback is the body delivered to the phase endpoint.
type PhaseCallback struct {
	OrderID  string `json:"orderId"`
	ThreadID string `json:"threadId,omitempty"`
	Phase    string `json:"phase"`
}

// TrackCallback is the body delivered to the tracking endpoint. ExpectedCount
// is the scrape count the callback was scheduled after.
type TrackCallback struct {
	OrderID       string `json:"orderId"`
	ExpectedCount *int   `json:"expectedCount,omitempty"`
}

// ScrapeJob asks an external service to scrape Links on one platform and
// notify CallbackURL when the run finishes.
type ScrapeJob struct {
	MissionID      string
	Platform       domain.Platform
	Links          []string
	Cycle          int
	CallbackURL    string
	IdempotencyKey string
}

type ScrapeLauncher interface {
	Launch(ctx context.Context, job ScrapeJob) (runID string, err error)
}

type DatasetReader interface {
	Items(ctx context.Context, platform domain.Platform, datasetID string) ([]domain.ScrapeResultItem, error)
}

// Affordances selects which interactive controls on a mission post to disable.
type Affordances int

const (
	// AffordancesEnrollment covers accept and deny; submit stays live.
	AffordancesEnrollment Affordances = iota
	AffordancesAll
)

type Notice string

const (
	NoticeEnrollmentClosed Notice = "enrollment_closed"
	NoticeSubmissionClosed Notice = "submission_closed"
)

type Announcer interface {
	OpenThread(ctx context.Context, m domain.Mission) (threadID string, err error)
	DisableAffordances(ctx context.Context, threadID string, scope Affordances) error
	Announce(ctx context.Context, threadID string, notice Notice, m domain.Mission) error
	Relabel(ctx context.Context, threadID string, status domain.MissionStatus) error
}

// NopScheduler drops tasks with a warning.
type NopScheduler struct {
	Logger *slog.Logger
}

func (s NopScheduler) Schedule(ctx context.Context, task DelayedTask) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "scheduler not configured; delayed task dropped",
		"module", "ports.scheduler",
		"operation", "schedule",
		"outcome", "skipped",
		"url", task.URL,
		"delay", task.Delay,
		"idempotency_key", task.IdempotencyKey,
	)
	return nil
}

type NopScraper struct{}

func (NopScraper) Launch(context.Context, ScrapeJob) (string, error) {
	return "", ErrNotConfigured
}

func (NopScraper) Items(context.Context, domain.Platform, string) ([]domain.ScrapeResultItem, error) {
	return nil, ErrNotConfigured
}

// NopAnnouncer accepts every call and announces nothing.
type NopAnnouncer struct{}

func (NopAnnouncer) OpenThread(context.Context, domain.Mission) (string, error) { return "", nil }
func (NopAnnouncer) DisableAffordances(context.Context, string, Affordances) error {
	return nil
}
func (NopAnnouncer) Announce(context.Context, string, Notice, domain.Mission) error { return nil }
func (NopAnnouncer) Relabel(context.Context, string, domain.MissionStatus) error   { return nil }
