package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/ports"
	"missionline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Scheduler ports.Scheduler
	Scraper   ports.ScrapeLauncher
	Datasets  ports.DatasetReader
	Announcer ports.Announcer
	Tasks     *TaskGroup
	Logger    *slog.Logger
	Now       func() time.Time
}

// New returns an engine with placeholder collaborators; callers swap in real
// adapters before serving.
func New(store db.Store, cfg *config.Config) Engine {
	logger := slog.Default()
	e := Engine{
		DB:        store.DB,
		Repo:      repo.Repo{DB: store.DB, Dialect: store.Dialect},
		Events:    events.Writer{Dialect: store.Dialect},
		Config:    cfg,
		Scheduler: ports.NopScheduler{Logger: logger},
		Scraper:   ports.NopScraper{},
		Datasets:  ports.NopScraper{},
		Announcer: ports.NopAnnouncer{},
		Tasks:     NewTaskGroup(logger),
		Logger:    logger,
		Now:       time.Now,
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// journal stamps events with the engine clock.
func (e Engine) journal() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// callbackURL builds an absolute URL for one of the service's own endpoints.
func (e Engine) callbackURL(endpoint string, query url.Values) string {
	base := strings.TrimRight(e.Config.Service.PublicURL, "/")
	u := base + path.Join("/", e.Config.Service.BasePath, endpoint)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// inTx runs fn in a transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// MissionCreateOptions are parameters for creating a mission. A non-empty
// KickoffID creates the mission in PENDING_GENERATION until its brief arrives.
type MissionCreateOptions struct {
	Title       string
	Brief       string
	ProductLink string
	Reward      int64
	KickoffID   string
	ActorID     string
}

// MissionCreated carries the stored mission plus any side effect that did not
// go through. The mission itself is durable either way.
type MissionCreated struct {
	Mission  domain.Mission `json:"mission"`
	Warnings []string       `json:"warnings,omitempty"`
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (MissionCreated, error) {
	if e.Config == nil {
		return MissionCreated{}, errors.New("config not loaded")
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return MissionCreated{}, &ValidationError{Field: "title", Reason: "required"}
	}
	if opts.Reward < 0 {
		return MissionCreated{}, &ValidationError{Field: "reward", Reason: "must not be negative"}
	}
	now := e.now()
	m := domain.Mission{
		ID:                  uuid.NewString(),
		Title:               opts.Title,
		Brief:               opts.Brief,
		ProductLink:         strings.TrimSpace(opts.ProductLink),
		Reward:              opts.Reward,
		Status:              domain.StatusOpen,
		KickoffID:           strings.TrimSpace(opts.KickoffID),
		CreatedAt:           now,
		EnrollmentWindowEnd: now.Add(e.Config.EnrollmentWindow()),
		SubmissionWindowEnd: now.Add(e.Config.SubmissionWindow()),
		UpdatedAt:           now,
	}
	if m.KickoffID != "" {
		m.Status = domain.StatusPendingGeneration
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}
		return e.journal().Append(ctx, tx, "mission.created", m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
			"status":                string(m.Status),
			"enrollment_window_end": m.EnrollmentWindowEnd.Format(time.RFC3339),
			"submission_window_end": m.SubmissionWindowEnd.Format(time.RFC3339),
		})
	})
	if err != nil {
		return MissionCreated{}, err
	}
	res := MissionCreated{Mission: m}
	if m.Status == domain.StatusOpen {
		if res.Mission, err = e.broadcast(ctx, m); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		}
	}
	if err := e.schedulePhases(ctx, res.Mission); err != nil {
		res.Warnings = append(res.Warnings, err.Error())
	}
	e.logger().InfoContext(ctx, "mission created",
		"module", "engine.missions",
		"operation", "create",
		"outcome", "ok",
		"mission_id", m.ID,
		"status", string(m.Status),
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// ActivateMission stores a generated brief and opens the mission waiting on
// kickoffID. Already-open missions are returned unchanged.
func (e Engine) ActivateMission(ctx context.Context, kickoffID, brief string) (domain.Mission, error) {
	if strings.TrimSpace(kickoffID) == "" {
		return domain.Mission{}, &ValidationError{Field: "kickoff_id", Reason: "required"}
	}
	m, err := e.Repo.GetMissionByKickoff(ctx, kickoffID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusPendingGeneration {
		return m, nil
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ActivateMission(ctx, tx, m.ID, brief, e.now()); err != nil {
			return err
		}
		return e.journal().Append(ctx, tx, "mission.status_changed", m.ID, "mission", m.ID, "", events.EventPayload{
			"from": string(domain.StatusPendingGeneration),
			"to":   string(domain.StatusOpen),
		})
	})
	if errors.Is(err, repo.ErrConflict) {
		return e.Repo.GetMission(ctx, m.ID)
	}
	if err != nil {
		return domain.Mission{}, err
	}
	m.Status = domain.StatusOpen
	m.Brief = brief
	if m, err = e.broadcast(ctx, m); err != nil {
		e.logger().WarnContext(ctx, "mission broadcast failed",
			"module", "engine.missions",
			"operation", "activate",
			"outcome", "degraded",
			"mission_id", m.ID,
			"error", err,
		)
	}
	return m, nil
}

// broadcast opens the announcement thread for an open mission and records it.
func (e Engine) broadcast(ctx context.Context, m domain.Mission) (domain.Mission, error) {
	threadID, err := e.Announcer.OpenThread(ctx, m)
	if err != nil {
		return m, &ExternalServiceError{Service: "announcer", Op: "open_thread", Err: err}
	}
	if threadID == "" {
		return m, nil
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetMissionThread(ctx, tx, m.ID, threadID, e.now()); err != nil {
			return err
		}
		return e.journal().Append(ctx, tx, "mission.broadcast", m.ID, "mission", m.ID, "", events.EventPayload{"thread_id": threadID})
	})
	if err != nil {
		return m, err
	}
	m.ThreadID = threadID
	return m, nil
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, id)
}

func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return e.Repo.ListMissions(ctx, f)
}

func (e Engine) ListSubmissions(ctx context.Context, missionID string) ([]domain.Submission, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubmissions(ctx, missionID)
}

// FormatDelay renders a window as the compact unit string schedulers accept.
func FormatDelay(d time.Duration) string {
	switch {
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", int64(d.Round(time.Second)/time.Second))
	}
}
