package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/ports"
	"missionline/internal/repo"
)

type CycleOutcome string

// CycleNoLinks means no submission carries a trackable link yet. A
// superseded cycle lost a race to another invocation and changed nothing.
const (
	CycleLaunched   CycleOutcome = "LAUNCHED"
	CycleNoLinks    CycleOutcome = "NO_LINKS"
	CycleExhausted  CycleOutcome = "EXHAUSTED"
	CycleSuperseded CycleOutcome = "SUPERSEDED"
)

type LaunchedJob struct {
	Platform domain.Platform `json:"platform"`
	RunID    string          `json:"run_id,omitempty"`
	Links    int             `json:"links"`
}

type CycleResult struct {
	Outcome   CycleOutcome  `json:"outcome"`
	Count     int           `json:"count"`
	NextDelay string        `json:"next_delay,omitempty"`
	Jobs      []LaunchedJob `json:"jobs,omitempty"`
}

// BackoffDelay is the wait before the cycle after cycle n.
func BackoffDelay(cycle int, testMode bool) string {
	switch {
	case testMode:
		return "1m"
	case cycle <= 3:
		return "3h"
	case cycle <= 7:
		return "6h"
	default:
		return "12h"
	}
}

// cycleGuard is the state a caller observed when it decided to run a cycle.
// A cycle whose guard no longer holds is superseded.
type cycleGuard struct {
	count *int
	idle  bool
}

func (g cycleGuard) holds(s domain.TrackingState) bool {
	if g.count != nil && s.ScrapeCount != *g.count {
		return false
	}
	if g.idle && s.IsTracking {
		return false
	}
	return true
}

// MaybeStart runs the first tracking cycle if tracking never started.
func (e Engine) MaybeStart(ctx context.Context, missionID string) (bool, error) {
	zero := 0
	res, err := e.runCycle(ctx, missionID, cycleGuard{count: &zero, idle: true})
	return res.Outcome == CycleLaunched, err
}

// RunCycle runs one tracking cycle. A non-nil expectedCount makes the call a
// no-op unless the mission's scrape count still equals it, which lets a
// rescheduled callback be delivered more than once.
func (e Engine) RunCycle(ctx context.Context, missionID string, expectedCount *int) (CycleResult, error) {
	if missionID == "" {
		return CycleResult{}, &ValidationError{Field: "orderId", Reason: "required"}
	}
	return e.runCycle(ctx, missionID, cycleGuard{count: expectedCount})
}

func (e Engine) runCycle(ctx context.Context, missionID string, guard cycleGuard) (CycleResult, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return CycleResult{}, err
	}
	seen := m.Tracking()
	if !guard.holds(seen) {
		return e.cycleDone(ctx, m.ID, CycleResult{Outcome: CycleSuperseded, Count: seen.ScrapeCount}), nil
	}
	subs, err := e.Repo.ListSubmissions(ctx, missionID)
	if err != nil {
		return CycleResult{}, err
	}
	links := partitionLinks(subs)
	if len(links) == 0 {
		return e.cycleDone(ctx, m.ID, CycleResult{Outcome: CycleNoLinks, Count: seen.ScrapeCount}), nil
	}

	limit := e.Config.MaxScrapes()
	if seen.ScrapeCount >= limit {
		if seen.IsTracking {
			err := e.inTx(ctx, func(tx *sql.Tx) error {
				return e.Repo.SetTracking(ctx, tx, m.ID, seen, false, e.now())
			})
			if err != nil && !errors.Is(err, repo.ErrConflict) {
				return CycleResult{}, err
			}
		}
		return e.cycleDone(ctx, m.ID, CycleResult{Outcome: CycleExhausted, Count: seen.ScrapeCount}), nil
	}

	newCount := seen.ScrapeCount + 1
	stillTracking := newCount < limit
	var next domain.TrackingState
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		next, err = e.Repo.AdvanceTracking(ctx, tx, m.ID, seen, stillTracking, e.now())
		if err != nil {
			return err
		}
		return e.journal().Append(ctx, tx, "tracking.cycle_started", m.ID, "mission", m.ID, "", events.EventPayload{
			"cycle":          newCount,
			"max_scrapes":    limit,
			"still_tracking": stillTracking,
		})
	})
	if errors.Is(err, repo.ErrConflict) {
		return e.cycleDone(ctx, m.ID, CycleResult{Outcome: CycleSuperseded, Count: seen.ScrapeCount}), nil
	}
	if err != nil {
		return CycleResult{}, err
	}

	// The increment is committed. Failures below are reported, not retried.
	res := CycleResult{Outcome: CycleLaunched, Count: next.ScrapeCount}
	var errs []error
	for _, p := range domain.Platforms {
		if len(links[p]) == 0 {
			continue
		}
		job := ports.ScrapeJob{
			MissionID: m.ID,
			Platform:  p,
			Links:     links[p],
			Cycle:     newCount,
			CallbackURL: e.callbackURL("/scrape-webhook", url.Values{
				"orderId":  {m.ID},
				"secret":   {e.Config.Secrets.Webhook},
				"platform": {string(p)},
			}),
			IdempotencyKey: fmt.Sprintf("scrape-%s-%s-%d", m.ID, p, newCount),
		}
		runID, err := e.Scraper.Launch(ctx, job)
		if err != nil {
			errs = append(errs, &ExternalServiceError{Service: "scraper", Op: "launch_" + string(p), Err: err})
			continue
		}
		res.Jobs = append(res.Jobs, LaunchedJob{Platform: p, RunID: runID, Links: len(job.Links)})
	}

	if stillTracking {
		res.NextDelay = BackoffDelay(newCount, e.Config.TestMode)
		expect := newCount
		task := ports.DelayedTask{
			URL:            e.callbackURL("/track-order", nil),
			Body:           ports.TrackCallback{OrderID: m.ID, ExpectedCount: &expect},
			Delay:          res.NextDelay,
			IdempotencyKey: fmt.Sprintf("track-%s-%d", m.ID, newCount),
		}
		if err := e.Scheduler.Schedule(ctx, task); err != nil {
			errs = append(errs, &ExternalServiceError{Service: "scheduler", Op: "reschedule", Err: err})
			res.NextDelay = ""
			// Nothing will call back, so stop advertising an active loop.
			clearErr := e.inTx(ctx, func(tx *sql.Tx) error {
				return e.Repo.SetTracking(ctx, tx, m.ID, next, false, e.now())
			})
			if clearErr != nil && !errors.Is(clearErr, repo.ErrConflict) {
				errs = append(errs, clearErr)
			}
		}
	}
	e.cycleDone(ctx, m.ID, res)
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func (e Engine) cycleDone(ctx context.Context, missionID string, res CycleResult) CycleResult {
	e.logger().InfoContext(ctx, "tracking cycle",
		"module", "engine.tracking",
		"operation", "run_cycle",
		"outcome", string(res.Outcome),
		"mission_id", missionID,
		"count", res.Count,
		"jobs", len(res.Jobs),
		"next_delay", res.NextDelay,
	)
	return res
}

// partitionLinks groups non-empty submission links by platform.
func partitionLinks(subs []domain.Submission) map[domain.Platform][]string {
	out := map[domain.Platform][]string{}
	for _, s := range subs {
		for _, p := range domain.Platforms {
			if link := s.Link(p); link != "" {
				out[p] = append(out[p], link)
			}
		}
	}
	return out
}
