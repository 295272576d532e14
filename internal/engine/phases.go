package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/ports"
	"missionline/internal/repo"
)

const completeAttempts = 3

// PhaseRequest is a delivered phase callback.
type PhaseRequest struct {
	MissionID string
	ThreadID  string
	Phase     domain.Phase
}

type PhaseResult struct {
	Phase   domain.Phase         `json:"phase"`
	Applied bool                 `json:"applied"`
	Status  domain.MissionStatus `json:"status"`
}

// schedulePhases queues both phase callbacks relative to the mission's
// creation time. Each callback carries a stable idempotency key.
func (e Engine) schedulePhases(ctx context.Context, m domain.Mission) error {
	plan := []struct {
		phase domain.Phase
		delay time.Duration
	}{
		{domain.PhaseEnrollmentClosed, m.EnrollmentWindow()},
		{domain.PhaseSubmissionClosed, m.SubmissionWindow()},
	}
	var errs []error
	for _, p := range plan {
		task := ports.DelayedTask{
			URL:            e.callbackURL("/expire-enrollment", nil),
			Body:           ports.PhaseCallback{OrderID: m.ID, ThreadID: m.ThreadID, Phase: string(p.phase)},
			Delay:          FormatDelay(p.delay),
			IdempotencyKey: fmt.Sprintf("phase-%s-%s", m.ID, strings.ToLower(string(p.phase))),
		}
		if err := e.Scheduler.Schedule(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.phase, err))
		}
	}
	if len(errs) > 0 {
		return &ExternalServiceError{Service: "scheduler", Op: "schedule_phase", Err: errors.Join(errs...)}
	}
	return nil
}

// HandlePhase applies a phase callback. ENROLLMENT_CLOSED only moves an OPEN
// mission; SUBMISSION_CLOSED completes from any earlier status. The thread is
// only touched after the status change has been stored, and announcement
// failures are reported without undoing it.
func (e Engine) HandlePhase(ctx context.Context, req PhaseRequest) (PhaseResult, error) {
	if strings.TrimSpace(req.MissionID) == "" {
		return PhaseResult{}, &ValidationError{Field: "orderId", Reason: "required"}
	}
	if !req.Phase.Valid() {
		return PhaseResult{}, &ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", req.Phase)}
	}
	m, err := e.Repo.GetMission(ctx, req.MissionID)
	if err != nil {
		return PhaseResult{}, err
	}
	thread := req.ThreadID
	if thread == "" {
		thread = m.ThreadID
	}
	res := PhaseResult{Phase: req.Phase, Status: m.Status}

	var (
		target  domain.MissionStatus
		scope   ports.Affordances
		notice  ports.Notice
		applies bool
	)
	switch req.Phase {
	case domain.PhaseEnrollmentClosed:
		target, scope, notice = domain.StatusInProgress, ports.AffordancesEnrollment, ports.NoticeEnrollmentClosed
		applies = m.Status == domain.StatusOpen
	case domain.PhaseSubmissionClosed:
		// Repeats the closing announcement even when already completed.
		target, scope, notice = domain.StatusCompleted, ports.AffordancesAll, ports.NoticeSubmissionClosed
		applies = true
	}
	if !applies {
		e.logPhase(ctx, m.ID, req.Phase, "noop", nil)
		return res, nil
	}

	repeat := req.Phase == domain.PhaseSubmissionClosed && m.Status == domain.StatusCompleted
	switch {
	case repeat:
	case req.Phase == domain.PhaseEnrollmentClosed:
		err = e.transition(ctx, m.ID, domain.StatusOpen, target, req.Phase)
		if errors.Is(err, repo.ErrConflict) {
			// Another delivery moved it first; its own handler owns the thread.
			cur, gerr := e.Repo.GetMission(ctx, m.ID)
			if gerr != nil {
				return res, gerr
			}
			res.Status = cur.Status
			e.logPhase(ctx, m.ID, req.Phase, "noop", nil)
			return res, nil
		}
	default:
		err = e.complete(ctx, m, req.Phase)
	}
	if err != nil {
		return res, err
	}

	sideErr := e.announcePhase(ctx, thread, scope, notice, target, m)
	if repeat {
		e.logPhase(ctx, m.ID, req.Phase, "repeat", sideErr)
		return res, sideErr
	}
	res.Applied = true
	res.Status = target
	e.logPhase(ctx, m.ID, req.Phase, "applied", sideErr)
	if sideErr != nil {
		return res, sideErr
	}
	return res, nil
}

// complete moves m to COMPLETED from whatever status it currently holds,
// re-reading on conflict.
func (e Engine) complete(ctx context.Context, m domain.Mission, phase domain.Phase) error {
	from := m.Status
	for attempt := 0; attempt < completeAttempts; attempt++ {
		if from == domain.StatusCompleted {
			return nil
		}
		err := e.transition(ctx, m.ID, from, domain.StatusCompleted, phase)
		if !errors.Is(err, repo.ErrConflict) {
			return err
		}
		cur, err := e.Repo.GetMission(ctx, m.ID)
		if err != nil {
			return err
		}
		from = cur.Status
	}
	return fmt.Errorf("complete mission %s: %w", m.ID, repo.ErrConflict)
}

func (e Engine) transition(ctx context.Context, id string, from, to domain.MissionStatus, phase domain.Phase) error {
	if to.Rank() <= from.Rank() {
		return fmt.Errorf("transition %s -> %s would move backwards", from, to)
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.TransitionStatus(ctx, tx, id, from, to, e.now()); err != nil {
			return err
		}
		return e.journal().Append(ctx, tx, "mission.status_changed", id, "mission", id, "scheduler", events.EventPayload{
			"from":  string(from),
			"to":    string(to),
			"phase": string(phase),
		})
	})
}

// announcePhase updates the public post for a phase change. Every step is
// attempted; failures are joined.
func (e Engine) announcePhase(ctx context.Context, thread string, scope ports.Affordances, notice ports.Notice, status domain.MissionStatus, m domain.Mission) error {
	if thread == "" {
		return nil
	}
	var errs []error
	if err := e.Announcer.DisableAffordances(ctx, thread, scope); err != nil {
		errs = append(errs, fmt.Errorf("disable affordances: %w", err))
	}
	if err := e.Announcer.Announce(ctx, thread, notice, m); err != nil {
		errs = append(errs, fmt.Errorf("announce: %w", err))
	}
	// A later phase may have landed while this one was announcing.
	if cur, err := e.Repo.GetMission(ctx, m.ID); err == nil && cur.Status.Rank() > status.Rank() {
		status = cur.Status
	}
	if err := e.Announcer.Relabel(ctx, thread, status); err != nil {
		errs = append(errs, fmt.Errorf("relabel: %w", err))
	}
	if len(errs) > 0 {
		return &ExternalServiceError{Service: "announcer", Op: string(notice), Err: errors.Join(errs...)}
	}
	return nil
}

func (e Engine) logPhase(ctx context.Context, missionID string, phase domain.Phase, outcome string, err error) {
	attrs := []any{
		"module", "engine.phases",
		"operation", "handle_phase",
		"outcome", outcome,
		"mission_id", missionID,
		"phase", string(phase),
	}
	if err != nil {
		e.logger().WarnContext(ctx, "phase applied with announcement errors", append(attrs, "error", err)...)
		return
	}
	e.logger().InfoContext(ctx, "phase handled", attrs...)
}
