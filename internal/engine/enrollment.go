package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"missionline/internal/domain"
	"missionline/internal/engine/auth"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// EnrollRequest identifies a contributor asking to join a mission. Roles are
// the contributor's roles on the chat surface.
type EnrollRequest struct {
	MissionID     string
	ContributorID string
	Username      string
	Roles         []string
}

// AttemptEnroll admits a contributor while the enrollment window is open.
// Concurrent attempts for the same pair yield exactly one OutcomeEnrolled.
func (e Engine) AttemptEnroll(ctx context.Context, req EnrollRequest) (Outcome, error) {
	if strings.TrimSpace(req.MissionID) == "" {
		return "", &ValidationError{Field: "mission_id", Reason: "required"}
	}
	if strings.TrimSpace(req.ContributorID) == "" {
		return "", &ValidationError{Field: "contributor_id", Reason: "required"}
	}
	if role := e.Config.Missions.EligibleRole; role != "" && !auth.HasRole(req.Roles, role) {
		e.logGate(ctx, "enroll", req.MissionID, req.ContributorID, OutcomeNotAuthorized)
		return OutcomeNotAuthorized, nil
	}
	m, err := e.Repo.GetMission(ctx, req.MissionID)
	if errors.Is(err, repo.ErrNotFound) {
		e.logGate(ctx, "enroll", req.MissionID, req.ContributorID, OutcomeMissionNotFound)
		return OutcomeMissionNotFound, nil
	}
	if err != nil {
		return "", err
	}
	now := e.now()
	if now.Sub(m.CreatedAt) > m.EnrollmentWindow() {
		e.logGate(ctx, "enroll", req.MissionID, req.ContributorID, OutcomeWindowClosed)
		return OutcomeWindowClosed, nil
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = req.ContributorID
	}
	outcome := OutcomeEnrolled
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertContributor(ctx, tx, domain.Contributor{ID: req.ContributorID, Username: username, Active: true, CreatedAt: now}); err != nil {
			return err
		}
		err := e.Repo.InsertParticipant(ctx, tx, domain.Participant{MissionID: m.ID, ContributorID: req.ContributorID, JoinedAt: now})
		if errors.Is(err, repo.ErrDuplicate) {
			outcome = OutcomeAlreadyEnrolled
			return nil
		}
		if err != nil {
			return err
		}
		return e.journal().Append(ctx, tx, "participant.enrolled", m.ID, "participant", req.ContributorID, req.ContributorID, nil)
	})
	if err != nil {
		return "", err
	}
	e.logGate(ctx, "enroll", req.MissionID, req.ContributorID, outcome)
	return outcome, nil
}

// SyncContributor records a contributor's role change on the chat surface.
// Holding the eligible role marks the contributor active.
func (e Engine) SyncContributor(ctx context.Context, id, username string, roles []string) (domain.Contributor, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Contributor{}, &ValidationError{Field: "contributor_id", Reason: "required"}
	}
	if strings.TrimSpace(username) == "" {
		username = id
	}
	c := domain.Contributor{
		ID:        id,
		Username:  username,
		Active:    e.Config.Missions.EligibleRole == "" || auth.HasRole(roles, e.Config.Missions.EligibleRole),
		CreatedAt: e.now(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SyncContributor(ctx, tx, c); err != nil {
			return err
		}
		return e.journal().Append(ctx, tx, "contributor.synced", "", "contributor", c.ID, c.ID, events.EventPayload{"active": c.Active})
	})
	if err != nil {
		return domain.Contributor{}, err
	}
	return e.Repo.GetContributor(ctx, id)
}

func (e Engine) logGate(ctx context.Context, op, missionID, contributorID string, outcome Outcome) {
	e.logger().InfoContext(ctx, "gate evaluated",
		"module", "engine.gates",
		"operation", op,
		"outcome", string(outcome),
		"mission_id", missionID,
		"contributor_id", contributorID,
	)
}
