package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// AttemptSubmit decides whether a contributor may be prompted for a
// submission. The window is measured from mission creation.
func (e Engine) AttemptSubmit(ctx context.Context, missionID, contributorID string) (Outcome, error) {
	if strings.TrimSpace(missionID) == "" {
		return "", &ValidationError{Field: "mission_id", Reason: "required"}
	}
	if strings.TrimSpace(contributorID) == "" {
		return "", &ValidationError{Field: "contributor_id", Reason: "required"}
	}
	outcome, err := e.submitGate(ctx, missionID, contributorID)
	if err != nil {
		return "", err
	}
	e.logGate(ctx, "submit", missionID, contributorID, outcome)
	return outcome, nil
}

func (e Engine) submitGate(ctx context.Context, missionID, contributorID string) (Outcome, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return OutcomeMissionNotFound, nil
	}
	if err != nil {
		return "", err
	}
	enrolled, err := e.Repo.ParticipantExists(ctx, missionID, contributorID)
	if err != nil {
		return "", err
	}
	if !enrolled {
		return OutcomeNotEnrolled, nil
	}
	if e.now().Sub(m.CreatedAt) > m.SubmissionWindow() {
		return OutcomeWindowClosed, nil
	}
	submitted, err := e.Repo.SubmissionExists(ctx, missionID, contributorID)
	if err != nil {
		return "", err
	}
	if submitted {
		return OutcomeAlreadySubmitted, nil
	}
	return OutcomePromptForSubmission, nil
}

// SubmissionInput is a contributor's completed work. Links is keyed by
// platform.
type SubmissionInput struct {
	MissionID     string
	ContributorID string
	Links         map[domain.Platform]string
	Reflection    string
}

type RecordResult struct {
	Outcome    Outcome            `json:"outcome"`
	Platform   domain.Platform    `json:"platform,omitempty"`
	Submission *domain.Submission `json:"submission,omitempty"`
}

// ValidLink reports whether link carries the platform's domain. The check is
// a plain, case-sensitive substring match.
func ValidLink(p domain.Platform, link string) bool {
	return p.Domain() != "" && strings.Contains(link, p.Domain())
}

// RecordSubmission stores a submission and, once committed, starts tracking
// in the background if this is the mission's first one.
func (e Engine) RecordSubmission(ctx context.Context, in SubmissionInput) (RecordResult, error) {
	if strings.TrimSpace(in.MissionID) == "" {
		return RecordResult{}, &ValidationError{Field: "mission_id", Reason: "required"}
	}
	if strings.TrimSpace(in.ContributorID) == "" {
		return RecordResult{}, &ValidationError{Field: "contributor_id", Reason: "required"}
	}
	for _, p := range domain.Platforms {
		if !ValidLink(p, strings.TrimSpace(in.Links[p])) {
			e.logGate(ctx, "record_submission", in.MissionID, in.ContributorID, OutcomeInvalidLinkFormat)
			return RecordResult{Outcome: OutcomeInvalidLinkFormat, Platform: p}, nil
		}
	}
	if _, err := e.Repo.GetMission(ctx, in.MissionID); err != nil {
		return RecordResult{}, err
	}
	enrolled, err := e.Repo.ParticipantExists(ctx, in.MissionID, in.ContributorID)
	if err != nil {
		return RecordResult{}, err
	}
	if !enrolled {
		e.logGate(ctx, "record_submission", in.MissionID, in.ContributorID, OutcomeNotEnrolled)
		return RecordResult{Outcome: OutcomeNotEnrolled}, nil
	}
	s := domain.Submission{
		ID:            uuid.NewString(),
		MissionID:     in.MissionID,
		ContributorID: in.ContributorID,
		TikTokLink:    strings.TrimSpace(in.Links[domain.PlatformTikTok]),
		InstagramLink: strings.TrimSpace(in.Links[domain.PlatformInstagram]),
		Reflection:    strings.TrimSpace(in.Reflection),
		Status:        domain.SubmissionPendingReview,
		CreatedAt:     e.now(),
	}
	outcome := OutcomeStored
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		err := e.Repo.InsertSubmission(ctx, tx, s)
		if errors.Is(err, repo.ErrDuplicate) {
			outcome = OutcomeDuplicate
			return nil
		}
		if err != nil {
			return err
		}
		return e.journal().Append(ctx, tx, "submission.recorded", s.MissionID, "submission", s.ID, s.ContributorID, events.EventPayload{
			"tiktok_link":    s.TikTokLink,
			"instagram_link": s.InstagramLink,
		})
	})
	if err != nil {
		return RecordResult{}, err
	}
	e.logGate(ctx, "record_submission", in.MissionID, in.ContributorID, outcome)
	if outcome != OutcomeStored {
		return RecordResult{Outcome: outcome}, nil
	}
	missionID := s.MissionID
	e.Tasks.Go(ctx, "tracking.maybe_start", func(ctx context.Context) error {
		_, err := e.MaybeStart(ctx, missionID)
		return err
	})
	return RecordResult{Outcome: OutcomeStored, Submission: &s}, nil
}
