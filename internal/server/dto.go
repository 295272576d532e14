package server

import (
	"missionline/internal/domain"
	"missionline/internal/engine"
)

// Callback payloads

type TrackOrderRequest struct {
	OrderID       string `json:"orderId,omitempty"`
	ExpectedCount *int   `json:"expectedCount,omitempty"`
}

type TrackOrderResponse struct {
	Success   bool                 `json:"success"`
	Message   string               `json:"message,omitempty"`
	Count     int                  `json:"count"`
	Outcome   engine.CycleOutcome  `json:"outcome"`
	NextDelay string               `json:"next_delay,omitempty"`
	Jobs      []engine.LaunchedJob `json:"jobs,omitempty"`
}

type PhaseCallbackRequest struct {
	OrderID  string `json:"orderId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Phase    string `json:"phase,omitempty"`
}

type PhaseResponse struct {
	Success bool                 `json:"success"`
	Phase   domain.Phase         `json:"phase"`
	Applied bool                 `json:"applied"`
	Status  domain.MissionStatus `json:"status"`
}

// ScrapeWebhookRequest is the subset of the run notification we read; the
// scraper may send any other fields alongside it.
type ScrapeWebhookRequest struct {
	_         struct{}             `json:"-" additionalProperties:"true"`
	EventType string               `json:"eventType,omitempty"`
	EventData ScrapeWebhookEvent   `json:"eventData,omitempty"`
	Resource  ScrapeWebhookDataset `json:"resource,omitempty"`
}

type ScrapeWebhookEvent struct {
	_          struct{} `json:"-" additionalProperties:"true"`
	ActorRunID string   `json:"actorRunId,omitempty"`
}

type ScrapeWebhookDataset struct {
	_                struct{} `json:"-" additionalProperties:"true"`
	ResultSetID      string   `json:"resultSetId,omitempty"`
	DefaultDatasetID string   `json:"defaultDatasetId,omitempty"`
}

type ScrapeWebhookResponse struct {
	Success bool                `json:"success"`
	Result  engine.IngestResult `json:"result"`
}

type BriefWebhookRequest struct {
	_         struct{} `json:"-" additionalProperties:"true"`
	KickoffID string   `json:"kickoff_id,omitempty"`
	Result    string   `json:"result,omitempty"`
}

// Admin payloads

type CreateMissionRequest struct {
	Title       string `json:"title"`
	Brief       string `json:"brief,omitempty"`
	ProductLink string `json:"product_link,omitempty"`
	Reward      int64  `json:"reward"`
	KickoffID   string `json:"kickoff_id,omitempty"`
}

type MissionCreatedResponse struct {
	Mission  domain.Mission `json:"mission"`
	Warnings []string       `json:"warnings,omitempty"`
}

type EnrollmentRequest struct {
	ContributorID string   `json:"contributor_id"`
	Username      string   `json:"username,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

type SubmissionCheckRequest struct {
	ContributorID string `json:"contributor_id"`
}

type OutcomeResponse struct {
	Outcome  engine.Outcome `json:"outcome"`
	Accepted bool           `json:"accepted"`
}

type SubmissionRequest struct {
	ContributorID string `json:"contributor_id"`
	TikTokLink    string `json:"tiktok_link,omitempty"`
	InstagramLink string `json:"instagram_link,omitempty"`
	Reflection    string `json:"reflection,omitempty"`
}

type ContributorSyncRequest struct {
	ContributorID string   `json:"contributor_id"`
	Username      string   `json:"username,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

type ManualPhaseRequest struct {
	Phase string `json:"phase" enum:"ENROLLMENT_CLOSED,SUBMISSION_CLOSED"`
}

type paginatedMissions struct {
	Items []domain.Mission `json:"items"`
}

type paginatedSubmissions struct {
	Items []domain.Submission `json:"items"`
}

type paginatedEvents struct {
	Items []domain.Event `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
