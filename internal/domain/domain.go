package domain

import (
	"strings"
	"time"
)

type MissionStatus string

const (
	StatusPendingGeneration MissionStatus = "PENDING_GENERATION"
	StatusOpen              MissionStatus = "OPEN"
	StatusInProgress        MissionStatus = "IN_PROGRESS"
	StatusCompleted         MissionStatus = "COMPLETED"
)

// Rank orders statuses along the lifecycle; transitions never decrease it.
func (s MissionStatus) Rank() int {
	switch s {
	case StatusPendingGeneration:
		return 0
	case StatusOpen:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

func (s MissionStatus) Valid() bool { return s.Rank() >= 0 }

type Phase string

const (
	PhaseEnrollmentClosed Phase = "ENROLLMENT_CLOSED"
	PhaseSubmissionClosed Phase = "SUBMISSION_CLOSED"
)

func (p Phase) Valid() bool {
	return p == PhaseEnrollmentClosed || p == PhaseSubmissionClosed
}

type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
)

// Platforms lists every trackable platform in launch order.
var Platforms = []Platform{PlatformTikTok, PlatformInstagram}

// ParsePlatform accepts the lower-case tag used in callback URLs.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformTikTok:
		return PlatformTikTok, true
	case PlatformInstagram:
		return PlatformInstagram, true
	}
	return "", false
}

// Domain is the substring a link must contain to count as a link for p.
func (p Platform) Domain() string {
	switch p {
	case PlatformTikTok:
		return "tiktok.com"
	case PlatformInstagram:
		return "instagram.com"
	}
	return ""
}

type Mission struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Brief               string        `json:"brief,omitempty"`
	ProductLink         string        `json:"product_link,omitempty"`
	Reward              int64         `json:"reward"`
	Status              MissionStatus `json:"status" enum:"PENDING_GENERATION,OPEN,IN_PROGRESS,COMPLETED"`
	ThreadID            string        `json:"thread_id,omitempty"`
	KickoffID           string        `json:"kickoff_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	EnrollmentWindowEnd time.Time     `json:"enrollment_window_end"`
	SubmissionWindowEnd time.Time     `json:"submission_window_end"`
	ScrapeCount         int           `json:"scrape_count"`
	IsTracking          bool          `json:"is_tracking"`
	TrackingStartedAt   *time.Time    `json:"tracking_started_at,omitempty"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// EnrollmentWindow is the duration fixed at creation for enrollment.
func (m Mission) EnrollmentWindow() time.Duration {
	return m.EnrollmentWindowEnd.Sub(m.CreatedAt)
}

// SubmissionWindow is the duration fixed at creation for submissions.
func (m Mission) SubmissionWindow() time.Duration {
	return m.SubmissionWindowEnd.Sub(m.CreatedAt)
}

// TrackingState is the pair every tracking decision reads and every
// tracking update is conditioned on.
type TrackingState struct {
	ScrapeCount int  `json:"scrape_count"`
	IsTracking  bool `json:"is_tracking"`
}

func (m Mission) Tracking() TrackingState {
	return TrackingState{ScrapeCount: m.ScrapeCount, IsTracking: m.IsTracking}
}

type Contributor struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	MissionID     string    `json:"mission_id"`
	ContributorID string    `json:"contributor_id"`
	JoinedAt      time.Time `json:"joined_at"`
}

const SubmissionPendingReview = "PENDING_REVIEW"

// Metrics are cumulative engagement totals as last reported by a scrape.
type Metrics struct {
	Views      int64      `json:"views"`
	Likes      int64      `json:"likes"`
	Shares     int64      `json:"shares"`
	Comments   int64      `json:"comments"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

type Submission struct {
	ID               string    `json:"id"`
	MissionID        string    `json:"mission_id"`
	ContributorID    string    `json:"contributor_id"`
	TikTokLink       string    `json:"tiktok_link,omitempty"`
	InstagramLink    string    `json:"instagram_link,omitempty"`
	Reflection       string    `json:"reflection,omitempty"`
	Status           string    `json:"status"`
	TikTokMetrics    Metrics   `json:"tiktok_metrics"`
	InstagramMetrics Metrics   `json:"instagram_metrics"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s Submission) Link(p Platform) string {
	switch p {
	case PlatformTikTok:
		return s.TikTokLink
	case PlatformInstagram:
		return s.InstagramLink
	}
	return ""
}

func (s Submission) Metrics(p Platform) Metrics {
	switch p {
	case PlatformTikTok:
		return s.TikTokMetrics
	case PlatformInstagram:
		return s.InstagramMetrics
	}
	return Metrics{}
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	MissionID   string `json:"mission_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
	PublishedAt string `json:"published_at,omitempty"`
}
