package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/repo"
)

type missionPath struct {
	MissionID string `path:"mission_id"`
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionCreatedResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermMissionsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.CreateMission(ctx, engine.MissionCreateOptions{
			Title:       input.Body.Title,
			Brief:       input.Body.Brief,
			ProductLink: input.Body.ProductLink,
			Reward:      input.Body.Reward,
			KickoffID:   input.Body.KickoffID,
			ActorID:     principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionCreatedResponse `json:"body"`
		}{Body: MissionCreatedResponse{Mission: res.Mission, Warnings: res.Warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"PENDING_GENERATION,OPEN,IN_PROGRESS,COMPLETED"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermMissionsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListMissions(ctx, repo.MissionFilters{
			Status: domain.MissionStatus(strings.ToUpper(input.Status)),
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Mission{}
		}
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: paginatedMissions{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermMissionsRead); err != nil {
			return nil, handleError(err)
		}
		m, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/submissions",
		Summary:     "List a mission's submissions with their latest metrics",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body paginatedSubmissions `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermMissionsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSubmissions(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Submission{}
		}
		return &struct {
			Body paginatedSubmissions `json:"body"`
		}{Body: paginatedSubmissions{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fire-phase",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/phases",
		Summary:     "Apply a phase transition now",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string             `path:"mission_id"`
		Body      ManualPhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermMissionsWrite); err != nil {
			return nil, handleError(err)
		}
		res, err := e.HandlePhase(ctx, engine.PhaseRequest{MissionID: input.MissionID, Phase: domain.Phase(input.Body.Phase)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: PhaseResponse{Success: true, Phase: res.Phase, Applied: res.Applied, Status: res.Status}}, nil
	})
}

func registerContributors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "enroll",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/enrollments",
		Summary:     "Attempt to enroll a contributor",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      EnrollmentRequest `json:"body"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermContributorsAct); err != nil {
			return nil, handleError(err)
		}
		outcome, err := e.AttemptEnroll(ctx, engine.EnrollRequest{
			MissionID:     input.MissionID,
			ContributorID: input.Body.ContributorID,
			Username:      input.Body.Username,
			Roles:         input.Body.Roles,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: OutcomeResponse{Outcome: outcome, Accepted: outcome.Accepted()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-submission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/submission-checks",
		Summary:     "Check whether a contributor may submit",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MissionID string                 `path:"mission_id"`
		Body      SubmissionCheckRequest `json:"body"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermContributorsAct); err != nil {
			return nil, handleError(err)
		}
		outcome, err := e.AttemptSubmit(ctx, input.MissionID, input.Body.ContributorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: OutcomeResponse{Outcome: outcome, Accepted: outcome.Accepted()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-submission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/submissions",
		Summary:     "Record a contributor's submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      SubmissionRequest `json:"body"`
	}) (*struct {
		Body engine.RecordResult `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermContributorsAct); err != nil {
			return nil, handleError(err)
		}
		res, err := e.RecordSubmission(ctx, engine.SubmissionInput{
			MissionID:     input.MissionID,
			ContributorID: input.Body.ContributorID,
			Links: map[domain.Platform]string{
				domain.PlatformTikTok:    input.Body.TikTokLink,
				domain.PlatformInstagram: input.Body.InstagramLink,
			},
			Reflection: input.Body.Reflection,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RecordResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-contributor",
		Method:      http.MethodPost,
		Path:        "/contributors/sync",
		Summary:     "Sync a contributor's roles from the chat surface",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ContributorSyncRequest `json:"body"`
	}) (*struct {
		Body domain.Contributor `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermContributorsAct); err != nil {
			return nil, handleError(err)
		}
		c, err := e.SyncContributor(ctx, input.Body.ContributorID, input.Body.Username, input.Body.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contributor `json:"body"`
		}{Body: c}, nil
	})
}

func registerTracking(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-tracking-cycle",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/tracking-cycles",
		Summary:     "Run one tracking cycle now",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body engine.CycleResult `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTrackingRun); err != nil {
			return nil, handleError(err)
		}
		res, err := e.RunCycle(ctx, input.MissionID, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CycleResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermMissionsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.MissionID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: items}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
		}}, nil
	})
}
