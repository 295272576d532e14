package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"missionline/internal/delay"
	"missionline/internal/domain"
	"missionline/internal/engine"
)

// verifyCallback checks the scheduler signature when signing keys are set.
func verifyCallback(ctx context.Context, v delay.Verifier, signature string) error {
	if !v.Enabled() {
		return nil
	}
	if err := v.Verify(signature, bodyBytes(ctx), ""); err != nil {
		return newAPIError(http.StatusUnauthorized, "invalid_signature", "invalid callback signature", nil)
	}
	return nil
}

func registerCallbacks(api huma.API, e engine.Engine, verifier delay.Verifier) {
	huma.Register(api, huma.Operation{
		OperationID: "track-order",
		Method:      http.MethodPost,
		Path:        "/track-order",
		Summary:     "Run one tracking cycle for a mission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Signature string            `header:"Upstash-Signature"`
		Body      TrackOrderRequest `json:"body"`
	}) (*struct {
		Body TrackOrderResponse `json:"body"`
	}, error) {
		if err := verifyCallback(ctx, verifier, input.Signature); err != nil {
			return nil, err
		}
		res, err := e.RunCycle(ctx, input.Body.OrderID, input.Body.ExpectedCount)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TrackOrderResponse{
			Count:     res.Count,
			Outcome:   res.Outcome,
			NextDelay: res.NextDelay,
			Jobs:      res.Jobs,
		}
		switch res.Outcome {
		case engine.CycleLaunched:
			resp.Success = true
		case engine.CycleNoLinks:
			resp.Message = "No links to scrape"
		case engine.CycleExhausted:
			resp.Message = "Tracking complete"
		case engine.CycleSuperseded:
			resp.Message = "Cycle already handled"
		}
		return &struct {
			Body TrackOrderResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-enrollment",
		Method:      http.MethodPost,
		Path:        "/expire-enrollment",
		Summary:     "Apply a mission phase transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Signature string               `header:"Upstash-Signature"`
		Body      PhaseCallbackRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if err := verifyCallback(ctx, verifier, input.Signature); err != nil {
			return nil, err
		}
		res, err := e.HandlePhase(ctx, engine.PhaseRequest{
			MissionID: input.Body.OrderID,
			ThreadID:  input.Body.ThreadID,
			Phase:     domain.Phase(input.Body.Phase),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: PhaseResponse{Success: true, Phase: res.Phase, Applied: res.Applied, Status: res.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scrape-webhook",
		Method:      http.MethodPost,
		Path:        "/scrape-webhook",
		Summary:     "Ingest a finished scrape run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OrderID  string               `query:"orderId"`
		Secret   string               `query:"secret"`
		Platform string               `query:"platform"`
		Body     ScrapeWebhookRequest `json:"body"`
	}) (*struct {
		Body ScrapeWebhookResponse `json:"body"`
	}, error) {
		dataset := input.Body.Resource.ResultSetID
		if dataset == "" {
			dataset = input.Body.Resource.DefaultDatasetID
		}
		res, err := e.IngestScrapeResult(ctx, engine.ScrapeNotification{
			MissionID:  input.OrderID,
			Secret:     input.Secret,
			Platform:   input.Platform,
			EventType:  input.Body.EventType,
			ActorRunID: input.Body.EventData.ActorRunID,
			DatasetID:  dataset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScrapeWebhookResponse `json:"body"`
		}{Body: ScrapeWebhookResponse{Success: true, Result: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "brief-webhook",
		Method:      http.MethodPost,
		Path:        "/brief-webhook",
		Summary:     "Open a mission once its brief is generated",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Secret string              `query:"secret"`
		Body   BriefWebhookRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if err := e.CheckWebhookSecret(input.Secret); err != nil {
			return nil, handleError(err)
		}
		m, err := e.ActivateMission(ctx, input.Body.KickoffID, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}
