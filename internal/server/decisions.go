package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hubline/internal/domain"
	"hubline/internal/engine"
)

type HubPath struct {
	HubID string `path:"hub_id" doc:"Client hub"`
}

type DecisionPath struct {
	HubID      string `path:"hub_id" doc:"Client hub"`
	DecisionID string `path:"decision_id"`
}

func registerDecisionQueue(api huma.API, cfg Config) {
	e := cfg.Decisions

	huma.Register(api, huma.Operation{
		OperationID:   "create-decision",
		Method:        http.MethodPost,
		Path:          "/hubs/{hub_id}/decision-queue",
		Summary:       "Create decision item",
		Description:   "Staff ask the client for a decision. New items start open.",
		Tags:          []string{"decisions"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		HubPath
		Body CreateDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.DecisionItem `json:"body"`
	}, error) {
		p, err := hubPrincipal(ctx, input.HubID)
		if err != nil {
			return nil, err
		}
		if err := p.RequireStaff("creating decisions"); err != nil {
			return nil, handleError(err)
		}
		item, err := e.Create(ctx, engine.CreateInput{
			HubID:           input.HubID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			DueDate:         input.Body.DueDate,
			Assignee:        input.Body.Assignee,
			AssigneeName:    input.Body.AssigneeName,
			RelatedResource: input.Body.RelatedResource,
			Actor:           p.Actor(),
		})
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &struct {
			Body domain.DecisionItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/decision-queue",
		Summary:     "List decision items",
		Description: "Oldest first by creation time, one 1-indexed page at a time.",
		Tags:        []string{"decisions"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		HubPath
		Status   string `query:"status" doc:"open, in_review, approved or declined"`
		Assignee string `query:"assignee"`
		Page     int    `query:"page" default:"1"`
		PageSize int    `query:"page_size" default:"20" doc:"Capped at 100"`
	}) (*struct {
		Body DecisionListResponse `json:"body"`
	}, error) {
		if _, err := hubPrincipal(ctx, input.HubID); err != nil {
			return nil, err
		}
		list, err := e.List(ctx, input.HubID, engine.ListFilter{
			Status:   domain.DecisionStatus(input.Status),
			Assignee: input.Assignee,
		}, input.Page, input.PageSize)
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &struct {
			Body DecisionListResponse `json:"body"`
		}{Body: DecisionListResponse{Items: list.Items, Pagination: list.Pagination}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "waiting-decisions",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/decision-queue/waiting",
		Summary:     "Decisions awaiting the client",
		Description: "Open and in-review items, most urgent first, with an urgency band.",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *HubPath) (*struct {
		Body WaitingResponse `json:"body"`
	}, error) {
		if _, err := hubPrincipal(ctx, input.HubID); err != nil {
			return nil, err
		}
		items, err := e.Waiting(ctx, input.HubID)
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &struct {
			Body WaitingResponse `json:"body"`
		}{Body: WaitingResponse{Items: nonNilSlice(items), Total: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/decision-queue/{decision_id}",
		Summary:     "Get decision item",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *DecisionPath) (*struct {
		Body domain.DecisionItem `json:"body"`
	}, error) {
		if _, err := hubPrincipal(ctx, input.HubID); err != nil {
			return nil, err
		}
		item, err := e.Get(ctx, input.HubID, input.DecisionID)
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &struct {
			Body domain.DecisionItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-decision-status",
		Method:      http.MethodPatch,
		Path:        "/hubs/{hub_id}/decision-queue/{decision_id}",
		Summary:     "Change decision status",
		Description: "Applies one legal transition and records it. Illegal transitions return 409 with details.from and details.to and change nothing.",
		Tags:        []string{"decisions"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		DecisionPath
		Body UpdateDecisionStatusRequest `json:"body"`
	}) (*struct {
		Body UpdateDecisionStatusResponse `json:"body"`
	}, error) {
		p, err := hubPrincipal(ctx, input.HubID)
		if err != nil {
			return nil, err
		}
		res, err := e.UpdateStatus(ctx, engine.UpdateStatusInput{
			HubID:        input.HubID,
			DecisionID:   input.DecisionID,
			To:           input.Body.Status,
			Reason:       input.Body.Reason,
			Comment:      input.Body.Comment,
			ExpectedFrom: input.Body.ExpectedStatus,
			Actor:        p.Actor(),
		})
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &struct {
			Body UpdateDecisionStatusResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-history",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/decision-queue/{decision_id}/history",
		Summary:     "Decision transition history",
		Description: "Transitions oldest first.",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *DecisionPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, err := hubPrincipal(ctx, input.HubID); err != nil {
			return nil, err
		}
		trs, err := e.History(ctx, input.HubID, input.DecisionID)
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: nonNilSlice(trs)}}, nil
	})
}
