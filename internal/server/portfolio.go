package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hubline/internal/portfolio"
)

func registerPortfolio(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodPost,
		Path:        "/portfolio/project-status",
		Summary:     "Classify a project",
		Description: "Derives the display status, progress and milestone pointers of the project as of now (or `at`).",
		Tags:        []string{"portfolio"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ProjectStatusRequest `json:"body"`
	}) (*struct {
		Body portfolio.ProjectSummary `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		now := cfg.now()
		if input.Body.At != nil {
			now = input.Body.At.UTC()
		}
		return &struct {
			Body portfolio.ProjectSummary `json:"body"`
		}{Body: portfolio.Summarize(input.Body.Project, now)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "portfolio-overview",
		Method:      http.MethodPost,
		Path:        "/portfolio/overview",
		Summary:     "Aggregate client health",
		Description: "Staff only. Counts at-risk and expansion-ready clients, averages health and flags data older than 24h as stale.",
		Tags:        []string{"portfolio"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body PortfolioOverviewRequest `json:"body"`
	}) (*struct {
		Body PortfolioOverviewResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := p.RequireStaff("viewing the portfolio"); err != nil {
			return nil, handleError(err)
		}
		clients := portfolio.SortClients(input.Body.Clients, input.Body.SortBy, input.Body.Desc)
		for i := range clients {
			clients[i].Health.Drivers = portfolio.SortDrivers(clients[i].Health.Drivers)
		}
		return &struct {
			Body PortfolioOverviewResponse `json:"body"`
		}{Body: PortfolioOverviewResponse{
			Overview: portfolio.SummarizeClients(input.Body.Clients, cfg.now()),
			Clients:  nonNilSlice(clients),
		}}, nil
	})
}
