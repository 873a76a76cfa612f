package server

import (
	"time"

	"hubline/internal/domain"
	"hubline/internal/engine"
	"hubline/internal/portfolio"
)

// Request payloads

type CreateDecisionRequest struct {
	Title           string              `json:"title" minLength:"1" maxLength:"300"`
	Description     string              `json:"description,omitempty"`
	DueDate         *time.Time          `json:"due_date,omitempty" format:"date-time"`
	Assignee        string              `json:"assignee,omitempty"`
	AssigneeName    string              `json:"assignee_name,omitempty"`
	RelatedResource *domain.ResourceRef `json:"related_resource,omitempty"`
}

type UpdateDecisionStatusRequest struct {
	Status  domain.DecisionStatus `json:"status" enum:"open,in_review,approved,declined"`
	Reason  string                `json:"reason,omitempty"`
	Comment string                `json:"comment,omitempty"`
	// ExpectedStatus rejects the change with 409 unless the decision is still in this status.
	ExpectedStatus domain.DecisionStatus `json:"expected_status,omitempty" enum:"open,in_review,approved,declined"`
}

type InstantAnswerRequest struct {
	Question string `json:"question" minLength:"1" maxLength:"2000"`
}

type PerformanceRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	Period    string `json:"period,omitempty" example:"March 2025"`
}

type ProjectStatusRequest struct {
	Project domain.Project `json:"project"`
	// At evaluates the project as of this instant instead of now.
	At *time.Time `json:"at,omitempty" format:"date-time"`
}

type PortfolioOverviewRequest struct {
	Clients []domain.PortfolioClient `json:"clients"`
	SortBy  portfolio.SortKey        `json:"sort_by,omitempty" enum:"health,name,expansion,lastActivity"`
	Desc    bool                     `json:"desc,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Hubs    []string `json:"hubs,omitempty"`
	Staff   bool     `json:"staff,omitempty"`
}

// Response payloads

type DecisionListResponse struct {
	Items      []domain.DecisionItem `json:"items"`
	Pagination domain.Pagination     `json:"pagination"`
}

type WaitingResponse struct {
	Items []portfolio.WaitingItem `json:"items"`
	Total int                     `json:"total"`
}

type HistoryResponse struct {
	Items []domain.DecisionTransition `json:"items"`
}

type UpdateDecisionStatusResponse = engine.UpdateStatusResult

type JobResponse struct {
	JobID            string           `json:"job_id"`
	Kind             domain.JobKind   `json:"kind"`
	MeetingID        string           `json:"meeting_id,omitempty"`
	Status           domain.JobStatus `json:"status" enum:"queued,ready,error"`
	Result           any              `json:"result,omitempty"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at" format:"date-time"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" format:"date-time"`
	ExpiresAt        time.Time        `json:"expires_at" format:"date-time"`
	PollIntervalHint int64            `json:"poll_interval_hint_ms"`
}

type JobListResponse struct {
	Items []JobResponse `json:"items"`
}

type PortfolioOverviewResponse struct {
	Overview portfolio.Overview       `json:"overview"`
	Clients  []domain.PortfolioClient `json:"clients"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Staff   bool     `json:"staff"`
	Hubs    []string `json:"hubs"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
}

func jobResponse(j domain.Job) JobResponse {
	res := JobResponse{
		JobID:            j.ID,
		Kind:             j.Kind,
		MeetingID:        j.MeetingID,
		Status:           j.Status,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt,
		CompletedAt:      j.CompletedAt,
		ExpiresAt:        j.ExpiresAt,
		PollIntervalHint: j.PollIntervalHint,
	}
	if len(j.Result) > 0 {
		res.Result = j.Result
	}
	return res
}

func mapJobs(items []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, jobResponse(j))
	}
	return out
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
