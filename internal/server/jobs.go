package server

import (
	"context"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"

	"hubline/internal/domain"
	"hubline/internal/jobs"
)

type jobPath struct {
	HubID string `path:"hub_id" doc:"Client hub"`
	JobID string `path:"job_id"`
}

type meetingPath struct {
	HubID     string `path:"hub_id" doc:"Client hub"`
	MeetingID string `path:"meeting_id"`
}

type handleOutput struct {
	Location string      `header:"Location"`
	Body     jobs.Handle `json:"body"`
}

type jobOutput struct {
	Body JobResponse `json:"body"`
}

var submitErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusServiceUnavailable,
}

var pollErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
}

func submit(ctx context.Context, cfg Config, req jobs.SubmitRequest, location func(jobID string) string) (*handleOutput, error) {
	p, err := hubPrincipal(ctx, req.HubID)
	if err != nil {
		return nil, err
	}
	req.Actor = p.Actor()
	h, err := cfg.Jobs.Submit(ctx, req)
	if err != nil {
		return nil, cfg.fail(ctx, err)
	}
	return &handleOutput{Location: location(h.JobID), Body: h}, nil
}

func registerInstantAnswers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-instant-answer",
		Method:        http.MethodPost,
		Path:          "/hubs/{hub_id}/instant-answer/requests",
		Summary:       "Ask a question about the project",
		Description:   "Returns at once with a queued job. Poll the job until it is ready or error.",
		Tags:          []string{"instant-answer"},
		DefaultStatus: http.StatusAccepted,
		Errors:        submitErrors,
	}, func(ctx context.Context, input *struct {
		HubPath
		Body InstantAnswerRequest `json:"body"`
	}) (*handleOutput, error) {
		return submit(ctx, cfg, jobs.SubmitRequest{
			HubID:    input.HubID,
			Kind:     domain.JobInstantAnswer,
			Question: input.Body.Question,
		}, func(id string) string {
			return path.Join(cfg.BasePath, "hubs", input.HubID, "instant-answer", id)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "recent-instant-answers",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/instant-answer/latest",
		Summary:     "Recent answers",
		Description: "Ready, unexpired answers, most recently completed first.",
		Tags:        []string{"instant-answer"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		HubPath
		Limit int `query:"limit" default:"10" doc:"Capped at 100"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		if _, err := hubPrincipal(ctx, input.HubID); err != nil {
			return nil, err
		}
		items, err := cfg.Jobs.ListRecent(ctx, input.HubID, domain.JobInstantAnswer, input.Limit)
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Items: mapJobs(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instant-answer",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/instant-answer/{job_id}",
		Summary:     "Poll an instant answer",
		Description: "Unknown and expired jobs are both 404.",
		Tags:        []string{"instant-answer"},
		Errors:      pollErrors,
	}, func(ctx context.Context, input *jobPath) (*jobOutput, error) {
		return getJob(ctx, cfg, input.HubID, input.JobID, domain.JobInstantAnswer)
	})
}

func getJob(ctx context.Context, cfg Config, hubID, jobID string, kind domain.JobKind) (*jobOutput, error) {
	if _, err := hubPrincipal(ctx, hubID); err != nil {
		return nil, err
	}
	job, err := cfg.Jobs.GetKind(ctx, hubID, jobID, kind)
	if err != nil {
		return nil, cfg.fail(ctx, err)
	}
	return &jobOutput{Body: jobResponse(job)}, nil
}

func registerMeetings(api huma.API, cfg Config) {
	for _, m := range []struct {
		kind    domain.JobKind
		segment string
		summary string
	}{
		{domain.JobMeetingPrep, "prep", "meeting prep"},
		{domain.JobMeetingFollowUp, "follow-up", "meeting follow-up"},
	} {
		kind := m.kind
		huma.Register(api, huma.Operation{
			OperationID:   "generate-" + string(kind),
			Method:        http.MethodPost,
			Path:          "/hubs/{hub_id}/meetings/{meeting_id}/" + m.segment + "/generate",
			Summary:       "Generate " + m.summary,
			Tags:          []string{"meetings"},
			DefaultStatus: http.StatusAccepted,
			Errors:        submitErrors,
		}, func(ctx context.Context, input *meetingPath) (*handleOutput, error) {
			return submit(ctx, cfg, jobs.SubmitRequest{
				HubID:     input.HubID,
				Kind:      kind,
				MeetingID: input.MeetingID,
			}, func(string) string {
				return path.Join(cfg.BasePath, "hubs", input.HubID, "meetings", input.MeetingID, m.segment)
			})
		})

		huma.Register(api, huma.Operation{
			OperationID: "get-" + string(kind),
			Method:      http.MethodGet,
			Path:        "/hubs/{hub_id}/meetings/{meeting_id}/" + m.segment,
			Summary:     "Latest " + m.summary,
			Description: "The newest unexpired job for the meeting in any status.",
			Tags:        []string{"meetings"},
			Errors:      pollErrors,
		}, func(ctx context.Context, input *meetingPath) (*jobOutput, error) {
			if _, err := hubPrincipal(ctx, input.HubID); err != nil {
				return nil, err
			}
			job, err := cfg.Jobs.LatestForMeeting(ctx, input.HubID, input.MeetingID, kind)
			if err != nil {
				return nil, cfg.fail(ctx, err)
			}
			return &jobOutput{Body: jobResponse(job)}, nil
		})
	}
}

func registerPerformance(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-performance-narrative",
		Method:        http.MethodPost,
		Path:          "/hubs/{hub_id}/performance/generate",
		Summary:       "Generate a performance narrative",
		Tags:          []string{"performance"},
		DefaultStatus: http.StatusAccepted,
		Errors:        submitErrors,
	}, func(ctx context.Context, input *struct {
		HubPath
		Body *PerformanceRequest `json:"body,omitempty" required:"false"`
	}) (*handleOutput, error) {
		var in jobs.NarrativeInput
		if input.Body != nil {
			in = jobs.NarrativeInput{ProjectID: input.Body.ProjectID, Period: input.Body.Period}
		}
		return submit(ctx, cfg, jobs.SubmitRequest{
			HubID:     input.HubID,
			Kind:      domain.JobPerformanceNarrative,
			Narrative: in,
		}, func(id string) string {
			return path.Join(cfg.BasePath, "hubs", input.HubID, "performance", id)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-performance-narrative",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/performance/latest",
		Summary:     "Latest ready performance narrative",
		Tags:        []string{"performance"},
		Errors:      pollErrors,
	}, func(ctx context.Context, input *HubPath) (*jobOutput, error) {
		if _, err := hubPrincipal(ctx, input.HubID); err != nil {
			return nil, err
		}
		job, err := cfg.Jobs.LatestNarrative(ctx, input.HubID)
		if err != nil {
			return nil, cfg.fail(ctx, err)
		}
		return &jobOutput{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-performance-narrative",
		Method:      http.MethodGet,
		Path:        "/hubs/{hub_id}/performance/{job_id}",
		Summary:     "Poll a performance narrative",
		Tags:        []string{"performance"},
		Errors:      pollErrors,
	}, func(ctx context.Context, input *jobPath) (*jobOutput, error) {
		return getJob(ctx, cfg, input.HubID, input.JobID, domain.JobPerformanceNarrative)
	})
}
