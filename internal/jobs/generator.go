package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hubline/internal/domain"
	"hubline/internal/portfolio"
)

// HubContext is what a generator knows about the hub when it runs.
type HubContext struct {
	HubID   string
	Now     time.Time
	Pending []domain.DecisionItem
}

// Generator produces the content of one job kind.
type Generator interface {
	InstantAnswer(ctx context.Context, hub HubContext, question string) (domain.InstantAnswer, error)
	MeetingPrep(ctx context.Context, hub HubContext, meetingID string) (domain.MeetingPrep, error)
	MeetingFollowUp(ctx context.Context, hub HubContext, meetingID string) (domain.MeetingFollowUp, error)
	PerformanceNarrative(ctx context.Context, hub HubContext, in NarrativeInput) (domain.PerformanceNarrative, error)
}

type QuestionInput struct {
	Question string `json:"question"`
}

type NarrativeInput struct {
	ProjectID string `json:"project_id,omitempty"`
	Period    string `json:"period,omitempty"`
}

func defaultPeriod(in NarrativeInput, now time.Time) string {
	if strings.TrimSpace(in.Period) != "" {
		return strings.TrimSpace(in.Period)
	}
	return now.Format("January 2006")
}

// TemplateGenerator writes fixed-form content from the hub's decision queue.
// It needs no network and is the default generator.
type TemplateGenerator struct{}

func (TemplateGenerator) InstantAnswer(ctx context.Context, hub HubContext, question string) (domain.InstantAnswer, error) {
	q := strings.TrimSpace(question)
	ans := domain.InstantAnswer{
		Question:   q,
		Answer:     fmt.Sprintf("Based on the project data, %s The team is tracking well against milestones.", strings.ToLower(q)),
		Source:     "Project timeline and meeting notes",
		Confidence: domain.ConfidenceMedium,
		Evidence:   []domain.Evidence{},
	}
	for i, item := range portfolio.SortByUrgency(hub.Pending) {
		if i == 3 {
			break
		}
		created := item.CreatedAt
		ans.Evidence = append(ans.Evidence, domain.Evidence{
			ID:      "ev-" + item.ID,
			Source:  "decision_queue",
			Excerpt: fmt.Sprintf("Awaiting decision: %s", item.Title),
			Date:    &created,
		})
	}
	return ans, nil
}

func pendingLines(hub HubContext) []string {
	lines := []string{}
	for _, w := range portfolio.Waiting(hub.Pending, hub.Now) {
		if w.DueDate == nil {
			lines = append(lines, w.Title)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", w.Title, portfolio.FormatDaysUntil(*w.DueDate, hub.Now)))
	}
	return lines
}

func (TemplateGenerator) MeetingPrep(ctx context.Context, hub HubContext, meetingID string) (domain.MeetingPrep, error) {
	since := []string{}
	for _, item := range hub.Pending {
		if item.Status == domain.DecisionInReview {
			since = append(since, fmt.Sprintf("%q moved into review", item.Title))
		}
	}
	if len(since) == 0 {
		since = append(since, "No decision activity since the last meeting")
	}
	return domain.MeetingPrep{
		Summary:          fmt.Sprintf("Preparation notes for meeting %s covering %d open decision(s).", meetingID, len(hub.Pending)),
		SinceLastMeeting: since,
		DecisionsNeeded:  pendingLines(hub),
		GeneratedAt:      hub.Now,
	}, nil
}

func (TemplateGenerator) MeetingFollowUp(ctx context.Context, hub HubContext, meetingID string) (domain.MeetingFollowUp, error) {
	actions := []string{}
	for _, item := range portfolio.SortByUrgency(hub.Pending) {
		owner := item.AssigneeName
		if owner == "" {
			owner = item.Assignee
		}
		if owner == "" {
			continue
		}
		actions = append(actions, fmt.Sprintf("%s to respond on %q", owner, item.Title))
	}
	return domain.MeetingFollowUp{
		Summary:       fmt.Sprintf("Follow-up for meeting %s.", meetingID),
		AgreedActions: actions,
		Decisions:     []string{},
		GeneratedAt:   hub.Now,
	}, nil
}

func (TemplateGenerator) PerformanceNarrative(ctx context.Context, hub HubContext, in NarrativeInput) (domain.PerformanceNarrative, error) {
	waiting := portfolio.Waiting(hub.Pending, hub.Now)
	var overdue, urgent []string
	for _, w := range waiting {
		switch w.Urgency {
		case portfolio.BandOverdue:
			overdue = append(overdue, w.Title)
		case portfolio.BandUrgent:
			urgent = append(urgent, w.Title)
		}
	}
	summaries := []string{
		fmt.Sprintf("%d decision(s) are awaiting client input.", len(waiting)),
	}
	if len(overdue)+len(urgent) > 0 {
		summaries = append(summaries, fmt.Sprintf("%d overdue and %d due within %d days.", len(overdue), len(urgent), portfolio.UrgentWithinDays))
	} else {
		summaries = append(summaries, "No decisions are blocking delivery.")
	}
	recs := []string{}
	if len(overdue) > 0 {
		recs = append(recs, "Follow up on overdue decisions: "+strings.Join(overdue, ", "))
	}
	if len(urgent) > 0 {
		recs = append(recs, "Flag decisions due soon in the next client sync.")
	}
	if len(recs) == 0 {
		recs = append(recs, "Schedule a stakeholder preview session before the next milestone.")
	}
	return domain.PerformanceNarrative{
		ProjectID:       in.ProjectID,
		Period:          defaultPeriod(in, hub.Now),
		Summaries:       summaries,
		Recommendations: recs,
		GeneratedAt:     hub.Now,
	}, nil
}
