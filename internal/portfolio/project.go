package portfolio

import (
	"fmt"
	"math"
	"sort"
	"time"

	"hubline/internal/domain"
)

type DisplayStatus string

const (
	DisplayOnTrack DisplayStatus = "on_track"
	DisplayAtRisk  DisplayStatus = "at_risk"
	DisplayDelayed DisplayStatus = "delayed"
)

// NearDueDays is the window in which an unfinished milestone puts a project at risk.
const NearDueDays = 7

type StatusResult struct {
	Status      DisplayStatus `json:"status" enum:"on_track,at_risk,delayed"`
	Label       string        `json:"label"`
	Description string        `json:"description,omitempty"`
}

func withinDays(target, now time.Time, days int) bool {
	return target.After(now) && !target.After(now.Add(time.Duration(days)*day))
}

// ProjectDisplayStatus classifies a project for display.
func ProjectDisplayStatus(p domain.Project, now time.Time) StatusResult {
	switch p.Status {
	case domain.ProjectCompleted:
		return StatusResult{Status: DisplayOnTrack, Label: "Completed", Description: "Project has been completed"}
	case domain.ProjectCancelled:
		return StatusResult{Status: DisplayOnTrack, Label: "Cancelled", Description: "Project has been cancelled"}
	case domain.ProjectOnHold:
		return StatusResult{Status: DisplayAtRisk, Label: "On Hold", Description: "Project is currently paused"}
	}

	for _, m := range p.Milestones {
		if m.Status == domain.MilestoneMissed {
			return StatusResult{Status: DisplayDelayed, Label: "Delayed", Description: "One or more milestones have been missed"}
		}
	}
	if p.TargetEndDate != nil && p.TargetEndDate.Before(now) {
		return StatusResult{Status: DisplayDelayed, Label: "Delayed", Description: "Project is past its target end date"}
	}
	for _, m := range p.Milestones {
		if m.Status != domain.MilestoneCompleted && m.TargetDate.Before(now) {
			return StatusResult{Status: DisplayDelayed, Label: "Delayed", Description: "One or more milestones are overdue"}
		}
	}
	for _, m := range p.Milestones {
		if m.Status != domain.MilestoneCompleted && withinDays(m.TargetDate, now, NearDueDays) {
			return StatusResult{Status: DisplayAtRisk, Label: "At Risk", Description: fmt.Sprintf("Milestone due within %d days", NearDueDays)}
		}
	}
	return StatusResult{Status: DisplayOnTrack, Label: "On Track", Description: "Project is progressing as expected"}
}

func MilestoneDisplayStatus(m domain.Milestone, now time.Time) StatusResult {
	switch {
	case m.Status == domain.MilestoneCompleted:
		return StatusResult{Status: DisplayOnTrack, Label: "Completed"}
	case m.Status == domain.MilestoneMissed:
		return StatusResult{Status: DisplayDelayed, Label: "Missed"}
	case m.TargetDate.Before(now):
		return StatusResult{Status: DisplayDelayed, Label: "Overdue"}
	case withinDays(m.TargetDate, now, NearDueDays):
		return StatusResult{Status: DisplayAtRisk, Label: "Due Soon"}
	case m.Status == domain.MilestoneInProgress:
		return StatusResult{Status: DisplayOnTrack, Label: "In Progress"}
	}
	return StatusResult{Status: DisplayOnTrack, Label: "Not Started"}
}

// ProjectProgress is the rounded percentage of completed milestones.
func ProjectProgress(milestones []domain.Milestone) int {
	if len(milestones) == 0 {
		return 0
	}
	done := 0
	for _, m := range milestones {
		if m.Status == domain.MilestoneCompleted {
			done++
		}
	}
	return int(math.Round(float64(done) / float64(len(milestones)) * 100))
}

func byTargetDate(milestones []domain.Milestone) []domain.Milestone {
	out := append([]domain.Milestone(nil), milestones...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TargetDate.Before(out[j].TargetDate)
	})
	return out
}

// CurrentMilestone is the first in-progress milestone by target date, else the first not started.
func CurrentMilestone(milestones []domain.Milestone) (domain.Milestone, bool) {
	m, idx := currentIndex(byTargetDate(milestones))
	return m, idx >= 0
}

func currentIndex(sorted []domain.Milestone) (domain.Milestone, int) {
	for i, m := range sorted {
		if m.Status == domain.MilestoneInProgress {
			return m, i
		}
	}
	for i, m := range sorted {
		if m.Status == domain.MilestoneNotStarted {
			return m, i
		}
	}
	return domain.Milestone{}, -1
}

// NextMilestone is the first unfinished milestone after the current one. Without a
// current milestone it falls back to the first unfinished milestone not yet past.
func NextMilestone(milestones []domain.Milestone, now time.Time) (domain.Milestone, bool) {
	sorted := byTargetDate(milestones)
	_, idx := currentIndex(sorted)
	if idx < 0 {
		for _, m := range sorted {
			if m.Status != domain.MilestoneCompleted && !m.TargetDate.Before(now) {
				return m, true
			}
		}
		return domain.Milestone{}, false
	}
	for _, m := range sorted[idx+1:] {
		if m.Status != domain.MilestoneCompleted {
			return m, true
		}
	}
	return domain.Milestone{}, false
}

func FormatDaysUntil(target, now time.Time) string {
	d := DaysUntil(target, now)
	switch {
	case d == -1:
		return "1 day overdue"
	case d < 0:
		return fmt.Sprintf("%d days overdue", -d)
	case d == 0:
		return "Due today"
	case d == 1:
		return "Due tomorrow"
	}
	return fmt.Sprintf("%d days", d)
}

// ProjectSummary bundles the derived fields shown on a project card.
type ProjectSummary struct {
	Display          StatusResult      `json:"display"`
	Progress         int               `json:"progress"`
	CurrentMilestone *domain.Milestone `json:"current_milestone,omitempty"`
	NextMilestone    *domain.Milestone `json:"next_milestone,omitempty"`
	NextDue          string            `json:"next_due,omitempty"`
}

func Summarize(p domain.Project, now time.Time) ProjectSummary {
	s := ProjectSummary{
		Display:  ProjectDisplayStatus(p, now),
		Progress: ProjectProgress(p.Milestones),
	}
	if m, ok := CurrentMilestone(p.Milestones); ok {
		s.CurrentMilestone = &m
	}
	if m, ok := NextMilestone(p.Milestones, now); ok {
		s.NextMilestone = &m
		s.NextDue = FormatDaysUntil(m.TargetDate, now)
	}
	return s
}
