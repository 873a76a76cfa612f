// Package portfolio holds the read-model rules behind the dashboards: urgency
// ordering of decisions, staleness of generated data, project display status
// and client portfolio ordering. Every function is pure and takes the clock
// reading explicitly.
package portfolio

import (
	"math"
	"sort"
	"time"

	"hubline/internal/domain"
)

type UrgencyBand string

const (
	BandOverdue UrgencyBand = "overdue"
	BandUrgent  UrgencyBand = "urgent"
	BandNormal  UrgencyBand = "normal"
)

const (
	UrgentWithinDays = 3
	StaleAfter       = 24 * time.Hour
	day              = 24 * time.Hour
)

// SortByUrgency returns a copy ordered by due date, undated items last by creation time.
func SortByUrgency(items []domain.DecisionItem) []domain.DecisionItem {
	out := append([]domain.DecisionItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return urgencyLess(out[i], out[j])
	})
	return out
}

func urgencyLess(a, b domain.DecisionItem) bool {
	switch {
	case a.DueDate != nil && b.DueDate != nil:
		if !a.DueDate.Equal(*b.DueDate) {
			return a.DueDate.Before(*b.DueDate)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	case a.DueDate != nil:
		return true
	case b.DueDate != nil:
		return false
	default:
		return a.CreatedAt.Before(b.CreatedAt)
	}
}

// DaysUntil is the whole-day ceiling of due - now; negative once due has passed by a day or more.
func DaysUntil(due, now time.Time) int {
	return int(math.Ceil(due.Sub(now).Hours() / 24))
}

// Band classifies a due date. A missing due date is always normal.
func Band(due *time.Time, now time.Time) UrgencyBand {
	if due == nil {
		return BandNormal
	}
	if due.Before(now) {
		return BandOverdue
	}
	if DaysUntil(*due, now) <= UrgentWithinDays {
		return BandUrgent
	}
	return BandNormal
}

// IsStale reports whether a generated payload is older than the freshness window.
func IsStale(ts, now time.Time) bool {
	return now.Sub(ts) > StaleAfter
}

// WaitingItem is a decision still awaiting the client, with its band at read time.
type WaitingItem struct {
	domain.DecisionItem
	Urgency   UrgencyBand `json:"urgency" enum:"overdue,urgent,normal"`
	DaysUntil *int        `json:"days_until,omitempty"`
}

// Waiting keeps open and in_review items, most urgent first.
func Waiting(items []domain.DecisionItem, now time.Time) []WaitingItem {
	var pending []domain.DecisionItem
	for _, it := range items {
		if !it.Status.Terminal() {
			pending = append(pending, it)
		}
	}
	sorted := SortByUrgency(pending)
	out := make([]WaitingItem, 0, len(sorted))
	for _, it := range sorted {
		w := WaitingItem{DecisionItem: it, Urgency: Band(it.DueDate, now)}
		if it.DueDate != nil {
			d := DaysUntil(*it.DueDate, now)
			w.DaysUntil = &d
		}
		out = append(out, w)
	}
	return out
}
