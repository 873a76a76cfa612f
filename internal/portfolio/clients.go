package portfolio

import (
	"sort"
	"strings"
	"time"

	"hubline/internal/domain"
)

type SortKey string

const (
	SortHealth       SortKey = "health"
	SortName         SortKey = "name"
	SortExpansion    SortKey = "expansion"
	SortLastActivity SortKey = "lastActivity"
)

func (k SortKey) Valid() bool {
	switch k {
	case SortHealth, SortName, SortExpansion, SortLastActivity:
		return true
	}
	return false
}

func confidenceRank(c domain.Confidence) int {
	switch c {
	case domain.ConfidenceHigh:
		return 3
	case domain.ConfidenceMedium:
		return 2
	case domain.ConfidenceLow:
		return 1
	}
	return 0
}

// ExpansionPotential is the best confidence among the client's open opportunities.
func ExpansionPotential(c domain.PortfolioClient) domain.Confidence {
	best := domain.ConfidenceLow
	for _, o := range c.Opportunities {
		if o.Status == domain.OpportunityOpen && confidenceRank(o.Confidence) > confidenceRank(best) {
			best = o.Confidence
		}
	}
	return best
}

// SortClients returns a copy ordered by key. An empty key keeps input order.
func SortClients(clients []domain.PortfolioClient, key SortKey, desc bool) []domain.PortfolioClient {
	out := append([]domain.PortfolioClient(nil), clients...)
	if key == "" {
		return out
	}
	cmp := func(a, b domain.PortfolioClient) int {
		switch key {
		case SortHealth:
			return a.Health.Score - b.Health.Score
		case SortName:
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case SortExpansion:
			return confidenceRank(ExpansionPotential(a)) - confidenceRank(ExpansionPotential(b))
		case SortLastActivity:
			return a.LastActivityAt.Compare(b.LastActivityAt)
		}
		return 0
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := cmp(out[i], out[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

// ExpansionReadyCount counts open opportunities held with high confidence.
func ExpansionReadyCount(opps []domain.ExpansionOpportunity) int {
	n := 0
	for _, o := range opps {
		if o.Confidence == domain.ConfidenceHigh && o.Status == domain.OpportunityOpen {
			n++
		}
	}
	return n
}

// SortDrivers orders health drivers by weight, heaviest first.
func SortDrivers(drivers []domain.HealthDriver) []domain.HealthDriver {
	out := append([]domain.HealthDriver(nil), drivers...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight > out[j].Weight
	})
	return out
}

type Overview struct {
	TotalClients        int       `json:"total_clients"`
	AtRiskCount         int       `json:"at_risk_count"`
	ExpansionReadyCount int       `json:"expansion_ready_count"`
	AvgHealthScore      int       `json:"avg_health_score"`
	LastCalculatedAt    time.Time `json:"last_calculated_at,omitempty" format:"date-time"`
	Stale               bool      `json:"stale"`
}

// SummarizeClients aggregates a portfolio. Staleness follows the oldest health calculation.
func SummarizeClients(clients []domain.PortfolioClient, now time.Time) Overview {
	ov := Overview{TotalClients: len(clients)}
	if len(clients) == 0 {
		return ov
	}
	total := 0
	var oldest time.Time
	for i, c := range clients {
		total += c.Health.Score
		if c.Health.Status == domain.HealthAtRisk {
			ov.AtRiskCount++
		}
		ov.ExpansionReadyCount += ExpansionReadyCount(c.Opportunities)
		if i == 0 || c.Health.LastCalculatedAt.Before(oldest) {
			oldest = c.Health.LastCalculatedAt
		}
	}
	ov.AvgHealthScore = int(float64(total)/float64(len(clients)) + 0.5)
	ov.LastCalculatedAt = oldest
	ov.Stale = IsStale(oldest, now)
	return ov
}
