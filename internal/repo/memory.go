package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"hubline/internal/domain"
	"hubline/internal/events"
)

// Memory is an in-process store with the same guard semantics as Repo.
type Memory struct {
	mu          sync.RWMutex
	decisions   map[string]domain.DecisionItem
	transitions map[string][]domain.DecisionTransition
	jobs        map[string]domain.Job
	events      []domain.Event
	Now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		decisions:   map[string]domain.DecisionItem{},
		transitions: map[string][]domain.DecisionTransition{},
		jobs:        map[string]domain.Job{},
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// newEvent encodes rec with the next id. Callers hold m.mu and append the result only after
// every other write of the same commit succeeded.
func (m *Memory) newEvent(rec events.Record) (domain.Event, error) {
	data, err := rec.Marshal()
	if err != nil {
		return domain.Event{}, err
	}
	ts := rec.TS
	if ts.IsZero() {
		ts = m.now()
	}
	actor := rec.ActorID
	if actor == "" {
		actor = "system"
	}
	return domain.Event{
		ID:         int64(len(m.events) + 1),
		TS:         ts.UTC(),
		Type:       rec.Type,
		HubID:      rec.HubID,
		EntityKind: rec.EntityKind,
		EntityID:   rec.EntityID,
		ActorID:    actor,
		Payload:    data,
	}, nil
}

func cloneDecision(d domain.DecisionItem) domain.DecisionItem {
	if d.DueDate != nil {
		due := *d.DueDate
		d.DueDate = &due
	}
	if d.RelatedResource != nil {
		ref := *d.RelatedResource
		d.RelatedResource = &ref
	}
	return d
}

func (m *Memory) CreateDecision(ctx context.Context, d domain.DecisionItem, evt events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.ID]; ok {
		return errors.Errorf("decision %s already exists", d.ID)
	}
	e, err := m.newEvent(evt)
	if err != nil {
		return err
	}
	m.decisions[d.ID] = cloneDecision(d)
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) GetDecision(ctx context.Context, hubID, id string) (domain.DecisionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok || d.HubID != hubID {
		return domain.DecisionItem{}, ErrNotFound
	}
	return cloneDecision(d), nil
}

func (m *Memory) ListDecisions(ctx context.Context, hubID string, f DecisionFilter) ([]domain.DecisionItem, int, error) {
	if f.Offset < 0 {
		return nil, 0, errors.Errorf("list decisions: negative offset %d", f.Offset)
	}
	m.mu.RLock()
	var matched []domain.DecisionItem
	for _, d := range m.decisions {
		if d.HubID != hubID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Assignee != "" && d.Assignee != f.Assignee {
			continue
		}
		matched = append(matched, cloneDecision(d))
	}
	m.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if f.Limit <= 0 {
		return matched, total, nil
	}
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (m *Memory) CommitTransition(ctx context.Context, item domain.DecisionItem, tr domain.DecisionTransition, expectedFrom domain.DecisionStatus, evt events.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.decisions[item.ID]
	if !ok || stored.HubID != item.HubID || stored.Status != expectedFrom {
		return false, nil
	}
	e, err := m.newEvent(evt)
	if err != nil {
		return false, err
	}
	stored.Status = item.Status
	stored.UpdatedAt = item.UpdatedAt
	stored.UpdatedBy = item.UpdatedBy
	m.decisions[item.ID] = stored
	m.transitions[item.ID] = append(m.transitions[item.ID], tr)
	m.events = append(m.events, e)
	return true, nil
}

func (m *Memory) ListTransitions(ctx context.Context, hubID, decisionID string) ([]domain.DecisionTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[decisionID]
	if !ok || d.HubID != hubID {
		return nil, nil
	}
	return append([]domain.DecisionTransition(nil), m.transitions[decisionID]...), nil
}

func (m *Memory) CreateJob(ctx context.Context, j domain.Job, evt events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Errorf("job %s already exists", j.ID)
	}
	e, err := m.newEvent(evt)
	if err != nil {
		return err
	}
	m.jobs[j.ID] = j
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, hubID, id string) (domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok || j.HubID != hubID {
		return domain.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) ListJobs(ctx context.Context, hubID string, f JobFilter) ([]domain.Job, error) {
	m.mu.RLock()
	var res []domain.Job
	for _, j := range m.jobs {
		if j.HubID != hubID {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.MeetingID != "" && j.MeetingID != f.MeetingID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		res = append(res, j)
	}
	m.mu.RUnlock()
	sort.Slice(res, func(a, b int) bool {
		if !res[a].CreatedAt.Equal(res[b].CreatedAt) {
			return res[a].CreatedAt.Before(res[b].CreatedAt)
		}
		return res[a].ID < res[b].ID
	})
	return res, nil
}

func (m *Memory) CompleteJob(ctx context.Context, j domain.Job, evt events.Record) (bool, error) {
	if !j.Status.Terminal() {
		return false, errors.Errorf("complete job %s: status %s is not terminal", j.ID, j.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[j.ID]
	if !ok || stored.HubID != j.HubID || stored.Status != domain.JobQueued {
		return false, nil
	}
	e, err := m.newEvent(evt)
	if err != nil {
		return false, err
	}
	stored.Status = j.Status
	stored.Result = j.Result
	stored.Error = j.Error
	stored.CompletedAt = j.CompletedAt
	m.jobs[j.ID] = stored
	m.events = append(m.events, e)
	return true, nil
}

func (m *Memory) DeleteExpiredJobs(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.ExpiresAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Event
	for _, e := range m.events {
		if e.ID <= cursor {
			continue
		}
		res = append(res, e)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *Memory) LatestEventID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}
