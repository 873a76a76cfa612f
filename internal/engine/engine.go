package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"hubline/internal/domain"
	"hubline/internal/events"
	"hubline/internal/portfolio"
	"hubline/internal/repo"
	"hubline/internal/telemetry"
)

// Store is the storage the decision queue needs.
type Store interface {
	CreateDecision(ctx context.Context, d domain.DecisionItem, evt events.Record) error
	GetDecision(ctx context.Context, hubID, id string) (domain.DecisionItem, error)
	ListDecisions(ctx context.Context, hubID string, f repo.DecisionFilter) ([]domain.DecisionItem, int, error)
	// CommitTransition stores the item and its transition only while the stored status still equals expectedFrom.
	CommitTransition(ctx context.Context, item domain.DecisionItem, tr domain.DecisionTransition, expectedFrom domain.DecisionStatus, evt events.Record) (bool, error)
	ListTransitions(ctx context.Context, hubID, decisionID string) ([]domain.DecisionTransition, error)
}

type Engine struct {
	Store Store
	Log   logrus.FieldLogger
	Now   func() time.Time
	NewID func() string
}

func New(store Store, log logrus.FieldLogger) Engine {
	return Engine{
		Store: store,
		Log:   log,
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// maxCommitAttempts bounds re-reads when a racing writer keeps moving the item.
	maxCommitAttempts = 5
)

var (
	transitionOnce    sync.Once
	transitionCounter metric.Int64Counter
)

func transitions() metric.Int64Counter {
	transitionOnce.Do(func() {
		c, err := telemetry.Meter("hubline/engine").Int64Counter("hubline.decisions.transitions",
			metric.WithDescription("Decision status change attempts"))
		if err == nil {
			transitionCounter = c
		}
	})
	return transitionCounter
}

func recordTransition(ctx context.Context, from, to domain.DecisionStatus, outcome string) {
	c := transitions()
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("outcome", outcome),
	))
}

// CreateInput holds the fields of a new decision item.
type CreateInput struct {
	HubID           string
	Title           string
	Description     string
	DueDate         *time.Time
	Assignee        string
	AssigneeName    string
	RelatedResource *domain.ResourceRef
	Actor           domain.Actor
}

func requireActor(a domain.Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return domain.ValidationError{Field: "actor", Reason: "is required"}
	}
	return nil
}

func (e Engine) Create(ctx context.Context, in CreateInput) (domain.DecisionItem, error) {
	if strings.TrimSpace(in.HubID) == "" {
		return domain.DecisionItem{}, domain.ValidationError{Field: "hub_id", Reason: "is required"}
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.DecisionItem{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if err := requireActor(in.Actor); err != nil {
		return domain.DecisionItem{}, err
	}
	if in.RelatedResource != nil {
		if !in.RelatedResource.Kind.Valid() {
			return domain.DecisionItem{}, domain.ValidationError{Field: "related_resource.kind", Reason: "must be one of document, message, meeting"}
		}
		if strings.TrimSpace(in.RelatedResource.ID) == "" {
			return domain.DecisionItem{}, domain.ValidationError{Field: "related_resource.id", Reason: "is required"}
		}
	}
	now := e.now()
	item := domain.DecisionItem{
		ID:              e.newID(),
		HubID:           in.HubID,
		Title:           title,
		Description:     strings.TrimSpace(in.Description),
		RequestedBy:     in.Actor.ID,
		RequestedByName: displayName(in.Actor),
		Assignee:        in.Assignee,
		AssigneeName:    in.AssigneeName,
		Status:          domain.DecisionOpen,
		RelatedResource: in.RelatedResource,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.DueDate != nil {
		due := in.DueDate.UTC()
		item.DueDate = &due
	}
	evt := events.Record{
		Type:       events.DecisionCreated,
		HubID:      item.HubID,
		EntityKind: "decision",
		EntityID:   item.ID,
		ActorID:    in.Actor.ID,
		TS:         now,
		Payload:    events.EventPayload{"title": item.Title, "status": item.Status, "assignee": item.Assignee},
	}
	if err := e.Store.CreateDecision(ctx, item, evt); err != nil {
		return domain.DecisionItem{}, fmt.Errorf("create decision: %w", err)
	}
	e.log().WithFields(logrus.Fields{"hub_id": item.HubID, "decision_id": item.ID, "actor_id": in.Actor.ID}).Info("decision created")
	return item, nil
}

func displayName(a domain.Actor) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status   domain.DecisionStatus
	Assignee string
}

// List returns one 1-indexed page. page <= 0 means the first page, pageSize <= 0 the default.
func (e Engine) List(ctx context.Context, hubID string, f ListFilter, page, pageSize int) (domain.PaginatedList[domain.DecisionItem], error) {
	if f.Status != "" && !f.Status.Valid() {
		return domain.PaginatedList[domain.DecisionItem]{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	// a page past math.MaxInt items is past the end of any list
	offset := math.MaxInt
	if page-1 <= math.MaxInt/pageSize {
		offset = (page - 1) * pageSize
	}
	items, total, err := e.Store.ListDecisions(ctx, hubID, repo.DecisionFilter{
		Status:   f.Status,
		Assignee: f.Assignee,
		Offset:   offset,
		Limit:    pageSize,
	})
	if err != nil {
		return domain.PaginatedList[domain.DecisionItem]{}, fmt.Errorf("list decisions: %w", err)
	}
	if items == nil {
		items = []domain.DecisionItem{}
	}
	return domain.PaginatedList[domain.DecisionItem]{
		Items: items,
		Pagination: domain.Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: total,
			TotalPages: (total + pageSize - 1) / pageSize,
		},
	}, nil
}

func (e Engine) Get(ctx context.Context, hubID, id string) (domain.DecisionItem, error) {
	item, err := e.Store.GetDecision(ctx, hubID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DecisionItem{}, domain.NotFound("decision", id)
	}
	if err != nil {
		return domain.DecisionItem{}, fmt.Errorf("get decision: %w", err)
	}
	return item, nil
}

type UpdateStatusInput struct {
	HubID      string
	DecisionID string
	To         domain.DecisionStatus
	Reason     string
	Comment    string
	Actor      domain.Actor
	// ExpectedFrom, when set, must match the stored status or the change is a Conflict.
	ExpectedFrom domain.DecisionStatus
}

type UpdateStatusResult struct {
	Item       domain.DecisionItem       `json:"item"`
	Transition domain.DecisionTransition `json:"transition"`
}

// UpdateStatus moves a decision along a legal edge and records the transition with it.
// A rejected change leaves the item and its history untouched.
func (e Engine) UpdateStatus(ctx context.Context, in UpdateStatusInput) (UpdateStatusResult, error) {
	if err := requireActor(in.Actor); err != nil {
		return UpdateStatusResult{}, err
	}
	if !in.To.Valid() {
		return UpdateStatusResult{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", in.To)}
	}
	if in.ExpectedFrom != "" && !in.ExpectedFrom.Valid() {
		return UpdateStatusResult{}, domain.ValidationError{Field: "expected_status", Reason: fmt.Sprintf("unknown status %q", in.ExpectedFrom)}
	}
	logger := e.log().WithFields(logrus.Fields{
		"hub_id":      in.HubID,
		"decision_id": in.DecisionID,
		"to":          in.To,
		"actor_id":    in.Actor.ID,
	})
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		current, err := e.Get(ctx, in.HubID, in.DecisionID)
		if err != nil {
			return UpdateStatusResult{}, err
		}
		if in.ExpectedFrom != "" && current.Status != in.ExpectedFrom {
			recordTransition(ctx, current.Status, in.To, "conflict")
			logger.WithField("from", current.Status).Warn("decision changed since it was read")
			return UpdateStatusResult{}, domain.ConflictError{From: current.Status, To: in.To}
		}
		if err := domain.EnsureTransition(current.Status, in.To); err != nil {
			recordTransition(ctx, current.Status, in.To, "conflict")
			logger.WithField("from", current.Status).Warn("rejected decision transition")
			return UpdateStatusResult{}, err
		}

		now := e.now()
		if now.Before(current.UpdatedAt) {
			now = current.UpdatedAt
		}
		updated := current
		updated.Status = in.To
		updated.UpdatedAt = now
		updated.UpdatedBy = in.Actor.ID
		tr := domain.DecisionTransition{
			ID:            e.newID(),
			DecisionID:    current.ID,
			FromStatus:    current.Status,
			ToStatus:      in.To,
			Reason:        strings.TrimSpace(in.Reason),
			Comment:       strings.TrimSpace(in.Comment),
			ChangedBy:     in.Actor.ID,
			ChangedByName: displayName(in.Actor),
			ChangedAt:     now,
		}
		evt := events.Record{
			Type:       events.DecisionTransitioned,
			HubID:      current.HubID,
			EntityKind: "decision",
			EntityID:   current.ID,
			ActorID:    in.Actor.ID,
			TS:         now,
			Payload: events.EventPayload{
				"from":          tr.FromStatus,
				"to":            tr.ToStatus,
				"transition_id": tr.ID,
				"reason":        tr.Reason,
			},
		}
		ok, err := e.Store.CommitTransition(ctx, updated, tr, current.Status, evt)
		if err != nil {
			return UpdateStatusResult{}, fmt.Errorf("commit decision transition: %w", err)
		}
		if ok {
			recordTransition(ctx, tr.FromStatus, tr.ToStatus, "committed")
			logger.WithField("from", tr.FromStatus).Info("decision transitioned")
			return UpdateStatusResult{Item: updated, Transition: tr}, nil
		}
		logger.WithField("attempt", attempt+1).Debug("decision moved underneath us, re-reading")
	}
	return UpdateStatusResult{}, domain.UnavailableError{
		Op:  "update decision status",
		Err: fmt.Errorf("decision %s kept changing after %d attempts", in.DecisionID, maxCommitAttempts),
	}
}

// History returns the transitions of a decision in commit order.
func (e Engine) History(ctx context.Context, hubID, id string) ([]domain.DecisionTransition, error) {
	if _, err := e.Get(ctx, hubID, id); err != nil {
		return nil, err
	}
	trs, err := e.Store.ListTransitions(ctx, hubID, id)
	if err != nil {
		return nil, fmt.Errorf("list decision transitions: %w", err)
	}
	if trs == nil {
		trs = []domain.DecisionTransition{}
	}
	return trs, nil
}

// Waiting lists the decisions still awaiting the client, most urgent first.
func (e Engine) Waiting(ctx context.Context, hubID string) ([]portfolio.WaitingItem, error) {
	var pending []domain.DecisionItem
	for _, st := range []domain.DecisionStatus{domain.DecisionOpen, domain.DecisionInReview} {
		items, _, err := e.Store.ListDecisions(ctx, hubID, repo.DecisionFilter{Status: st})
		if err != nil {
			return nil, fmt.Errorf("list waiting decisions: %w", err)
		}
		pending = append(pending, items...)
	}
	return portfolio.Waiting(pending, e.now()), nil
}
