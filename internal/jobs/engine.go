// Package jobs runs deferred content generation behind a submit/poll contract.
//
// A submitted job starts queued and is completed exactly once, in the
// background, as ready (with a result) or error (with a message). Jobs past
// their expiry are reported as not found even while still stored.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"hubline/internal/domain"
	"hubline/internal/events"
	"hubline/internal/repo"
	"hubline/internal/telemetry"
)

// Store is the storage the job engine needs.
type Store interface {
	CreateJob(ctx context.Context, j domain.Job, evt events.Record) error
	GetJob(ctx context.Context, hubID, id string) (domain.Job, error)
	ListJobs(ctx context.Context, hubID string, f repo.JobFilter) ([]domain.Job, error)
	// CompleteJob writes a terminal job only while the stored one is still queued.
	CompleteJob(ctx context.Context, j domain.Job, evt events.Record) (bool, error)
	DeleteExpiredJobs(ctx context.Context, before time.Time) (int64, error)
}

// ContextSource supplies the pending decisions a generator grounds its content on.
type ContextSource interface {
	PendingDecisions(ctx context.Context, hubID string) ([]domain.DecisionItem, error)
}

type Config struct {
	TTL             time.Duration
	PollInterval    time.Duration
	CompletionDelay time.Duration
	Workers         int64
	ProduceTimeout  time.Duration
}

const (
	DefaultTTL             = time.Hour
	DefaultPollInterval    = 2 * time.Second
	DefaultCompletionDelay = 2 * time.Second
	DefaultWorkers         = 4
	DefaultProduceTimeout  = 2 * time.Minute
	DefaultRecentLimit     = 10
	MaxRecentLimit         = 100
	completeTimeout        = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CompletionDelay < 0 {
		c.CompletionDelay = 0
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ProduceTimeout <= 0 {
		c.ProduceTimeout = DefaultProduceTimeout
	}
	return c
}

var ErrClosed = errors.New("job engine closed")

type Engine struct {
	Store     Store
	Generator Generator
	Context   ContextSource
	Config    Config
	Log       logrus.FieldLogger
	Now       func() time.Time
	NewID     func() string

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	base   context.Context
	cancel context.CancelFunc
}

// New builds an engine. A nil generator falls back to TemplateGenerator.
func New(store Store, gen Generator, cfg Config, log logrus.FieldLogger) *Engine {
	if gen == nil {
		gen = TemplateGenerator{}
	}
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		Store:     store,
		Generator: gen,
		Config:    cfg,
		Log:       log,
		Now:       time.Now,
		NewID:     uuid.NewString,
		sem:       semaphore.NewWeighted(cfg.Workers),
		base:      base,
		cancel:    cancel,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

var jobMetrics struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	duration  metric.Float64Histogram
}

var jobMetricsOnce sync.Once

func initJobMetrics() {
	m := telemetry.Meter("hubline/jobs")
	jobMetrics.submitted, _ = m.Int64Counter("hubline.jobs.submitted",
		metric.WithDescription("Jobs accepted for generation"))
	jobMetrics.completed, _ = m.Int64Counter("hubline.jobs.completed",
		metric.WithDescription("Jobs that reached a terminal status"))
	jobMetrics.duration, _ = m.Float64Histogram("hubline.jobs.duration",
		metric.WithDescription("Time from submission to completion"),
		metric.WithUnit("ms"))
}

type SubmitRequest struct {
	HubID     string
	Kind      domain.JobKind
	MeetingID string
	Question  string
	Narrative NarrativeInput
	Actor     domain.Actor
}

// Handle is what a submitter gets back: enough to start polling.
type Handle struct {
	JobID            string           `json:"job_id"`
	Kind             domain.JobKind   `json:"kind"`
	Status           domain.JobStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at" format:"date-time"`
	ExpiresAt        time.Time        `json:"expires_at" format:"date-time"`
	PollIntervalHint int64            `json:"poll_interval_hint_ms"`
}

func (r SubmitRequest) input() (json.RawMessage, error) {
	var v any
	switch r.Kind {
	case domain.JobInstantAnswer:
		q := strings.TrimSpace(r.Question)
		if q == "" {
			return nil, domain.ValidationError{Field: "question", Reason: "must not be empty"}
		}
		v = QuestionInput{Question: q}
	case domain.JobMeetingPrep, domain.JobMeetingFollowUp:
		if strings.TrimSpace(r.MeetingID) == "" {
			return nil, domain.ValidationError{Field: "meeting_id", Reason: "is required"}
		}
		return nil, nil
	case domain.JobPerformanceNarrative:
		v = r.Narrative
	default:
		return nil, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown job kind %q", r.Kind)}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode job input: %w", err)
	}
	return data, nil
}

// Submit stores a queued job and schedules its single completion. It never waits for it.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	if strings.TrimSpace(req.HubID) == "" {
		return Handle{}, domain.ValidationError{Field: "hub_id", Reason: "is required"}
	}
	input, err := req.input()
	if err != nil {
		return Handle{}, err
	}
	now := e.now()
	job := domain.Job{
		ID:               e.newID(),
		HubID:            req.HubID,
		Kind:             req.Kind,
		Input:            input,
		Status:           domain.JobQueued,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.Config.TTL),
		PollIntervalHint: e.Config.PollInterval.Milliseconds(),
		CreatedBy:        req.Actor.ID,
	}
	if req.Kind.MeetingScoped() {
		job.MeetingID = req.MeetingID
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Handle{}, domain.UnavailableError{Op: "submit job", Err: ErrClosed}
	}
	e.wg.Add(1)
	e.mu.Unlock()

	evt := events.Record{
		Type:       events.JobSubmitted,
		HubID:      job.HubID,
		EntityKind: "job",
		EntityID:   job.ID,
		ActorID:    req.Actor.ID,
		TS:         now,
		Payload:    events.EventPayload{"kind": job.Kind, "meeting_id": job.MeetingID},
	}
	if err := e.Store.CreateJob(ctx, job, evt); err != nil {
		e.wg.Done()
		return Handle{}, fmt.Errorf("create job: %w", err)
	}
	jobMetricsOnce.Do(initJobMetrics)
	if jobMetrics.submitted != nil {
		jobMetrics.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(job.Kind))))
	}
	go e.run(job)

	e.log().WithFields(logrus.Fields{"hub_id": job.HubID, "job_id": job.ID, "kind": job.Kind}).Info("job submitted")
	return Handle{
		JobID:            job.ID,
		Kind:             job.Kind,
		Status:           job.Status,
		CreatedAt:        job.CreatedAt,
		ExpiresAt:        job.ExpiresAt,
		PollIntervalHint: job.PollIntervalHint,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errShuttingDown = errors.New("generation cancelled: service shutting down")

func (e *Engine) run(job domain.Job) {
	defer e.wg.Done()
	if err := sleepCtx(e.base, e.Config.CompletionDelay); err != nil {
		e.finish(job, nil, errShuttingDown)
		return
	}
	if err := e.sem.Acquire(e.base, 1); err != nil {
		e.finish(job, nil, errShuttingDown)
		return
	}
	defer e.sem.Release(1)

	ctx, cancel := context.WithTimeout(e.base, e.Config.ProduceTimeout)
	defer cancel()
	ctx, span := telemetry.Tracer("hubline/jobs").Start(ctx, "jobs.produce")
	defer span.End()
	span.SetAttributes(
		attribute.String("hubline.job.id", job.ID),
		attribute.String("hubline.job.kind", string(job.Kind)),
	)
	result, err := e.produce(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.base.Err() != nil {
			err = errShuttingDown
		}
	}
	e.finish(job, result, err)
}

func (e *Engine) hubContext(ctx context.Context, hubID string) HubContext {
	hub := HubContext{HubID: hubID, Now: e.now()}
	if e.Context == nil {
		return hub
	}
	pending, err := e.Context.PendingDecisions(ctx, hubID)
	if err != nil {
		e.log().WithField("hub_id", hubID).WithError(err).Warn("generating without decision context")
		return hub
	}
	hub.Pending = pending
	return hub
}

func (e *Engine) produce(ctx context.Context, job domain.Job) (any, error) {
	hub := e.hubContext(ctx, job.HubID)
	switch job.Kind {
	case domain.JobInstantAnswer:
		var in QuestionInput
		if err := json.Unmarshal(job.Input, &in); err != nil {
			return nil, fmt.Errorf("decode question: %w", err)
		}
		return e.Generator.InstantAnswer(ctx, hub, in.Question)
	case domain.JobMeetingPrep:
		return e.Generator.MeetingPrep(ctx, hub, job.MeetingID)
	case domain.JobMeetingFollowUp:
		return e.Generator.MeetingFollowUp(ctx, hub, job.MeetingID)
	case domain.JobPerformanceNarrative:
		var in NarrativeInput
		if len(job.Input) > 0 {
			if err := json.Unmarshal(job.Input, &in); err != nil {
				return nil, fmt.Errorf("decode narrative input: %w", err)
			}
		}
		return e.Generator.PerformanceNarrative(ctx, hub, in)
	}
	return nil, fmt.Errorf("no generator for job kind %s", job.Kind)
}

// finish performs the job's one terminal write.
func (e *Engine) finish(job domain.Job, result any, cause error) {
	now := e.now()
	done := job
	done.CompletedAt = &now
	if cause == nil {
		data, err := json.Marshal(result)
		if err != nil {
			cause = fmt.Errorf("encode result: %w", err)
		} else {
			done.Status = domain.JobReady
			done.Result = data
		}
	}
	evt := events.Record{
		Type:       events.JobCompleted,
		HubID:      job.HubID,
		EntityKind: "job",
		EntityID:   job.ID,
		TS:         now,
		Payload:    events.EventPayload{"kind": job.Kind, "status": domain.JobReady},
	}
	if cause != nil {
		done.Status = domain.JobError
		done.Result = nil
		done.Error = cause.Error()
		evt.Type = events.JobFailed
		evt.Payload = events.EventPayload{"kind": job.Kind, "status": domain.JobError, "error": done.Error}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.base), completeTimeout)
	defer cancel()
	logger := e.log().WithFields(logrus.Fields{"hub_id": job.HubID, "job_id": job.ID, "kind": job.Kind, "status": done.Status})
	ok, err := e.Store.CompleteJob(ctx, done, evt)
	if err != nil {
		logger.WithError(err).Error("job completion not stored")
		return
	}
	if !ok {
		logger.Warn("job already completed, dropping second completion")
		return
	}
	jobMetricsOnce.Do(initJobMetrics)
	attrs := metric.WithAttributes(attribute.String("kind", string(job.Kind)), attribute.String("status", string(done.Status)))
	if jobMetrics.completed != nil {
		jobMetrics.completed.Add(ctx, 1, attrs)
		jobMetrics.duration.Record(ctx, float64(now.Sub(job.CreatedAt).Milliseconds()), attrs)
	}
	if cause != nil {
		logger.WithError(cause).Warn("job failed")
		return
	}
	logger.Info("job ready")
}

// Get returns a job of the hub. Unknown and expired jobs are both NotFound.
func (e *Engine) Get(ctx context.Context, hubID, id string) (domain.Job, error) {
	job, err := e.Store.GetJob(ctx, hubID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, domain.NotFound("job", id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.Expired(e.now()) {
		return domain.Job{}, domain.NotFound("job", id)
	}
	return job, nil
}

// GetKind is Get restricted to one kind, so a route for one feature cannot read another's jobs.
func (e *Engine) GetKind(ctx context.Context, hubID, id string, kind domain.JobKind) (domain.Job, error) {
	job, err := e.Get(ctx, hubID, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Kind != kind {
		return domain.Job{}, domain.NotFound("job", id)
	}
	return job, nil
}

func completedAt(j domain.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return time.Time{}
}

// ListRecent returns the hub's ready jobs of a kind, most recently completed first.
func (e *Engine) ListRecent(ctx context.Context, hubID string, kind domain.JobKind, limit int) ([]domain.Job, error) {
	if !kind.Valid() {
		return nil, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown job kind %q", kind)}
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	all, err := e.Store.ListJobs(ctx, hubID, repo.JobFilter{Kind: kind, Status: domain.JobReady})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	now := e.now()
	res := make([]domain.Job, 0, len(all))
	for _, j := range all {
		if j.Status == domain.JobReady && !j.Expired(now) {
			res = append(res, j)
		}
	}
	sort.SliceStable(res, func(a, b int) bool {
		ca, cb := completedAt(res[a]), completedAt(res[b])
		if !ca.Equal(cb) {
			return ca.After(cb)
		}
		if !res[a].CreatedAt.Equal(res[b].CreatedAt) {
			return res[a].CreatedAt.After(res[b].CreatedAt)
		}
		return res[a].ID > res[b].ID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// LatestNarrative is the most recent ready performance narrative of the hub.
func (e *Engine) LatestNarrative(ctx context.Context, hubID string) (domain.Job, error) {
	recent, err := e.ListRecent(ctx, hubID, domain.JobPerformanceNarrative, 1)
	if err != nil {
		return domain.Job{}, err
	}
	if len(recent) == 0 {
		return domain.Job{}, domain.NotFound("performance narrative", "latest")
	}
	return recent[0], nil
}

// LatestForMeeting is the newest live job of a meeting in any status, so callers can keep polling it.
func (e *Engine) LatestForMeeting(ctx context.Context, hubID, meetingID string, kind domain.JobKind) (domain.Job, error) {
	if !kind.MeetingScoped() {
		return domain.Job{}, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("%s is not a meeting job", kind)}
	}
	all, err := e.Store.ListJobs(ctx, hubID, repo.JobFilter{Kind: kind, MeetingID: meetingID})
	if err != nil {
		return domain.Job{}, fmt.Errorf("list meeting jobs: %w", err)
	}
	now := e.now()
	var latest *domain.Job
	for i := range all {
		j := all[i]
		if j.Expired(now) {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) || (j.CreatedAt.Equal(latest.CreatedAt) && j.ID > latest.ID) {
			latest = &j
		}
	}
	if latest == nil {
		return domain.Job{}, domain.NotFound(string(kind), meetingID)
	}
	return *latest, nil
}

// Sweep deletes jobs whose expiry has passed.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	n, err := e.Store.DeleteExpiredJobs(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired jobs: %w", err)
	}
	if n > 0 {
		e.log().WithField("deleted", n).Info("swept expired jobs")
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log().WithError(err).Warn("sweep failed")
			}
		}
	}
}

// Close stops accepting jobs and waits for pending completions. When ctx ends
// first, pending generation is cancelled and those jobs complete as errors.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
