package domain

import (
	"encoding/json"
	"time"
)

type DecisionStatus string

const (
	DecisionOpen     DecisionStatus = "open"
	DecisionInReview DecisionStatus = "in_review"
	DecisionApproved DecisionStatus = "approved"
	DecisionDeclined DecisionStatus = "declined"
)

// DecisionStatuses lists every status in lifecycle order.
var DecisionStatuses = []DecisionStatus{DecisionOpen, DecisionInReview, DecisionApproved, DecisionDeclined}

func (s DecisionStatus) Valid() bool {
	switch s {
	case DecisionOpen, DecisionInReview, DecisionApproved, DecisionDeclined:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s DecisionStatus) Terminal() bool {
	return s == DecisionApproved || s == DecisionDeclined
}

type ResourceKind string

const (
	ResourceDocument ResourceKind = "document"
	ResourceMessage  ResourceKind = "message"
	ResourceMeeting  ResourceKind = "meeting"
)

func (k ResourceKind) Valid() bool {
	return k == ResourceDocument || k == ResourceMessage || k == ResourceMeeting
}

type ResourceRef struct {
	Kind ResourceKind `json:"kind" enum:"document,message,meeting"`
	ID   string       `json:"id"`
}

type DecisionItem struct {
	ID              string         `json:"id"`
	HubID           string         `json:"hub_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	DueDate         *time.Time     `json:"due_date,omitempty" format:"date-time"`
	RequestedBy     string         `json:"requested_by"`
	RequestedByName string         `json:"requested_by_name"`
	Assignee        string         `json:"assignee,omitempty"`
	AssigneeName    string         `json:"assignee_name,omitempty"`
	Status          DecisionStatus `json:"status" enum:"open,in_review,approved,declined"`
	RelatedResource *ResourceRef   `json:"related_resource,omitempty"`
	CreatedAt       time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time      `json:"updated_at" format:"date-time"`
	UpdatedBy       string         `json:"updated_by,omitempty"`
}

type DecisionTransition struct {
	ID            string         `json:"id"`
	DecisionID    string         `json:"decision_id"`
	FromStatus    DecisionStatus `json:"from_status" enum:"open,in_review,approved,declined"`
	ToStatus      DecisionStatus `json:"to_status" enum:"open,in_review,approved,declined"`
	Reason        string         `json:"reason,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	ChangedBy     string         `json:"changed_by"`
	ChangedByName string         `json:"changed_by_name"`
	ChangedAt     time.Time      `json:"changed_at" format:"date-time"`
}

// Actor is the identity attached to every mutating call.
type Actor struct {
	ID   string
	Name string
}

type JobKind string

const (
	JobInstantAnswer        JobKind = "instant_answer"
	JobMeetingPrep          JobKind = "meeting_prep"
	JobMeetingFollowUp      JobKind = "meeting_follow_up"
	JobPerformanceNarrative JobKind = "performance_narrative"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobInstantAnswer, JobMeetingPrep, JobMeetingFollowUp, JobPerformanceNarrative:
		return true
	}
	return false
}

// MeetingScoped reports whether jobs of this kind belong to a meeting.
func (k JobKind) MeetingScoped() bool {
	return k == JobMeetingPrep || k == JobMeetingFollowUp
}

type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobReady  JobStatus = "ready"
	JobError  JobStatus = "error"
)

func (s JobStatus) Terminal() bool {
	return s == JobReady || s == JobError
}

type Job struct {
	ID               string          `json:"id"`
	HubID            string          `json:"hub_id"`
	MeetingID        string          `json:"meeting_id,omitempty"`
	Kind             JobKind         `json:"kind" enum:"instant_answer,meeting_prep,meeting_follow_up,performance_narrative"`
	Input            json.RawMessage `json:"input,omitempty"`
	Status           JobStatus       `json:"status" enum:"queued,ready,error"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at" format:"date-time"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" format:"date-time"`
	ExpiresAt        time.Time       `json:"expires_at" format:"date-time"`
	PollIntervalHint int64           `json:"poll_interval_hint_ms"`
	CreatedBy        string          `json:"created_by,omitempty"`
}

// Expired reports whether readers must treat the job as absent.
func (j Job) Expired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

type Evidence struct {
	ID       string     `json:"id"`
	Source   string     `json:"source"`
	Excerpt  string     `json:"excerpt"`
	Redacted bool       `json:"redacted"`
	Date     *time.Time `json:"date,omitempty" format:"date-time"`
}

type InstantAnswer struct {
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Source     string     `json:"source"`
	Confidence Confidence `json:"confidence" enum:"high,medium,low"`
	Evidence   []Evidence `json:"evidence"`
}

type MeetingPrep struct {
	Summary          string    `json:"summary"`
	SinceLastMeeting []string  `json:"since_last_meeting"`
	DecisionsNeeded  []string  `json:"decisions_needed"`
	GeneratedAt      time.Time `json:"generated_at" format:"date-time"`
}

type MeetingFollowUp struct {
	Summary       string    `json:"summary"`
	AgreedActions []string  `json:"agreed_actions"`
	Decisions     []string  `json:"decisions"`
	GeneratedAt   time.Time `json:"generated_at" format:"date-time"`
}

type PerformanceNarrative struct {
	ProjectID       string    `json:"project_id,omitempty"`
	Period          string    `json:"period"`
	Summaries       []string  `json:"summaries"`
	Recommendations []string  `json:"recommendations"`
	GeneratedAt     time.Time `json:"generated_at" format:"date-time"`
}

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectOnHold    ProjectStatus = "on_hold"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "not_started"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneMissed     MilestoneStatus = "missed"
)

type Milestone struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     MilestoneStatus `json:"status" enum:"not_started,in_progress,completed,missed"`
	TargetDate time.Time       `json:"target_date" format:"date-time"`
}

type Project struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Status        ProjectStatus `json:"status" enum:"active,on_hold,completed,cancelled"`
	TargetEndDate *time.Time    `json:"target_end_date,omitempty" format:"date-time"`
	Milestones    []Milestone   `json:"milestones"`
}

type HealthStatus string

const (
	HealthStrong HealthStatus = "strong"
	HealthStable HealthStatus = "stable"
	HealthAtRisk HealthStatus = "at_risk"
)

type HealthDriver struct {
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

type RelationshipHealth struct {
	Score            int            `json:"score"`
	Status           HealthStatus   `json:"status" enum:"strong,stable,at_risk"`
	Trend            string         `json:"trend,omitempty"`
	Drivers          []HealthDriver `json:"drivers,omitempty"`
	Evidence         []Evidence     `json:"evidence,omitempty"`
	LastCalculatedAt time.Time      `json:"last_calculated_at" format:"date-time"`
}

type OpportunityStatus string

const (
	OpportunityOpen      OpportunityStatus = "open"
	OpportunityAccepted  OpportunityStatus = "accepted"
	OpportunityDismissed OpportunityStatus = "dismissed"
)

type ExpansionOpportunity struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Confidence Confidence        `json:"confidence" enum:"high,medium,low"`
	Status     OpportunityStatus `json:"status" enum:"open,accepted,dismissed"`
	Evidence   []Evidence        `json:"evidence,omitempty"`
	CreatedAt  time.Time         `json:"created_at" format:"date-time"`
}

type PortfolioClient struct {
	HubID          string                 `json:"hub_id"`
	Name           string                 `json:"name"`
	Health         RelationshipHealth     `json:"health"`
	Opportunities  []ExpansionOpportunity `json:"opportunities,omitempty"`
	LastActivityAt time.Time              `json:"last_activity_at" format:"date-time"`
}

type Event struct {
	ID         int64           `json:"id"`
	TS         time.Time       `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	HubID      string          `json:"hub_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Pagination is 1-indexed.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

type PaginatedList[T any] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}
