// Package risk implements the two-stage risk assessment pipeline for chat events.
//
// Every ingested event is scored by a fast keyword heuristic and, when the
// gating conditions are met, by an external semantic classifier. The two
// scores are merged deterministically (70% classifier, 30% heuristic) into an
// Assessment on a 0-100 scale. Each assessment feeds a rolling per-actor risk
// average, and scores at or above the high threshold raise a moderator alert.
package risk

import (
	"context"
	"errors"
	"time"
)

// Category classifies the dominant risk signal of an assessment.
type Category string

const (
	CategoryNormal          Category = "normal"
	CategoryConcerning      Category = "concerning"
	CategoryHighRisk        Category = "high_risk"
	CategoryHateSpeech      Category = "hate_speech"
	CategoryViolentRhetoric Category = "violent_rhetoric"
	CategoryExtremism       Category = "extremism"
	CategoryHarassment      Category = "harassment"
	CategoryError           Category = "error"
)

// Severity grades an alert for moderator triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert lifecycle states. Transitions are driven by moderators through the
// reporting API; the pipeline only ever creates alerts in StatusOpen.
const (
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// Default score thresholds on the 0-100 scale.
const (
	DefaultLowThreshold      = 30.0
	DefaultMediumThreshold   = 60.0 // flags the assessment
	DefaultHighThreshold     = 85.0 // raises an alert
	DefaultCriticalThreshold = 95.0
)

// Default pipeline tuning.
const (
	DefaultQueueSize      = 1024
	DefaultMinInterval    = 2 * time.Second
	DefaultContextWindow  = 5
	DefaultRollingWindow  = 20
	DefaultGateMinLength  = 50
	DefaultGateMinScore   = 30.0
	DefaultClassifyBudget = 30 * time.Second
)

var (
	// ErrShuttingDown is returned by Submit after shutdown has begun.
	ErrShuttingDown = errors.New("risk: pipeline shutting down")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("risk: not found")
	// ErrInvalidTransition is returned for illegal alert status changes.
	ErrInvalidTransition = errors.New("risk: invalid alert status transition")
)

// Event is one immutable chat message observed by the platform adapter.
type Event struct {
	ID          string       `json:"id"`
	ExternalID  string       `json:"externalId"` // platform message ID, dedup key
	ActorID     string       `json:"actorId"`
	ChannelID   string       `json:"channelId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ActorName   string       `json:"actorName"`
	ActorIsBot  bool         `json:"actorIsBot"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Attachment carries metadata only; content is never fetched.
type Attachment struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// Actor is the tracked entity whose aggregate risk is maintained.
// RiskScore is the only field the pipeline mutates after creation, and always
// through the rolling updater.
type Actor struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"externalId"`
	DisplayName string    `json:"displayName"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	EventCount  int64     `json:"eventCount"`
	RiskScore   float64   `json:"riskScore"`
	Flags       []string  `json:"flags,omitempty"`
}

// Indicator is one piece of evidence contributing to an assessment.
type Indicator struct {
	Type        string `json:"type"`
	Description string `json:"description"` // matched pattern or classifier finding
	Severity    string `json:"severity"`
}

// Analysis is the normalized output of one scoring stage (heuristic or
// classifier) before combination. All scores are on the 0-100 scale.
type Analysis struct {
	RiskScore           float64     `json:"riskScore"`
	Category            Category    `json:"category"`
	Indicators          []Indicator `json:"indicators"`
	Explanation         string      `json:"explanation"`
	Confidence          float64     `json:"confidence"`
	Method              string      `json:"method"` // "heuristic" or "classifier"
	RequiresHumanReview bool        `json:"requiresHumanReview"`
}

// Assessment is the immutable scoring result for one event.
type Assessment struct {
	ID          string      `json:"id"`
	EventID     string      `json:"eventId,omitempty"`
	ActorID     string      `json:"actorId"`
	ChannelID   string      `json:"channelId"`
	RiskScore   float64     `json:"riskScore"`
	Category    Category    `json:"category"`
	Indicators  []Indicator `json:"indicators"`
	Explanation string      `json:"explanation,omitempty"`
	Confidence  float64     `json:"confidence"`
	Flagged     bool        `json:"flagged"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Alert is a moderator-facing record created when an assessment crosses the
// high threshold.
type Alert struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channelId"`
	ActorID         string     `json:"actorId"`
	AssessmentID    string     `json:"assessmentId"`
	RiskScore       float64    `json:"riskScore"`
	Severity        Severity   `json:"severity"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// AssessmentFilter narrows reporting queries over assessments.
type AssessmentFilter struct {
	ChannelID   string
	ActorID     string
	FlaggedOnly bool
	Offset      int
	Limit       int
}

// AlertFilter narrows reporting queries over alerts.
type AlertFilter struct {
	ChannelID string
	Status    string
	Severity  Severity
	Offset    int
	Limit     int
}

// Stats is the aggregate snapshot served by the reporting API.
type Stats struct {
	TotalAssessments int64   `json:"totalAssessments"`
	FlaggedCount     int64   `json:"flaggedCount"`
	AverageRiskScore float64 `json:"averageRiskScore"`
	HighRiskActors   int64   `json:"highRiskActors"`
	OpenAlerts       int64   `json:"openAlerts"`
}

// Store is the persistence port. Implementations must make UpsertActor and
// AppendEvent idempotent, and CreateAlert must refuse a second alert for the
// same assessment.
type Store interface {
	// UpsertActor creates the actor on first observation (keyed by external
	// ID) or refreshes display name and last_seen, and returns the record.
	UpsertActor(ctx context.Context, externalID, displayName string) (*Actor, error)
	// AppendEvent stores the event. Returns false if an event with the same
	// external ID already exists (duplicate delivery).
	AppendEvent(ctx context.Context, ev *Event) (bool, error)
	// RecentEvents returns up to limit events in the channel strictly before
	// the given time, most recent first.
	RecentEvents(ctx context.Context, channelID string, before time.Time, limit int) ([]*Event, error)
	// RecentAssessments returns the actor's most recent assessments,
	// most recent first.
	RecentAssessments(ctx context.Context, actorID string, limit int) ([]*Assessment, error)
	// HasFlaggedHistory reports whether the actor has any flagged assessment.
	HasFlaggedHistory(ctx context.Context, actorID string) (bool, error)
	// StoreAssessment persists one assessment.
	StoreAssessment(ctx context.Context, a *Assessment) error
	// UpdateActorRisk writes the actor's rolling risk score and last_seen.
	UpdateActorRisk(ctx context.Context, actorID string, score float64, seenAt time.Time) error
	// CreateAlert persists the alert. Returns false if an alert already
	// exists for the referenced assessment.
	CreateAlert(ctx context.Context, a *Alert) (bool, error)

	// Reporting reads and moderator writes.
	GetActor(ctx context.Context, id string) (*Actor, error)
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	ListAssessments(ctx context.Context, f AssessmentFilter) ([]*Assessment, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	UpdateAlertStatus(ctx context.Context, id, status, notes string) (*Alert, error)
	GetStats(ctx context.Context, channelID string) (*Stats, error)

	// Tx runs fn against a transactional view of the store. All writes made
	// through the passed Store commit or roll back together.
	Tx(ctx context.Context, fn func(Store) error) error
}

// ClassifyRequest is the input contract of the external classifier port.
type ClassifyRequest struct {
	Text           string
	Context        []ContextMessage
	HistorySummary string
}

// ContextMessage is one prior message in the classifier's context window.
type ContextMessage struct {
	Author string
	Text   string
}

// Classifier is the external semantic classifier port. Implementations must
// enforce their own timeout and return an error (never panic) on transport
// failures or malformed responses; the pipeline substitutes a fallback
// analysis and keeps going.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Analysis, error)
}

// FallbackAnalysis is the substitute result used when the classifier fails.
// Zero score keeps a broken classifier from poisoning actor averages, and the
// error category plus human-review flag make the failure visible downstream.
func FallbackAnalysis() *Analysis {
	return &Analysis{
		RiskScore:           0,
		Category:            CategoryError,
		Indicators:          []Indicator{},
		Explanation:         "classification failed",
		Confidence:          0,
		Method:              "classifier",
		RequiresHumanReview: true,
	}
}

// ValidAlertTransition reports whether an alert may move from one status to
// another. The lifecycle is strictly forward: open -> acknowledged -> resolved,
// with open -> resolved allowed as a shortcut.
func ValidAlertTransition(from, to string) bool {
	switch from {
	case StatusOpen:
		return to == StatusAcknowledged || to == StatusResolved
	case StatusAcknowledged:
		return to == StatusResolved
	default:
		return false
	}
}
