package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/commwatch/commwatch/internal/idgen"
)

// AlertEngine maps assessment scores to alert severities and creates the
// alert record. Pure threshold logic plus one side effect; alert creation is
// idempotent per assessment (enforced by the store).
type AlertEngine struct {
	highThreshold     float64
	criticalThreshold float64
}

// NewAlertEngine creates an alert engine with the given thresholds.
func NewAlertEngine(high, critical float64) *AlertEngine {
	return &AlertEngine{highThreshold: high, criticalThreshold: critical}
}

// SeverityFor maps a score to an alert severity. The medium tier exists for
// completeness of the scale but never produces an alert on its own.
func (e *AlertEngine) SeverityFor(score float64) Severity {
	switch {
	case score >= e.criticalThreshold:
		return SeverityCritical
	case score >= e.highThreshold:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// ShouldAlert reports whether the score crosses the alert gate.
func (e *AlertEngine) ShouldAlert(score float64) bool {
	return score >= e.highThreshold
}

// Raise creates one open alert for the assessment if its score qualifies.
// Returns the alert, or nil when no alert is warranted or one already exists.
func (e *AlertEngine) Raise(ctx context.Context, store Store, actor *Actor, a *Assessment) (*Alert, error) {
	if !e.ShouldAlert(a.RiskScore) {
		return nil, nil
	}

	severity := e.SeverityFor(a.RiskScore)
	title := "High risk content detected"
	if severity == SeverityCritical {
		title = "Critical risk detected"
	}

	alert := &Alert{
		ID:           idgen.WithPrefix("alr_"),
		ChannelID:    a.ChannelID,
		ActorID:      a.ActorID,
		AssessmentID: a.ID,
		RiskScore:    a.RiskScore,
		Severity:     severity,
		Title:        title,
		Description: fmt.Sprintf("Actor %s (%s) posted content with risk score %.1f. Category: %s",
			actor.DisplayName, actor.ExternalID, a.RiskScore, a.Category),
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}

	created, err := store.CreateAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if !created {
		// Re-processed assessment; the original alert stands.
		return nil, nil
	}
	return alert, nil
}
