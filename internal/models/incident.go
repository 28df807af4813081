package models

import "time"

// Insight is a persisted-by-the-caller finding built from one cycle's
// detections and their correlation summary.
type Insight struct {
	ID           string
	Severity     Severity
	Category     string
	Title        string
	Description  string
	ContainerID  string
	EndpointID   string
	Pattern      Pattern
	Composite    float64
	Strength     CorrelationStrength
	CreatedAt    time.Time
	Acknowledged bool
}

// IncidentStatus tracks the lifecycle of an incident.
type IncidentStatus string

const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident groups related insights believed to share one underlying cause.
// InsightCount always equals len(RelatedInsightIDs) plus one when a
// root-cause insight is set.
type Incident struct {
	ID                    string
	Title                 string
	Severity              Severity
	Status                IncidentStatus
	RootCauseInsightID    string
	RelatedInsightIDs     []string
	CorrelationType       string
	CorrelationConfidence float64
	InsightCount          int
	Summary               string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ResolvedAt            time.Time
}
