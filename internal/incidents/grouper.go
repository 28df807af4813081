package incidents

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsight/fleet-anomaly/internal/models"
)

// CorrelationTypeUnclassified labels incidents opened for insights with no
// identified pattern.
const CorrelationTypeUnclassified = "unclassified"

// Similarity component weights. A same-container insight with a matching
// pattern inside the recent window scores 1.0.
const (
	sameContainerWeight  = 0.5
	sameEndpointWeight   = 0.2
	timeOverlapWeight    = 0.2
	samePatternWeight    = 0.3
	relatedPatternWeight = 0.15
)

// Config tunes insight-to-incident grouping.
type Config struct {
	// SimilarityThreshold is the minimum similarity for an insight to attach
	// to an existing active incident instead of opening a new one.
	SimilarityThreshold float64
	// RecentWindow bounds how long an incident's last insight still counts
	// as overlapping in time.
	RecentWindow time.Duration
}

// Grouper clusters related insights into durable incidents. All mutation
// happens under one mutex, so processing is single-writer per incident and
// two concurrently arriving related insights cannot open duplicate
// incidents.
type Grouper struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeIncident
}

type activeIncident struct {
	incident      models.Incident
	containerIDs  map[string]struct{}
	endpointID    string
	pattern       models.Pattern
	lastInsightAt time.Time
}

// NewGrouper constructs a grouper with the supplied tuning.
func NewGrouper(cfg Config, logger *slog.Logger) *Grouper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.3
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 30 * time.Minute
	}
	return &Grouper{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*activeIncident),
	}
}

// Process attaches the insight to the most similar active incident, or opens
// a new one when nothing scores above the similarity threshold. The returned
// incident is a snapshot; internal state stays owned by the grouper.
func (g *Grouper) Process(insight models.Insight) models.Incident {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best *activeIncident
	bestScore := 0.0
	for _, candidate := range g.active {
		score := g.similarity(insight, candidate)
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}

	if best != nil && bestScore >= g.cfg.SimilarityThreshold {
		g.attach(best, insight)
		g.logger.Debug("insight attached to incident",
			slog.String("incident_id", best.incident.ID),
			slog.String("insight_id", insight.ID),
			slog.Float64("similarity", bestScore))
		return best.incident
	}

	opened := g.open(insight)
	g.logger.Info("incident opened",
		slog.String("incident_id", opened.incident.ID),
		slog.String("correlation_type", opened.incident.CorrelationType),
		slog.String("container_id", insight.ContainerID))
	return opened.incident
}

// Resolve marks an incident resolved and removes it from the active set.
// Resolution is an explicit caller action; incidents never time out.
func (g *Grouper) Resolve(incidentID string) (models.Incident, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.active[incidentID]
	if !ok {
		return models.Incident{}, false
	}
	delete(g.active, incidentID)

	entry.incident.Status = models.IncidentResolved
	entry.incident.ResolvedAt = time.Now().UTC()
	entry.incident.UpdatedAt = entry.incident.ResolvedAt
	return entry.incident, true
}

// ActiveIncidents returns snapshots of the currently active incidents,
// oldest first.
func (g *Grouper) ActiveIncidents() []models.Incident {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.Incident, 0, len(g.active))
	for _, entry := range g.active {
		out = append(out, entry.incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (g *Grouper) similarity(insight models.Insight, candidate *activeIncident) float64 {
	score := 0.0

	if _, ok := candidate.containerIDs[insight.ContainerID]; ok && insight.ContainerID != "" {
		score += sameContainerWeight
	}
	if insight.EndpointID != "" && insight.EndpointID == candidate.endpointID {
		score += sameEndpointWeight
	}
	if gap := insight.CreatedAt.Sub(candidate.lastInsightAt); gap >= 0 && gap <= g.cfg.RecentWindow {
		score += timeOverlapWeight
	}

	switch {
	case insight.Pattern != models.PatternNone && insight.Pattern == candidate.pattern:
		score += samePatternWeight
	case relatedPatterns(insight.Pattern, candidate.pattern):
		score += relatedPatternWeight
	}

	if score > 1 {
		score = 1
	}
	return score
}

// relatedPatterns reports whether two distinct patterns share a metric
// family; resource exhaustion overlaps both single-metric patterns.
func relatedPatterns(a, b models.Pattern) bool {
	if a == models.PatternNone || b == models.PatternNone || a == b {
		return false
	}
	return a == models.PatternResourceExhaustion || b == models.PatternResourceExhaustion
}

func (g *Grouper) attach(entry *activeIncident, insight models.Insight) {
	entry.incident.RelatedInsightIDs = append(entry.incident.RelatedInsightIDs, insight.ID)
	entry.incident.InsightCount = len(entry.incident.RelatedInsightIDs)
	if entry.incident.RootCauseInsightID != "" {
		entry.incident.InsightCount++
	}

	if confidence := confidenceFor(insight); confidence > entry.incident.CorrelationConfidence {
		entry.incident.CorrelationConfidence = confidence
	}
	if severityRank(insight.Severity) > severityRank(entry.incident.Severity) {
		entry.incident.Severity = insight.Severity
	}
	entry.incident.UpdatedAt = time.Now().UTC()
	entry.incident.Summary = fmt.Sprintf("%d related insights, latest: %s", entry.incident.InsightCount, insight.Title)

	entry.containerIDs[insight.ContainerID] = struct{}{}
	if insight.Pattern != models.PatternNone {
		entry.pattern = insight.Pattern
	}
	if insight.CreatedAt.After(entry.lastInsightAt) {
		entry.lastInsightAt = insight.CreatedAt
	}
}

func (g *Grouper) open(insight models.Insight) *activeIncident {
	correlationType := CorrelationTypeUnclassified
	if insight.Pattern != models.PatternNone {
		correlationType = string(insight.Pattern)
	}

	now := time.Now().UTC()
	entry := &activeIncident{
		incident: models.Incident{
			ID:                    uuid.NewString(),
			Title:                 insight.Title,
			Severity:              insight.Severity,
			Status:                models.IncidentActive,
			RootCauseInsightID:    insight.ID,
			CorrelationType:       correlationType,
			CorrelationConfidence: confidenceFor(insight),
			InsightCount:          1,
			Summary:               insight.Description,
			CreatedAt:             now,
			UpdatedAt:             now,
		},
		containerIDs:  map[string]struct{}{insight.ContainerID: {}},
		endpointID:    insight.EndpointID,
		pattern:       insight.Pattern,
		lastInsightAt: insight.CreatedAt,
	}
	g.active[entry.incident.ID] = entry
	return entry
}

// confidenceFor derives correlation confidence from the insight's
// correlation-strength bucket with a severity bump.
func confidenceFor(insight models.Insight) float64 {
	confidence := 0.35
	switch insight.Strength {
	case models.StrengthVeryStrong:
		confidence = 0.9
	case models.StrengthStrong:
		confidence = 0.75
	case models.StrengthModerate:
		confidence = 0.55
	}

	switch insight.Severity {
	case models.SeverityCritical:
		confidence += 0.1
	case models.SeverityHigh:
		confidence += 0.05
	}

	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 3
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 1
	default:
		return 0
	}
}
