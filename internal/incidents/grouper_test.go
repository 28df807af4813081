package incidents

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsight/fleet-anomaly/internal/models"
)

func testInsight(containerID string, pattern models.Pattern, at time.Time) models.Insight {
	return models.Insight{
		ID:          uuid.NewString(),
		Severity:    models.SeverityHigh,
		Category:    "anomaly",
		Title:       string(pattern),
		Description: "test insight",
		ContainerID: containerID,
		EndpointID:  "endpoint-1",
		Pattern:     pattern,
		Composite:   4.2,
		Strength:    models.StrengthStrong,
		CreatedAt:   at,
	}
}

func TestGrouperAttachesRelatedInsight(t *testing.T) {
	grouper := NewGrouper(Config{SimilarityThreshold: 0.3, RecentWindow: 30 * time.Minute}, nil)

	now := time.Unix(1_700_000_000, 0)
	first := grouper.Process(testInsight("ctr-1", models.PatternMemoryLeak, now))
	if first.Status != models.IncidentActive {
		t.Fatalf("expected an active incident")
	}
	if first.InsightCount != 1 {
		t.Fatalf("expected insight count 1, got %d", first.InsightCount)
	}
	if first.CorrelationType != string(models.PatternMemoryLeak) {
		t.Fatalf("unexpected correlation type %q", first.CorrelationType)
	}

	second := grouper.Process(testInsight("ctr-1", models.PatternMemoryLeak, now.Add(5*time.Minute)))
	if second.ID != first.ID {
		t.Fatalf("expected the related insight to attach, got new incident %s", second.ID)
	}
	if second.InsightCount != 2 {
		t.Fatalf("expected insight count 2, got %d", second.InsightCount)
	}
	if got := len(second.RelatedInsightIDs) + 1; second.InsightCount != got {
		t.Fatalf("insight count %d does not match related set + root cause %d", second.InsightCount, got)
	}

	if active := grouper.ActiveIncidents(); len(active) != 1 {
		t.Fatalf("expected one active incident, got %d", len(active))
	}
}

func TestGrouperOpensNewIncidentForUnrelatedInsight(t *testing.T) {
	grouper := NewGrouper(Config{SimilarityThreshold: 0.3, RecentWindow: 30 * time.Minute}, nil)

	now := time.Unix(1_700_000_000, 0)
	first := grouper.Process(testInsight("ctr-1", models.PatternCPUSpike, now))

	unrelated := testInsight("ctr-2", models.PatternNone, now.Add(2*time.Hour))
	unrelated.EndpointID = "endpoint-9"
	second := grouper.Process(unrelated)

	if second.ID == first.ID {
		t.Fatalf("expected a new incident for an unrelated insight")
	}
	if second.CorrelationType != CorrelationTypeUnclassified {
		t.Fatalf("expected unclassified correlation type, got %q", second.CorrelationType)
	}
	if active := grouper.ActiveIncidents(); len(active) != 2 {
		t.Fatalf("expected two active incidents, got %d", len(active))
	}
}

func TestGrouperResolveIsExplicitAndFinal(t *testing.T) {
	grouper := NewGrouper(Config{}, nil)

	now := time.Unix(1_700_000_000, 0)
	incident := grouper.Process(testInsight("ctr-1", models.PatternMemoryLeak, now))

	resolved, ok := grouper.Resolve(incident.ID)
	if !ok {
		t.Fatalf("expected to resolve the incident")
	}
	if resolved.Status != models.IncidentResolved || resolved.ResolvedAt.IsZero() {
		t.Fatalf("expected resolved status with timestamp, got %+v", resolved)
	}

	if _, ok := grouper.Resolve(incident.ID); ok {
		t.Fatalf("expected double resolve to report missing incident")
	}

	// A later related insight must open a fresh incident, never revive the
	// resolved one.
	next := grouper.Process(testInsight("ctr-1", models.PatternMemoryLeak, now.Add(time.Minute)))
	if next.ID == incident.ID {
		t.Fatalf("expected a resolved incident to stay resolved")
	}
}

func TestGrouperConfidenceFromStrengthBuckets(t *testing.T) {
	grouper := NewGrouper(Config{}, nil)

	now := time.Unix(1_700_000_000, 0)
	insight := testInsight("ctr-1", models.PatternResourceExhaustion, now)
	insight.Strength = models.StrengthVeryStrong
	insight.Severity = models.SeverityCritical

	incident := grouper.Process(insight)
	if incident.CorrelationConfidence != 1 {
		t.Fatalf("expected confidence capped at 1, got %f", incident.CorrelationConfidence)
	}

	weak := testInsight("ctr-9", models.PatternNone, now)
	weak.EndpointID = "endpoint-9"
	weak.Strength = models.StrengthWeak
	weak.Severity = models.SeverityLow
	weakIncident := grouper.Process(weak)
	if weakIncident.CorrelationConfidence != 0.35 {
		t.Fatalf("expected weak-bucket confidence 0.35, got %f", weakIncident.CorrelationConfidence)
	}
}

func TestGrouperSeverityEscalatesOnAttach(t *testing.T) {
	grouper := NewGrouper(Config{}, nil)

	now := time.Unix(1_700_000_000, 0)
	low := testInsight("ctr-1", models.PatternCPUSpike, now)
	low.Severity = models.SeverityMedium
	incident := grouper.Process(low)

	critical := testInsight("ctr-1", models.PatternCPUSpike, now.Add(time.Minute))
	critical.Severity = models.SeverityCritical
	updated := grouper.Process(critical)

	if updated.ID != incident.ID {
		t.Fatalf("expected attach, got new incident")
	}
	if updated.Severity != models.SeverityCritical {
		t.Fatalf("expected severity escalation, got %q", updated.Severity)
	}
}

func TestGrouperSingleWriterUnderConcurrency(t *testing.T) {
	grouper := NewGrouper(Config{SimilarityThreshold: 0.3, RecentWindow: 30 * time.Minute}, nil)

	now := time.Unix(1_700_000_000, 0)
	// Seed one incident so concurrent related insights have a target.
	grouper.Process(testInsight("ctr-1", models.PatternMemoryLeak, now))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			grouper.Process(testInsight("ctr-1", models.PatternMemoryLeak, now.Add(time.Duration(offset)*time.Second)))
		}(i)
	}
	wg.Wait()

	active := grouper.ActiveIncidents()
	if len(active) != 1 {
		t.Fatalf("expected concurrent related insights to share one incident, got %d", len(active))
	}
	if active[0].InsightCount != 17 {
		t.Fatalf("expected 17 insights on the incident, got %d", active[0].InsightCount)
	}
}
