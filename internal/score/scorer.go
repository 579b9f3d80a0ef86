// Package score produces threat severities for feature vectors. A
// remote scoring oracle is preferred when configured; any failure there
// silently falls back to a deterministic heuristic so a scoring request
// never fails outright.
package score

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/enrich"
	"github.com/lvonguyen/threatpipe/internal/mitre"
	"github.com/lvonguyen/threatpipe/internal/schema"
)

// Severity buckets.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Finding tags emitted by the heuristic.
const (
	FindingSQLi     = "SQLi"
	FindingAnomaly  = "Anomaly"
	FindingBaseline = "Baseline-Heuristic"
)

// ThreatScore is the output of one scoring call.
type ThreatScore struct {
	CaseID          string         `json:"case_id"`
	Severity        string         `json:"severity"`
	Confidence      float64        `json:"confidence"`
	Findings        []string       `json:"findings"`
	Explanation     map[string]any `json:"explanation"`
	Recommendations []string       `json:"recommendations"`
}

// Scorer scores feature vectors, preferring the oracle when present.
type Scorer struct {
	oracle *OracleClient // nil when no oracle endpoint is configured
	logger *zap.Logger
}

// NewScorer creates a scorer. oracle may be nil.
func NewScorer(oracle *OracleClient, logger *zap.Logger) *Scorer {
	return &Scorer{oracle: oracle, logger: logger}
}

// Score scores a feature vector. Oracle unavailability is downgraded to
// the heuristic and never surfaced to the caller.
func (s *Scorer) Score(ctx context.Context, fv *enrich.FeatureVector, event *schema.CanonicalEvent, reqContext map[string]any) *ThreatScore {
	if s.oracle != nil {
		result, err := s.oracle.Score(ctx, fv, event, reqContext)
		if err == nil {
			return result
		}
		s.logger.Warn("Oracle scoring failed, falling back to heuristic", zap.Error(err))
	}
	return s.Heuristic(fv, event)
}

// Heuristic is the deterministic fallback scorer. Severity index is the
// max of the blended criticality and normalized IP reputation, both
// treated as 0 when absent.
func (s *Scorer) Heuristic(fv *enrich.FeatureVector, event *schema.CanonicalEvent) *ThreatScore {
	var index float64
	if fv.CriticalityScore != nil {
		index = *fv.CriticalityScore
	}
	if fv.IPReputation != nil && *fv.IPReputation/100 > index {
		index = *fv.IPReputation / 100
	}

	severity := SeverityLow
	switch {
	case index >= 0.8:
		severity = SeverityCritical
	case index >= 0.6:
		severity = SeverityHigh
	case index >= 0.3:
		severity = SeverityMedium
	}

	confidence := 0.5 + index/2
	if confidence > 0.95 {
		confidence = 0.95
	}

	findings := make([]string, 0, 2)
	if event != nil && mitre.LooksLikeSQLInjection(event) {
		findings = append(findings, FindingSQLi)
	}
	if fv.IsAnomalyHint != nil && *fv.IsAnomalyHint == 1 {
		findings = append(findings, FindingAnomaly)
	}
	// Findings must never be empty.
	if len(findings) == 0 {
		findings = append(findings, FindingBaseline)
	}

	return &ThreatScore{
		CaseID:     uuid.NewString(),
		Severity:   severity,
		Confidence: confidence,
		Findings:   findings,
		Explanation: map[string]any{
			"engine":         "heuristic",
			"severity_index": index,
			"tactics":        fv.MITRETactics,
		},
		Recommendations: recommendationsFor(severity),
	}
}

func recommendationsFor(severity string) []string {
	switch severity {
	case SeverityCritical:
		return []string{
			"Isolate the affected asset immediately",
			"Escalate to the on-call incident responder",
			"Preserve forensic evidence before remediation",
		}
	case SeverityHigh:
		return []string{
			"Block the offending source address",
			"Review related events from the same source",
		}
	case SeverityMedium:
		return []string{
			"Open a tracking ticket for analyst review",
		}
	default:
		return []string{
			"No immediate action required; retain for baseline analysis",
		}
	}
}
