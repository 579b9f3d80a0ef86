// Package enrich derives risk features from canonical events plus
// optional externally supplied hints, producing the feature vector
// consumed by threat scoring.
package enrich

import (
	"math"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/mitre"
	"github.com/lvonguyen/threatpipe/internal/schema"
)

// FeatureVector is the derived numeric/categorical summary of a
// canonical event used for scoring.
type FeatureVector struct {
	IPReputation     *float64       `json:"ip_reputation,omitempty"`     // 0-100
	CVSSScore        *float64       `json:"cvss_score,omitempty"`        // 0.0-10.0
	CriticalityScore *float64       `json:"criticality_score,omitempty"` // 0.0-1.0, derived
	MITRETactics     []string       `json:"mitre_tactics"`
	AssetCriticality *string        `json:"asset_criticality,omitempty"`
	BytesReceived    *int           `json:"bytes_received,omitempty"`
	BytesSent        *int           `json:"bytes_sent,omitempty"`
	IsAnomalyHint    *int           `json:"is_anomaly_hint,omitempty"` // tri-state: nil/0/1
	Source           string         `json:"source"`
	Extras           map[string]any `json:"extras,omitempty"` // audit fields
}

// Hints are externally supplied enrichment inputs, typically passed as
// query-style parameters on the pipeline entry point.
type Hints struct {
	IPReputation     *float64
	CVSSScore        *float64
	AssetCriticality *string
	AnomalyHint      *int
}

// Enricher computes feature vectors.
type Enricher struct {
	tactics *mitre.Mapper
	logger  *zap.Logger
}

// NewEnricher creates an enricher backed by the default tactic rules.
func NewEnricher(logger *zap.Logger) *Enricher {
	return &Enricher{
		tactics: mitre.NewMapper(logger),
		logger:  logger,
	}
}

// Enrich derives a feature vector from event and hints. The blended
// criticality score is computed only when both the reputation and CVSS
// hints are present; a partially-weighted estimate is never produced.
func (e *Enricher) Enrich(event *schema.CanonicalEvent, hints Hints) *FeatureVector {
	fv := &FeatureVector{
		IPReputation:     hints.IPReputation,
		CVSSScore:        hints.CVSSScore,
		AssetCriticality: hints.AssetCriticality,
		IsAnomalyHint:    hints.AnomalyHint,
		BytesReceived:    event.BytesIn,
		BytesSent:        event.BytesOut,
		Source:           event.Vendor + "/" + event.Product,
		MITRETactics:     e.tactics.MapEvent(event),
	}

	if hints.IPReputation != nil && hints.CVSSScore != nil {
		blend := 0.5*(*hints.IPReputation/100) + 0.5*(*hints.CVSSScore/10)
		rounded := math.Round(blend*10000) / 10000
		fv.CriticalityScore = &rounded
	}

	extras := make(map[string]any)
	if event.RuleName != nil {
		extras["rule_name"] = *event.RuleName
	}
	if event.User != nil {
		extras["user"] = *event.User
	}
	if event.Host != nil {
		extras["host"] = *event.Host
	}
	if len(extras) > 0 {
		fv.Extras = extras
	}

	return fv
}
