// Package observability provides structured logging and Prometheus
// metrics for the pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// NewLogger initializes structured logging per config.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	var config zap.Config

	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch cfg.Level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return config.Build()
}

// Metrics holds the Prometheus metrics the pipeline reports.
type Metrics struct {
	EventsReceived   prometheus.Counter
	EventsClassified *prometheus.CounterVec
	ProposalsCreated prometheus.Counter
	ScoresProduced   *prometheus.CounterVec
	ActionsExecuted  *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	MappingsApproved prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_events_received_total",
			Help: "Events accepted by the pipeline entry point.",
		}),
		EventsClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_events_classified_total",
			Help: "Classification outcomes by source.",
		}, []string{"source"}),
		ProposalsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_mapping_proposals_total",
			Help: "Auto-mapper proposals returned for unclassified payloads.",
		}),
		ScoresProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_scores_total",
			Help: "Threat scores by severity.",
		}, []string{"severity"}),
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_actions_executed_total",
			Help: "Action plan steps by result status.",
		}, []string{"status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatpipe_stage_duration_seconds",
			Help:    "Pipeline stage latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		MappingsApproved: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_mappings_approved_total",
			Help: "Mapping documents persisted through the approval endpoint.",
		}),
	}
}
