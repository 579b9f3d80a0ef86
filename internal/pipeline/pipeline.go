// Package pipeline sequences classification, normalization, enrichment,
// scoring and policy evaluation into one request, tracking each run
// through an explicit state machine. Data flows strictly forward; only
// the mapping store and action execution have side effects.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/action"
	"github.com/lvonguyen/threatpipe/internal/enrich"
	"github.com/lvonguyen/threatpipe/internal/mapping"
	"github.com/lvonguyen/threatpipe/internal/normalize"
	"github.com/lvonguyen/threatpipe/internal/observability"
	"github.com/lvonguyen/threatpipe/internal/policy"
	"github.com/lvonguyen/threatpipe/internal/routing"
	"github.com/lvonguyen/threatpipe/internal/schema"
	"github.com/lvonguyen/threatpipe/internal/score"
)

// Run states. A run halts in StateAwaitingMapping when its payload
// cannot be classified; approval happens out of band and a fresh run
// picks the mapping up, the halted run is never resumed. A run in
// StateAwaitingApproval holds a decided plan that is only executed by
// a separate, explicit call.
const (
	StateReceived         = "received"
	StateNormalized       = "normalized"
	StateAwaitingMapping  = "awaiting_mapping_approval"
	StateScored           = "scored"
	StateAwaitingApproval = "awaiting_approval"
	StateExecuted         = "executed"
)

// ErrNotDecided is returned when execution is requested for a run that
// has no decided action plan.
var ErrNotDecided = errors.New("pipeline run has no decided action plan")

// Run is the in-flight orchestration state for one event.
type Run struct {
	ID             string                 `json:"id"`
	State          string                 `json:"state"`
	CreatedAt      time.Time              `json:"created_at"`
	Classification routing.Match          `json:"classification"`
	Proposal       *mapping.Document      `json:"proposal,omitempty"`
	Event          *schema.CanonicalEvent `json:"event,omitempty"`
	Features       *enrich.FeatureVector  `json:"features,omitempty"`
	Score          *score.ThreatScore     `json:"score,omitempty"`
	Decision       *policy.Decision       `json:"decision,omitempty"`
	Results        []action.Result        `json:"results,omitempty"`

	// executing marks a run claimed by an in-flight ExecuteRun call.
	// Owned by RunStore, read and written only under its lock.
	executing bool
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	router     *routing.Router
	mappings   mapping.Store
	autoMapper *mapping.AutoMapper
	normalizer *normalize.Normalizer
	enricher   *enrich.Enricher
	scorer     *score.Scorer
	policies   *policy.Engine
	executor   *action.Executor
	runs       *RunStore
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewOrchestrator assembles a pipeline from its stages.
func NewOrchestrator(
	router *routing.Router,
	mappings mapping.Store,
	autoMapper *mapping.AutoMapper,
	normalizer *normalize.Normalizer,
	enricher *enrich.Enricher,
	scorer *score.Scorer,
	policies *policy.Engine,
	executor *action.Executor,
	runs *RunStore,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		router:     router,
		mappings:   mappings,
		autoMapper: autoMapper,
		normalizer: normalizer,
		enricher:   enricher,
		scorer:     scorer,
		policies:   policies,
		executor:   executor,
		runs:       runs,
		metrics:    metrics,
		logger:     logger,
	}
}

// Process runs one event through the pipeline. Classified payloads come
// back in StateAwaitingApproval with a decided plan; unclassified ones
// halt in StateAwaitingMapping carrying the auto-mapper's proposal.
// The pipeline never auto-executes a plan.
func (o *Orchestrator) Process(ctx context.Context, payload schema.RawPayload, hints enrich.Hints, reqContext map[string]any) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		State:     StateReceived,
		CreatedAt: time.Now().UTC(),
	}
	o.metrics.EventsReceived.Inc()

	start := time.Now()
	if payload.IsStructured() {
		run.Classification = o.router.ClassifyStructured(payload.Object)
	} else {
		run.Classification = o.router.ClassifyText(payload.Text)
	}
	o.metrics.StageDuration.WithLabelValues("classify").Observe(time.Since(start).Seconds())
	o.metrics.EventsClassified.WithLabelValues(run.Classification.Source).Inc()

	doc, ok := o.resolveMapping(ctx, run, payload)
	if !ok {
		o.runs.Put(run)
		return run, nil
	}

	start = time.Now()
	run.Event = o.normalizer.Normalize(payload, doc)
	run.State = StateNormalized
	o.metrics.StageDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())

	start = time.Now()
	run.Features = o.enricher.Enrich(run.Event, hints)
	o.metrics.StageDuration.WithLabelValues("enrich").Observe(time.Since(start).Seconds())

	start = time.Now()
	run.Score = o.scorer.Score(ctx, run.Features, run.Event, reqContext)
	run.State = StateScored
	o.metrics.StageDuration.WithLabelValues("score").Observe(time.Since(start).Seconds())
	o.metrics.ScoresProduced.WithLabelValues(run.Score.Severity).Inc()

	decision := o.policies.Decide(run.Score.Severity, run.Score.Confidence, reqContext, nil)
	run.Decision = &decision
	run.State = StateAwaitingApproval

	o.logger.Info("Pipeline run decided",
		zap.String("run_id", run.ID),
		zap.String("source", run.Classification.Source),
		zap.String("severity", run.Score.Severity),
		zap.Int("plan_steps", len(decision.ActionPlan)),
	)

	o.runs.Put(run)
	return run, nil
}

// resolveMapping finds the mapping document for a classified run. It
// reports false when the run must halt for mapping approval, either
// because classification fell below threshold or because no document
// exists yet for the classified source.
func (o *Orchestrator) resolveMapping(ctx context.Context, run *Run, payload schema.RawPayload) (*mapping.Document, bool) {
	if run.Classification.Source == routing.SourceUnknown {
		o.halt(run, payload)
		return nil, false
	}

	doc, err := o.mappings.Load(ctx, run.Classification.Source)
	if err != nil {
		if !errors.Is(err, mapping.ErrNotFound) {
			o.logger.Warn("Mapping load failed",
				zap.String("source", run.Classification.Source),
				zap.Error(err),
			)
		}
		o.halt(run, payload)
		return nil, false
	}
	return doc, true
}

// halt parks a run in StateAwaitingMapping with a proposal when the
// payload is structured. Text payloads halt without one; a pattern
// cannot be inferred from a single line.
func (o *Orchestrator) halt(run *Run, payload schema.RawPayload) {
	run.State = StateAwaitingMapping
	if payload.IsStructured() {
		run.Proposal = o.autoMapper.Propose(payload.Object)
		o.metrics.ProposalsCreated.Inc()
	}

	o.logger.Info("Pipeline run awaiting mapping approval",
		zap.String("run_id", run.ID),
		zap.Float64("best_confidence", run.Classification.Confidence),
		zap.Bool("proposal", run.Proposal != nil),
	)
}

// ApproveMapping persists a reviewed mapping document under a source
// name. Subsequent pipeline runs classified as that source use it; the
// halted run that produced the proposal is not resumed.
func (o *Orchestrator) ApproveMapping(ctx context.Context, name string, text []byte) error {
	if err := o.mappings.Save(ctx, name, text); err != nil {
		return fmt.Errorf("mapping approval failed: %w", err)
	}
	o.metrics.MappingsApproved.Inc()
	o.logger.Info("Mapping approved", zap.String("source", name))
	return nil
}

// ExecutePlan executes an explicit, already-approved action plan and
// returns one result per step in plan order.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan []policy.ActionItem, opts action.Options) []action.Result {
	start := time.Now()
	results := o.executor.Execute(ctx, plan, opts)
	o.metrics.StageDuration.WithLabelValues("execute").Observe(time.Since(start).Seconds())

	for _, r := range results {
		o.metrics.ActionsExecuted.WithLabelValues(r.Status).Inc()
	}
	return results
}

// ExecuteRun executes the decided plan of a stored run and advances it
// to StateExecuted. The run is claimed before dispatch; a concurrent
// call for the same run gets ErrAlreadyExecuted instead of repeating
// the plan's side effects.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string, opts action.Options) (*Run, error) {
	run, err := o.runs.BeginExecution(runID)
	if err != nil {
		return nil, err
	}

	results := o.ExecutePlan(ctx, run.Decision.ActionPlan, opts)

	done, err := o.runs.CompleteExecution(runID, results)
	if err != nil {
		// Evicted mid-execution; report the outcome anyway.
		run.Results = results
		run.State = StateExecuted
		return run, nil
	}
	return done, nil
}

// GetRun returns a stored run by ID.
func (o *Orchestrator) GetRun(id string) (*Run, error) {
	return o.runs.Get(id)
}

// RunCount reports how many runs the store currently holds.
func (o *Orchestrator) RunCount() int {
	return o.runs.Len()
}
