package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

var cloudtrailMapping = []byte(`vendor: AWS
product: CloudTrail
event_type: cloud_audit
fields:
  timestamp: eventTime
  src_ip: sourceIPAddress
  user: userIdentity.arn
`)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := zap.NewNop()

	store, err := mapping.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Save(context.Background(), "aws_cloudtrail", cloudtrailMapping); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	router := routing.NewRouter(routing.DefaultConfig(), routing.DefaultSignatures(), logger)
	policies := policy.NewEngine(policy.ActionItem{Priority: "medium"}, []policy.Rule{
		{
			When: policy.Condition{Severity: "critical"},
			Plan: []policy.ActionItem{
				{Action: "contain", Type: "block-ip", Target: "firewall", Value: "{src_ip}"},
				{Action: "notify"},
			},
		},
		{
			When: policy.Condition{Severity: "low"},
			Plan: []policy.ActionItem{{Action: "notify"}},
		},
	}, logger)

	return NewOrchestrator(
		router,
		store,
		mapping.NewAutoMapper(logger),
		normalize.NewNormalizer(logger),
		enrich.NewEnricher(logger),
		score.NewScorer(nil, logger),
		policies,
		action.NewExecutor(nil, nil, time.Second, logger),
		NewRunStore(16, logger),
		observability.NewMetrics(prometheus.NewRegistry()),
		logger,
	)
}

func cloudtrailPayload() schema.RawPayload {
	return schema.RawPayload{Object: map[string]any{
		"eventSource":     "s3.amazonaws.com",
		"eventTime":       "2026-08-29T10:15:42Z",
		"sourceIPAddress": "203.0.113.7",
		"userIdentity":    map[string]any{"arn": "arn:aws:iam::1:user/alice"},
	}}
}

func f64(v float64) *float64 { return &v }

// =============================================================================
// Happy Path Tests
// =============================================================================

// TestProcess_ClassifiedRunAwaitsApproval verifies a classified payload
// runs through scoring and policy, stopping at the approval gate.
func TestProcess_ClassifiedRunAwaitsApproval(t *testing.T) {
	o := testOrchestrator(t)

	run, err := o.Process(context.Background(), cloudtrailPayload(), enrich.Hints{
		IPReputation: f64(95),
		CVSSScore:    f64(9.8),
	}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if run.State != StateAwaitingApproval {
		t.Errorf("expected %s, got %s", StateAwaitingApproval, run.State)
	}
	if run.Classification.Source != "aws_cloudtrail" {
		t.Errorf("unexpected source: %q", run.Classification.Source)
	}
	if run.Event == nil || run.Event.SrcIP == nil || *run.Event.SrcIP != "203.0.113.7" {
		t.Errorf("normalization missing: %+v", run.Event)
	}
	if run.Score == nil || run.Score.Severity != score.SeverityCritical {
		t.Errorf("expected critical score, got %+v", run.Score)
	}
	if run.Decision == nil || len(run.Decision.ActionPlan) != 2 {
		t.Errorf("expected decided 2-step plan, got %+v", run.Decision)
	}
	if len(run.Results) != 0 {
		t.Error("pipeline must never auto-execute a plan")
	}

	// The run must be retrievable by ID afterwards.
	stored, err := o.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.State != StateAwaitingApproval {
		t.Errorf("stored run state %s", stored.State)
	}
}

// TestProcess_NoHintsStillDecides verifies scoring and policy run
// unconditionally even with an empty feature vector.
func TestProcess_NoHintsStillDecides(t *testing.T) {
	o := testOrchestrator(t)

	run, err := o.Process(context.Background(), cloudtrailPayload(), enrich.Hints{}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if run.State != StateAwaitingApproval {
		t.Errorf("expected %s, got %s", StateAwaitingApproval, run.State)
	}
	if run.Score.Severity != score.SeverityLow {
		t.Errorf("expected low severity without hints, got %q", run.Score.Severity)
	}
	if len(run.Decision.ActionPlan) != 1 {
		t.Errorf("expected the low rule to match, got %+v", run.Decision)
	}
}

// =============================================================================
// Mapping Halt Tests
// =============================================================================

// TestProcess_UnclassifiedHaltsWithProposal verifies an unknown
// structured payload parks awaiting mapping approval with a proposal.
func TestProcess_UnclassifiedHaltsWithProposal(t *testing.T) {
	o := testOrchestrator(t)

	run, err := o.Process(context.Background(), schema.RawPayload{Object: map[string]any{
		"weird_key":  1,
		"event_time": "2026-08-29T10:15:42Z",
		"source_ip":  "203.0.113.7",
	}}, enrich.Hints{}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if run.State != StateAwaitingMapping {
		t.Fatalf("expected %s, got %s", StateAwaitingMapping, run.State)
	}
	if run.Proposal == nil {
		t.Fatal("expected a mapping proposal")
	}
	if run.Proposal.Vendor != mapping.PlaceholderVendor {
		t.Errorf("proposal must carry placeholders, got %q", run.Proposal.Vendor)
	}
	if run.Proposal.Fields["src_ip"] != "source_ip" {
		t.Errorf("expected src_ip binding, got %v", run.Proposal.Fields)
	}
	if run.Score != nil || run.Decision != nil {
		t.Error("halted runs must not be scored or decided")
	}
}

// TestProcess_ClassifiedWithoutMappingHalts verifies a recognized
// source with no stored mapping also halts.
func TestProcess_ClassifiedWithoutMappingHalts(t *testing.T) {
	o := testOrchestrator(t)

	// Cloudflare is a known signature but has no stored document.
	run, err := o.Process(context.Background(), schema.RawPayload{Object: map[string]any{
		"RayID":                  "7d2fa7c3b9e40001",
		"ClientIP":               "203.0.113.7",
		"FirewallMatchesRuleIDs": []any{"100015"},
	}}, enrich.Hints{}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if run.State != StateAwaitingMapping {
		t.Errorf("expected %s, got %s", StateAwaitingMapping, run.State)
	}
	if run.Classification.Source != "cloudflare_waf" {
		t.Errorf("classification must be kept on halt, got %q", run.Classification.Source)
	}
}

// TestProcess_TextHaltsWithoutProposal verifies unstructured text with
// no unstructured mapping halts and carries no proposal.
func TestProcess_TextHaltsWithoutProposal(t *testing.T) {
	o := testOrchestrator(t)

	run, err := o.Process(context.Background(), schema.RawPayload{
		Text: "Aug 29 10:15:42 web01 sshd[412]: Failed password",
	}, enrich.Hints{}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if run.State != StateAwaitingMapping {
		t.Errorf("expected %s, got %s", StateAwaitingMapping, run.State)
	}
	if run.Proposal != nil {
		t.Error("text payloads must not produce field proposals")
	}
}

// TestApproveMapping_UnblocksSource verifies approval persists the
// document so subsequent runs of that source flow through.
func TestApproveMapping_UnblocksSource(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	wafDoc := []byte(`vendor: Cloudflare
product: WAF
event_type: waf_block
fields:
  src_ip: ClientIP
  url: ClientRequestURI
`)
	if err := o.ApproveMapping(ctx, "cloudflare_waf", wafDoc); err != nil {
		t.Fatalf("ApproveMapping: %v", err)
	}

	run, err := o.Process(ctx, schema.RawPayload{Object: map[string]any{
		"RayID":            "7d2fa7c3b9e40001",
		"ClientIP":         "203.0.113.7",
		"ClientRequestURI": "/login?user=1 OR 1=1",
	}}, enrich.Hints{}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if run.State != StateAwaitingApproval {
		t.Errorf("expected approved source to flow through, got %s", run.State)
	}
	if run.Event.EventType != "waf_block" {
		t.Errorf("unexpected event type %q", run.Event.EventType)
	}
}

// TestApproveMapping_RejectsInvalid verifies approval of an invalid
// document fails and persists nothing.
func TestApproveMapping_RejectsInvalid(t *testing.T) {
	o := testOrchestrator(t)

	err := o.ApproveMapping(context.Background(), "bad", []byte("vendor: only"))
	if err == nil {
		t.Fatal("expected approval of invalid document to fail")
	}
}

// =============================================================================
// Execution Tests
// =============================================================================

// TestExecuteRun verifies a decided run executes its plan and reaches
// StateExecuted with per-step results.
func TestExecuteRun(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	run, err := o.Process(ctx, cloudtrailPayload(), enrich.Hints{
		IPReputation: f64(95),
		CVSSScore:    f64(9.8),
	}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	executed, err := o.ExecuteRun(ctx, run.ID, action.Options{DryRun: true})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	if executed.State != StateExecuted {
		t.Errorf("expected %s, got %s", StateExecuted, executed.State)
	}
	if len(executed.Results) != len(run.Decision.ActionPlan) {
		t.Errorf("expected %d results, got %d", len(run.Decision.ActionPlan), len(executed.Results))
	}
}

// TestExecuteRun_NotDecided verifies a halted run cannot be executed.
func TestExecuteRun_NotDecided(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	run, err := o.Process(ctx, schema.RawPayload{Object: map[string]any{"weird": 1}}, enrich.Hints{}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	_, err = o.ExecuteRun(ctx, run.ID, action.Options{})
	if !errors.Is(err, ErrNotDecided) {
		t.Errorf("expected ErrNotDecided, got %v", err)
	}
}

// TestExecuteRun_NotFound verifies unknown run IDs surface
// ErrRunNotFound.
func TestExecuteRun_NotFound(t *testing.T) {
	o := testOrchestrator(t)

	_, err := o.ExecuteRun(context.Background(), "missing", action.Options{})
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

// TestExecuteRun_SecondCallRejected verifies a run's plan is dispatched
// at most once; repeat requests get ErrAlreadyExecuted.
func TestExecuteRun_SecondCallRejected(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	run, err := o.Process(ctx, cloudtrailPayload(), enrich.Hints{
		IPReputation: f64(95),
		CVSSScore:    f64(9.8),
	}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := o.ExecuteRun(ctx, run.ID, action.Options{DryRun: true}); err != nil {
		t.Fatalf("first ExecuteRun: %v", err)
	}

	_, err = o.ExecuteRun(ctx, run.ID, action.Options{DryRun: true})
	if !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("expected ErrAlreadyExecuted, got %v", err)
	}
}

// TestExecuteRun_ConcurrentSingleWinner verifies exactly one of several
// concurrent execute calls for the same run wins the claim.
func TestExecuteRun_ConcurrentSingleWinner(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	run, err := o.Process(ctx, cloudtrailPayload(), enrich.Hints{
		IPReputation: f64(95),
		CVSSScore:    f64(9.8),
	}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.ExecuteRun(ctx, run.ID, action.Options{DryRun: true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyExecuted):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly 1 winner, got %d", succeeded)
	}
	if rejected != callers-1 {
		t.Errorf("expected %d rejections, got %d", callers-1, rejected)
	}
}

// =============================================================================
// Run Store Tests
// =============================================================================

// TestRunStore_CapacityEviction verifies the oldest run is evicted at
// capacity.
func TestRunStore_CapacityEviction(t *testing.T) {
	s := NewRunStore(2, zap.NewNop())

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s.Put(&Run{ID: "a", CreatedAt: base})
	s.Put(&Run{ID: "b", CreatedAt: base.Add(time.Minute)})
	s.Put(&Run{ID: "c", CreatedAt: base.Add(2 * time.Minute)})

	if s.Len() != 2 {
		t.Errorf("expected 2 runs, got %d", s.Len())
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrRunNotFound) {
		t.Error("oldest run should have been evicted")
	}
	if _, err := s.Get("c"); err != nil {
		t.Errorf("newest run must survive: %v", err)
	}
}

// TestRunStore_UpdateDoesNotEvict verifies re-putting an existing run
// at capacity does not evict anything.
func TestRunStore_UpdateDoesNotEvict(t *testing.T) {
	s := NewRunStore(2, zap.NewNop())

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s.Put(&Run{ID: "a", CreatedAt: base})
	s.Put(&Run{ID: "b", CreatedAt: base.Add(time.Minute)})
	s.Put(&Run{ID: "b", CreatedAt: base.Add(time.Minute), State: StateExecuted})

	if s.Len() != 2 {
		t.Errorf("expected 2 runs, got %d", s.Len())
	}
	if _, err := s.Get("a"); err != nil {
		t.Errorf("update must not evict: %v", err)
	}
}

// TestRunStore_GetReturnsCopy verifies callers cannot mutate stored
// state through a returned run, so a run being read is never a view of
// one being written.
func TestRunStore_GetReturnsCopy(t *testing.T) {
	s := NewRunStore(4, zap.NewNop())
	s.Put(&Run{ID: "r1", State: StateScored, CreatedAt: time.Now()})

	got, err := s.Get("r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.State = StateExecuted
	got.Results = []action.Result{{Action: "notify"}}

	again, err := s.Get("r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.State != StateScored {
		t.Errorf("stored state mutated through copy: %s", again.State)
	}
	if again.Results != nil {
		t.Errorf("stored results mutated through copy: %v", again.Results)
	}
}

// TestRunStore_ExecutionLifecycle verifies claim, repeat-claim
// rejection, and completion.
func TestRunStore_ExecutionLifecycle(t *testing.T) {
	s := NewRunStore(4, zap.NewNop())
	s.Put(&Run{
		ID:        "r1",
		State:     StateAwaitingApproval,
		CreatedAt: time.Now(),
		Decision:  &policy.Decision{ActionPlan: []policy.ActionItem{{Action: "notify"}}},
	})

	claimed, err := s.BeginExecution("r1")
	if err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}
	if claimed.Decision == nil || len(claimed.Decision.ActionPlan) != 1 {
		t.Errorf("claim must carry the decided plan: %+v", claimed.Decision)
	}

	if _, err := s.BeginExecution("r1"); !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("expected ErrAlreadyExecuted for in-flight run, got %v", err)
	}

	done, err := s.CompleteExecution("r1", []action.Result{{Action: "notify", Status: "dispatched"}})
	if err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	if done.State != StateExecuted || len(done.Results) != 1 {
		t.Errorf("completion must record results and state: %+v", done)
	}

	if _, err := s.BeginExecution("r1"); !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("expected ErrAlreadyExecuted for executed run, got %v", err)
	}
}
