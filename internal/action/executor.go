// Package action executes approved response plans through connector
// hooks. Execution is deliberately forgiving: an unrecognized action
// kind becomes a recorded no-op and a failing connector is reported in
// that step's result, so one bad step never aborts its siblings.
package action

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/policy"
)

// Step statuses.
const (
	StatusDispatched = "dispatched"
	StatusNoop       = "noop"
	StatusFailed     = "failed"
)

// Options tune one execution call. DryRun suppresses all side-effecting
// connector calls uniformly while still reporting what would have been
// dispatched.
type Options struct {
	NotifyVia       string `json:"notify_via,omitempty"`
	TicketIssueType string `json:"ticket_issue_type,omitempty"`
	DryRun          bool   `json:"dry_run"`
}

// Result is the outcome of one plan step.
type Result struct {
	Action     string    `json:"action"`
	Connector  string    `json:"connector"`
	Status     string    `json:"status"`
	DryRun     bool      `json:"dry_run"`
	Detail     string    `json:"detail,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Notifier delivers a notification for a plan step.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, item policy.ActionItem, via string) error
}

// Ticketer opens a tracking ticket for a plan step.
type Ticketer interface {
	Name() string
	Open(ctx context.Context, item policy.ActionItem, issueType string) (string, error)
}

// Executor dispatches plan steps to connectors. Steps run sequentially;
// each connector call is bounded by the step timeout.
type Executor struct {
	notifier    Notifier // may be nil
	ticketer    Ticketer // may be nil
	stepTimeout time.Duration
	logger      *zap.Logger
}

// NewExecutor creates an executor. Either connector may be nil, in
// which case its steps report as no-ops.
func NewExecutor(notifier Notifier, ticketer Ticketer, stepTimeout time.Duration, logger *zap.Logger) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Second
	}
	return &Executor{
		notifier:    notifier,
		ticketer:    ticketer,
		stepTimeout: stepTimeout,
		logger:      logger,
	}
}

// Execute runs an approved plan and returns one result per step, in
// plan order.
func (e *Executor) Execute(ctx context.Context, plan []policy.ActionItem, opts Options) []Result {
	results := make([]Result, 0, len(plan))
	for _, item := range plan {
		results = append(results, e.executeStep(ctx, item, opts))
	}
	return results
}

func (e *Executor) executeStep(ctx context.Context, item policy.ActionItem, opts Options) Result {
	result := Result{
		Action:     item.Action,
		DryRun:     opts.DryRun,
		ExecutedAt: time.Now().UTC(),
	}

	switch item.Action {
	case "notify":
		e.dispatchNotify(ctx, item, opts, &result)
	case "ticket":
		e.dispatchTicket(ctx, item, opts, &result)
	default:
		// Contain, rollback and any future kinds are deliberate no-op
		// placeholders until a live-infrastructure connector exists.
		result.Connector = "none"
		result.Status = StatusNoop
		result.Detail = "no connector for action kind " + item.Action
		e.logger.Info("Action step skipped",
			zap.String("action", item.Action),
			zap.Bool("dry_run", opts.DryRun),
		)
	}

	return result
}

func (e *Executor) dispatchNotify(ctx context.Context, item policy.ActionItem, opts Options, result *Result) {
	if e.notifier == nil {
		result.Connector = "none"
		result.Status = StatusNoop
		result.Detail = "notify connector not configured"
		return
	}

	result.Connector = e.notifier.Name()
	if opts.DryRun {
		result.Status = StatusDispatched
		result.Detail = "dry run, notification suppressed"
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	if err := e.notifier.Notify(stepCtx, item, opts.NotifyVia); err != nil {
		result.Status = StatusFailed
		result.Detail = err.Error()
		e.logger.Warn("Notify step failed", zap.Error(err))
		return
	}
	result.Status = StatusDispatched
}

func (e *Executor) dispatchTicket(ctx context.Context, item policy.ActionItem, opts Options, result *Result) {
	if e.ticketer == nil {
		result.Connector = "none"
		result.Status = StatusNoop
		result.Detail = "ticket connector not configured"
		return
	}

	result.Connector = e.ticketer.Name()
	if opts.DryRun {
		result.Status = StatusDispatched
		result.Detail = "dry run, ticket suppressed"
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	key, err := e.ticketer.Open(stepCtx, item, opts.TicketIssueType)
	if err != nil {
		result.Status = StatusFailed
		result.Detail = err.Error()
		e.logger.Warn("Ticket step failed", zap.Error(err))
		return
	}
	result.Status = StatusDispatched
	result.Detail = key
}
