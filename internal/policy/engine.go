// Package policy maps threat severities to ordered action plans via
// declarative rules. Rules live in a hand-editable YAML file; the set
// of recognized action kinds is open, so a new response action is a
// rule-file edit, not a code change.
package policy

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ActionItem is one step of a response plan. Action is the kind
// (notify, contain, ticket, unblock, ...); the remaining fields are
// optional per kind, and Extra carries any rule-file fields this
// version does not model so unrecognized kinds degrade to a no-op
// downstream rather than needing new fields threaded through.
type ActionItem struct {
	Action   string `yaml:"action" json:"action" validate:"required"`
	Target   string `yaml:"target,omitempty" json:"target,omitempty"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
	Channel  string `yaml:"channel,omitempty" json:"channel,omitempty"`
	Priority string `yaml:"priority,omitempty" json:"priority,omitempty"`
	System   string `yaml:"system,omitempty" json:"system,omitempty"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// RequiresApproval marks steps that need explicit human sign-off
	// beyond the plan-level approval gate.
	RequiresApproval bool `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`

	Extra map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// Decision is the result of a policy evaluation: the ordered action
// plan, a best-effort compensating rollback plan for reversible steps,
// and a human-readable rationale.
type Decision struct {
	ActionPlan []ActionItem `json:"action_plan"`
	Rollbacks  []ActionItem `json:"rollbacks"`
	Explain    string       `json:"explain"`
}

// Condition selects the requests a rule applies to. Matching is
// severity equality.
type Condition struct {
	Severity string `yaml:"severity" json:"severity" validate:"required,oneof=low medium high critical"`
}

// Rule pairs a condition with an action plan template.
type Rule struct {
	When Condition    `yaml:"when" json:"when" validate:"required"`
	Plan []ActionItem `yaml:"plan" json:"plan" validate:"required,min=1,dive"`
}

// ruleSet is one immutable snapshot of the rule file. Reloading builds
// a fresh snapshot and swaps the reference; rule lists are never
// mutated in place.
type ruleSet struct {
	// Defaults is a partial item, only its fill-in fields matter, so
	// it is exempt from per-item validation.
	Defaults ActionItem `yaml:"defaults" json:"defaults" validate:"-"`
	Rules    []Rule     `yaml:"rules" json:"rules" validate:"required,min=1,dive"`
}

// Engine evaluates policy rules.
type Engine struct {
	rules  atomic.Pointer[ruleSet]
	logger *zap.Logger
}

// NewEngineFromFile loads the rule file and builds an engine. A
// malformed rule file is an error; callers treat it as fatal at startup
// since a corrupt rule set would otherwise fail silently and mis-route
// every request.
func NewEngineFromFile(path string, logger *zap.Logger) (*Engine, error) {
	e := &Engine{logger: logger}
	if err := e.Reload(path); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEngine builds an engine from an in-memory rule set. Used by tests
// and embedded callers.
func NewEngine(defaults ActionItem, rules []Rule, logger *zap.Logger) *Engine {
	e := &Engine{logger: logger}
	e.rules.Store(&ruleSet{Defaults: defaults, Rules: rules})
	return e
}

// Reload parses and validates the rule file, then atomically swaps the
// active snapshot. In-flight evaluations keep the snapshot they
// started with.
func (e *Engine) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy rules: %w", err)
	}

	var rs ruleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("failed to parse policy rules: %w", err)
	}
	if err := validator.New().Struct(&rs); err != nil {
		return fmt.Errorf("invalid policy rules: %w", err)
	}

	e.rules.Store(&rs)
	e.logger.Info("Policy rules loaded",
		zap.String("path", path),
		zap.Int("rules", len(rs.Rules)),
	)
	return nil
}

// Decide evaluates the rule set for a severity. The first rule whose
// condition severity equals the request's severity wins; no match
// yields an empty plan, not an error.
func (e *Engine) Decide(severity string, confidence float64, businessContext map[string]any, controls []string) Decision {
	rs := e.rules.Load()

	var matched *Rule
	for i := range rs.Rules {
		if rs.Rules[i].When.Severity == severity {
			matched = &rs.Rules[i]
			break
		}
	}

	plan := make([]ActionItem, 0)
	if matched != nil {
		for _, step := range matched.Plan {
			plan = append(plan, mergeDefaults(rs.Defaults, step))
		}
	}

	rollbacks := synthesizeRollbacks(plan)

	return Decision{
		ActionPlan: plan,
		Rollbacks:  rollbacks,
		Explain: fmt.Sprintf("%d-step plan for severity=%s (confidence %.2f)",
			len(plan), severity, confidence),
	}
}

// mergeDefaults fills unset step fields from the defaults record.
// Per-step values always win.
func mergeDefaults(defaults, step ActionItem) ActionItem {
	merged := step
	if merged.Channel == "" {
		merged.Channel = defaults.Channel
	}
	if merged.Priority == "" {
		merged.Priority = defaults.Priority
	}
	if merged.System == "" {
		merged.System = defaults.System
	}
	if merged.Template == "" {
		merged.Template = defaults.Template
	}
	return merged
}

// synthesizeRollbacks builds the compensating plan. Only contain-type
// block actions are reversible here: each produces an unblock item with
// the same target and value. No other action kind gets an automatic
// rollback.
func synthesizeRollbacks(plan []ActionItem) []ActionItem {
	rollbacks := make([]ActionItem, 0)
	for _, step := range plan {
		if step.Action != "contain" || !strings.HasPrefix(step.Type, "block") {
			continue
		}
		rollbacks = append(rollbacks, ActionItem{
			Action: "un" + step.Type,
			Target: step.Target,
			Value:  step.Value,
		})
	}
	return rollbacks
}
