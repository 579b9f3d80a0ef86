package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testRules() []Rule {
	return []Rule{
		{
			When: Condition{Severity: "critical"},
			Plan: []ActionItem{
				{Action: "contain", Type: "block-ip", Target: "firewall", Value: "{src_ip}"},
				{Action: "notify", Channel: "#incident-response", Priority: "critical"},
				{Action: "ticket", Priority: "critical"},
			},
		},
		{
			When: Condition{Severity: "high"},
			Plan: []ActionItem{
				{Action: "notify"},
				{Action: "ticket"},
			},
		},
	}
}

func testDefaults() ActionItem {
	return ActionItem{
		Channel:  "#security-alerts",
		Priority: "medium",
		System:   "tracker",
		Template: "standard-incident",
	}
}

// =============================================================================
// Decision Tests
// =============================================================================

// TestDecide_FirstMatchWins verifies rule selection by severity
// equality and plan length.
func TestDecide_FirstMatchWins(t *testing.T) {
	e := NewEngine(testDefaults(), testRules(), zap.NewNop())

	d := e.Decide("critical", 0.92, nil, nil)
	if len(d.ActionPlan) != 3 {
		t.Fatalf("expected 3-step plan, got %d", len(d.ActionPlan))
	}
	if d.ActionPlan[0].Action != "contain" {
		t.Errorf("plan order must follow the rule, got %q first", d.ActionPlan[0].Action)
	}
}

// TestDecide_NoMatchEmptyPlan verifies an unmatched severity yields an
// empty plan, not an error or nil.
func TestDecide_NoMatchEmptyPlan(t *testing.T) {
	e := NewEngine(testDefaults(), testRules(), zap.NewNop())

	d := e.Decide("low", 0.2, nil, nil)
	if d.ActionPlan == nil {
		t.Fatal("plan must be empty, not nil")
	}
	if len(d.ActionPlan) != 0 || len(d.Rollbacks) != 0 {
		t.Errorf("expected empty decision, got %+v", d)
	}
}

// TestDecide_DefaultsMerged verifies defaults fill unset step fields
// and per-step values win.
func TestDecide_DefaultsMerged(t *testing.T) {
	e := NewEngine(testDefaults(), testRules(), zap.NewNop())

	d := e.Decide("high", 0.7, nil, nil)
	notify := d.ActionPlan[0]
	if notify.Channel != "#security-alerts" {
		t.Errorf("expected default channel, got %q", notify.Channel)
	}
	if notify.Priority != "medium" {
		t.Errorf("expected default priority, got %q", notify.Priority)
	}

	d = e.Decide("critical", 0.9, nil, nil)
	if d.ActionPlan[1].Channel != "#incident-response" {
		t.Errorf("step value must override default, got %q", d.ActionPlan[1].Channel)
	}
	if d.ActionPlan[1].Priority != "critical" {
		t.Errorf("step value must override default, got %q", d.ActionPlan[1].Priority)
	}
}

// TestDecide_Explain verifies the rationale mentions plan size and
// severity.
func TestDecide_Explain(t *testing.T) {
	e := NewEngine(testDefaults(), testRules(), zap.NewNop())

	d := e.Decide("critical", 0.92, nil, nil)
	if !strings.Contains(d.Explain, "3-step") || !strings.Contains(d.Explain, "critical") {
		t.Errorf("unexpected explain: %q", d.Explain)
	}
}

// =============================================================================
// Rollback Tests
// =============================================================================

// TestDecide_RollbackForContainBlock verifies exactly one rollback is
// synthesized for the contain/block-ip step, with the un-prefixed type
// and the same target and value.
func TestDecide_RollbackForContainBlock(t *testing.T) {
	e := NewEngine(testDefaults(), testRules(), zap.NewNop())

	d := e.Decide("critical", 0.92, nil, nil)
	if len(d.Rollbacks) != 1 {
		t.Fatalf("expected 1 rollback, got %d", len(d.Rollbacks))
	}

	rb := d.Rollbacks[0]
	if rb.Action != "unblock-ip" {
		t.Errorf("expected unblock-ip, got %q", rb.Action)
	}
	if rb.Target != "firewall" || rb.Value != "{src_ip}" {
		t.Errorf("rollback must preserve target and value, got %+v", rb)
	}
}

// TestDecide_NoRollbackForOtherKinds verifies notify and ticket steps
// never produce rollbacks.
func TestDecide_NoRollbackForOtherKinds(t *testing.T) {
	e := NewEngine(testDefaults(), testRules(), zap.NewNop())

	d := e.Decide("high", 0.7, nil, nil)
	if len(d.Rollbacks) != 0 {
		t.Errorf("expected no rollbacks, got %v", d.Rollbacks)
	}
}

// TestSynthesizeRollbacks_NonBlockContain verifies contain steps whose
// type is not a block variant are not reversed.
func TestSynthesizeRollbacks_NonBlockContain(t *testing.T) {
	plan := []ActionItem{
		{Action: "contain", Type: "isolate-host", Target: "edr"},
		{Action: "contain", Type: "block-domain", Target: "dns", Value: "evil.example"},
	}

	rollbacks := synthesizeRollbacks(plan)
	if len(rollbacks) != 1 {
		t.Fatalf("expected 1 rollback, got %d", len(rollbacks))
	}
	if rollbacks[0].Action != "unblock-domain" {
		t.Errorf("expected unblock-domain, got %q", rollbacks[0].Action)
	}
}

// =============================================================================
// Rule File Tests
// =============================================================================

const rulesYAML = `defaults:
  channel: "#security-alerts"
  priority: medium
rules:
  - when:
      severity: critical
    plan:
      - action: contain
        type: block-ip
        target: firewall
        value: "{src_ip}"
      - action: notify
`

// TestNewEngineFromFile verifies YAML rules load and evaluate.
func TestNewEngineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	e, err := NewEngineFromFile(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngineFromFile: %v", err)
	}

	d := e.Decide("critical", 0.9, nil, nil)
	if len(d.ActionPlan) != 2 {
		t.Errorf("expected 2-step plan, got %d", len(d.ActionPlan))
	}
	if d.ActionPlan[1].Channel != "#security-alerts" {
		t.Errorf("defaults must merge from file, got %q", d.ActionPlan[1].Channel)
	}
	if len(d.Rollbacks) != 1 || d.Rollbacks[0].Action != "unblock-ip" {
		t.Errorf("expected unblock-ip rollback, got %v", d.Rollbacks)
	}
}

// TestNewEngineFromFile_Invalid verifies malformed rule files are
// rejected at load time.
func TestNewEngineFromFile_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad severity": `rules:
  - when:
      severity: apocalyptic
    plan:
      - action: notify
`,
		"empty plan": `rules:
  - when:
      severity: low
    plan: []
`,
		"no rules": `defaults:
  priority: low
`,
	}

	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "policies.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write rules: %v", err)
		}
		if _, err := NewEngineFromFile(path, zap.NewNop()); err == nil {
			t.Errorf("%s: expected load error", name)
		}
	}
}

// TestReload_SwapsRules verifies a reload replaces the active rule set.
func TestReload_SwapsRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	e, err := NewEngineFromFile(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngineFromFile: %v", err)
	}

	replacement := `rules:
  - when:
      severity: critical
    plan:
      - action: notify
`
	if err := os.WriteFile(path, []byte(replacement), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := e.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	d := e.Decide("critical", 0.9, nil, nil)
	if len(d.ActionPlan) != 1 || d.ActionPlan[0].Action != "notify" {
		t.Errorf("expected reloaded single-step plan, got %v", d.ActionPlan)
	}
}
