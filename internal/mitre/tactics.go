// Package mitre provides MITRE ATT&CK tactic tagging for canonical
// events.
package mitre

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/schema"
)

// Tactic represents a MITRE ATT&CK tactic.
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

// Tactics is the registry of known tactics, keyed by ID.
var Tactics = buildTactics()

func buildTactics() map[string]Tactic {
	list := []Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
	}

	m := make(map[string]Tactic, len(list))
	for _, t := range list {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		m[t.ID] = t
	}
	return m
}

// Rule inspects a canonical event and optionally tags one tactic.
// Rules are independent and additive.
type Rule struct {
	Name   string
	Tactic string
	Match  func(event *schema.CanonicalEvent) bool
}

// Mapper applies an ordered tactic rule set to events.
type Mapper struct {
	rules  []Rule
	logger *zap.Logger
}

// NewMapper creates a mapper with the default rule set.
func NewMapper(logger *zap.Logger) *Mapper {
	return &Mapper{rules: defaultRules(), logger: logger}
}

// sqlInjectionMarkers flag likely SQL injection attempts in request
// URLs.
var sqlInjectionMarkers = []string{
	"union select", "union+select", "union%20select",
	"' or ", "'or'", "1=1", "or 1=1", "sleep(", "benchmark(",
}

// LooksLikeSQLInjection reports whether a web-application-firewall
// event carries a request URL with a SQL injection marker. Shared by
// tactic tagging and the heuristic scorer's findings.
func LooksLikeSQLInjection(e *schema.CanonicalEvent) bool {
	if !strings.Contains(strings.ToLower(e.EventType), "waf") || e.URL == nil {
		return false
	}
	url := strings.ToLower(*e.URL)
	for _, marker := range sqlInjectionMarkers {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}

// scriptingShells are interpreter process names that indicate
// script-based execution on an endpoint.
var scriptingShells = []string{
	"powershell", "pwsh", "cmd.exe", "wscript", "cscript",
	"bash", "sh", "zsh", "python", "perl",
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:   "waf-sql-injection",
			Tactic: "TA0001",
			Match:  LooksLikeSQLInjection,
		},
		{
			Name:   "edr-scripting-shell",
			Tactic: "TA0002",
			Match: func(e *schema.CanonicalEvent) bool {
				if !strings.Contains(strings.ToLower(e.EventType), "edr") || e.ProcessName == nil {
					return false
				}
				proc := strings.ToLower(*e.ProcessName)
				for _, shell := range scriptingShells {
					if strings.Contains(proc, shell) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:   "auth-brute-force",
			Tactic: "TA0006",
			Match: func(e *schema.CanonicalEvent) bool {
				t := strings.ToLower(e.EventType)
				return strings.Contains(t, "auth") && e.Severity != nil &&
					strings.EqualFold(*e.Severity, "high")
			},
		},
		{
			Name:   "large-outbound-transfer",
			Tactic: "TA0010",
			Match: func(e *schema.CanonicalEvent) bool {
				return e.BytesOut != nil && *e.BytesOut >= 100*1024*1024
			},
		},
	}
}

// MapEvent returns the ordered, de-duplicated tactic IDs whose rules
// match the event. A failing rule is skipped, not propagated; one bad
// rule must not block enrichment of the rest of the vector.
func (m *Mapper) MapEvent(event *schema.CanonicalEvent) []string {
	tags := make([]string, 0)
	seen := make(map[string]bool)

	for _, rule := range m.rules {
		matched := m.safeMatch(rule, event)
		if matched && !seen[rule.Tactic] {
			tags = append(tags, rule.Tactic)
			seen[rule.Tactic] = true
		}
	}
	return tags
}

func (m *Mapper) safeMatch(rule Rule, event *schema.CanonicalEvent) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Tactic rule failed",
				zap.String("rule", rule.Name),
				zap.Any("panic", r),
			)
			matched = false
		}
	}()
	return rule.Match(event)
}
