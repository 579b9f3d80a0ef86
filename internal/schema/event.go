// Package schema defines the canonical event schema for ThreatPipe.
// All ingested events, regardless of vendor format, are normalized to
// this structure before enrichment and scoring.
package schema

import (
	"time"
)

// CanonicalEvent is the single normalized schema all vendor-specific
// events are converted into. Every field except Timestamp, Vendor,
// Product and EventType is optional; absent fields stay nil and are
// never synthesized beyond the timestamp default.
type CanonicalEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Vendor      string    `json:"vendor"`
	Product     string    `json:"product"`
	EventType   string    `json:"event_type"`
	Severity    *string   `json:"severity,omitempty"` // source-reported, not derived
	SrcIP       *string   `json:"src_ip,omitempty"`
	DstIP       *string   `json:"dst_ip,omitempty"`
	SrcPort     *int      `json:"src_port,omitempty"`
	DstPort     *int      `json:"dst_port,omitempty"`
	HTTPMethod  *string   `json:"http_method,omitempty"`
	URL         *string   `json:"url,omitempty"`
	User        *string   `json:"user,omitempty"`
	Host        *string   `json:"host,omitempty"`
	BytesIn     *int      `json:"bytes_in,omitempty"`
	BytesOut    *int      `json:"bytes_out,omitempty"`
	ProcessName *string   `json:"process_name,omitempty"`
	FileHash    *string   `json:"file_hash,omitempty"`
	RuleName    *string   `json:"rule_name,omitempty"`
	RuleID      *string   `json:"rule_id,omitempty"`

	// Raw echoes the original payload for audit.
	Raw any `json:"raw,omitempty"`
}

// TargetFields lists every canonical field name a mapping document may
// bind, in the order the auto-mapper considers them.
var TargetFields = []string{
	"timestamp",
	"severity",
	"src_ip",
	"dst_ip",
	"src_port",
	"dst_port",
	"http_method",
	"url",
	"user",
	"host",
	"bytes_in",
	"bytes_out",
	"process_name",
	"file_hash",
	"rule_name",
	"rule_id",
}

// Str returns a pointer to s. Convenience for building events by hand.
func Str(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }
