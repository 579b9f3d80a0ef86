package mapping

import (
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/schema"
)

// Placeholder values for proposed documents. A human reviewer replaces
// them before approval.
const (
	PlaceholderVendor    = "unknown-vendor"
	PlaceholderProduct   = "unknown-product"
	PlaceholderEventType = "generic"
)

// fieldAlternates lists, per canonical target field, the known alternate
// key-path spellings seen across vendor formats, in priority order. The
// first alternate present in a sample wins.
var fieldAlternates = map[string][]string{
	"timestamp":    {"eventTime", "timestamp", "time", "@timestamp", "event_time", "ts", "EdgeStartTimestamp"},
	"severity":     {"severity", "alert_severity", "priority", "level", "event.Severity"},
	"src_ip":       {"sourceIPAddress", "src_ip", "source_ip", "client.ip", "agent.ip", "ClientIP", "srcaddr", "event.LocalAddressIP4"},
	"dst_ip":       {"destinationIPAddress", "dst_ip", "destination_ip", "dest_ip", "server.ip", "dstaddr", "event.RemoteAddressIP4"},
	"src_port":     {"src_port", "source_port", "sourcePort", "client.port", "spt"},
	"dst_port":     {"dst_port", "destination_port", "destinationPort", "server.port", "dpt", "event.RemotePort"},
	"http_method":  {"http_method", "httpMethod", "ClientRequestMethod", "request_method", "http.request.method"},
	"url":          {"url", "uri", "ClientRequestURI", "request_uri", "requestURL", "http.url"},
	"user":         {"user", "userName", "username", "userIdentity.userName", "user.name", "event.UserName", "suser"},
	"host":         {"host", "hostname", "ClientRequestHost", "host.name", "event.ComputerName", "computer_name"},
	"bytes_in":     {"bytes_in", "bytesIn", "in_bytes", "EdgeRequestBytes", "received_bytes"},
	"bytes_out":    {"bytes_out", "bytesOut", "out_bytes", "EdgeResponseBytes", "sent_bytes"},
	"process_name": {"process_name", "processName", "event.ImageFileName", "process.name", "image"},
	"file_hash":    {"file_hash", "sha256", "event.SHA256HashData", "file.hash.sha256", "hash", "md5"},
	"rule_name":    {"rule_name", "ruleName", "signature", "alert.signature", "rule.name"},
	"rule_id":      {"rule_id", "ruleId", "signature_id", "alert.signature_id", "rule.id", "FirewallMatchesRuleIDs"},
}

// AutoMapper proposes best-effort field mappings for payloads the
// router could not classify. Proposals are rendered for human review
// and never written to a Store directly: an inferred binding that is
// wrong would silently corrupt downstream scoring, so approval is an
// explicit out-of-band action.
type AutoMapper struct {
	logger *zap.Logger
}

// NewAutoMapper creates an auto-mapper.
func NewAutoMapper(logger *zap.Logger) *AutoMapper {
	return &AutoMapper{logger: logger}
}

// Propose builds a fields-only mapping document for a sample payload.
// For each canonical target field it binds the first known alternate
// spelling present in the flattened sample; fields with no match are
// omitted entirely, never bound to an empty expression.
func (a *AutoMapper) Propose(sample map[string]any) *Document {
	keys := schema.Flatten(sample)

	fields := make(map[string]string)
	for _, target := range schema.TargetFields {
		for _, alt := range fieldAlternates[target] {
			if _, ok := keys[alt]; ok {
				fields[target] = alt
				break
			}
		}
	}

	a.logger.Debug("Mapping proposed",
		zap.Int("sample_keys", len(keys)),
		zap.Int("bound_fields", len(fields)),
	)

	return &Document{
		Vendor:    PlaceholderVendor,
		Product:   PlaceholderProduct,
		EventType: PlaceholderEventType,
		Mode:      ModeProposed,
		Fields:    fields,
	}
}
