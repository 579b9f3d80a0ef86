// Package normalize applies mapping documents to raw payloads,
// producing canonical events. Normalization always succeeds: extraction
// misses become nil fields, never errors, so exactly one canonical
// event comes out of every normalized payload.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/mapping"
	"github.com/lvonguyen/threatpipe/internal/schema"
)

// Normalizer converts raw payloads to canonical events under a mapping
// document.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger, now: time.Now}
}

// Normalize produces a canonical event from payload under doc. For
// structured payloads each field's extraction expression is evaluated
// as a path query; for text payloads the configured pattern's named
// capture groups populate fields, and a non-matching line yields an
// entirely empty extraction rather than an error. Vendor, product and
// event type come from the mapping document, not the payload.
func (n *Normalizer) Normalize(payload schema.RawPayload, doc *mapping.Document) *schema.CanonicalEvent {
	event := &schema.CanonicalEvent{
		Vendor:    doc.Vendor,
		Product:   doc.Product,
		EventType: doc.EventType,
	}

	var values map[string]any
	if payload.IsStructured() {
		event.Raw = payload.Object
		values = n.extractFields(payload.Object, doc)
	} else {
		event.Raw = payload.Text
		values = n.extractPattern(payload.Text, doc)
	}

	n.bind(event, values)

	if event.Timestamp.IsZero() {
		event.Timestamp = n.now().UTC()
	}

	return event
}

// extractFields evaluates each mapped extraction expression against a
// structured payload.
func (n *Normalizer) extractFields(obj map[string]any, doc *mapping.Document) map[string]any {
	values := make(map[string]any, len(doc.Fields))
	for target, expr := range doc.Fields {
		if v, ok := extract(expr, obj); ok {
			values[target] = v
		}
	}
	return values
}

// extractPattern matches the raw line against the document's pattern.
// Named capture groups become field values; no match means no values.
func (n *Normalizer) extractPattern(line string, doc *mapping.Document) map[string]any {
	re, err := doc.CompilePattern()
	if err != nil {
		// Documents are validated at load time, so this only fires for
		// fields-mode documents applied to text payloads.
		n.logger.Warn("Mapping has no usable pattern", zap.Error(err))
		return nil
	}

	match := re.FindStringSubmatch(line)
	if match == nil {
		return nil
	}

	values := make(map[string]any)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) && match[i] != "" {
			values[name] = match[i]
		}
	}
	return values
}

// extract evaluates a JSON-path-like expression against a structured
// payload and returns the first matching value. The supported syntax is
// dotted key traversal with an optional leading "$." prefix.
func extract(pathExpr string, obj map[string]any) (any, bool) {
	expr := strings.TrimPrefix(pathExpr, "$.")
	if expr == "" {
		return nil, false
	}

	var current any = obj
	for _, part := range strings.Split(expr, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// bind assigns extracted values onto the event's typed fields. Values
// that fail to coerce stay nil.
func (n *Normalizer) bind(event *schema.CanonicalEvent, values map[string]any) {
	if ts, ok := values["timestamp"]; ok {
		if t, ok := coerceTime(ts); ok {
			event.Timestamp = t
		}
	}

	event.Severity = coerceString(values["severity"])
	event.SrcIP = coerceString(values["src_ip"])
	event.DstIP = coerceString(values["dst_ip"])
	event.SrcPort = coerceInt(values["src_port"])
	event.DstPort = coerceInt(values["dst_port"])
	event.HTTPMethod = coerceString(values["http_method"])
	event.URL = coerceString(values["url"])
	event.User = coerceString(values["user"])
	event.Host = coerceString(values["host"])
	event.BytesIn = coerceInt(values["bytes_in"])
	event.BytesOut = coerceInt(values["bytes_out"])
	event.ProcessName = coerceString(values["process_name"])
	event.FileHash = coerceString(values["file_hash"])
	event.RuleName = coerceString(values["rule_name"])
	event.RuleID = coerceString(values["rule_id"])
}

// coerceString stringifies scalar values. Maps and lists do not bind to
// string fields.
func coerceString(v any) *string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return &val
	case float64, int, int64, bool:
		s := fmt.Sprintf("%v", val)
		return &s
	default:
		return nil
	}
}

// coerceInt parses integer-typed fields (ports, byte counts). Values
// that fail to parse as integers become nil rather than raising.
func coerceInt(v any) *int {
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		return &val
	case int64:
		i := int(val)
		return &i
	case float64:
		i := int(val)
		return &i
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil
		}
		return &i
	default:
		return nil
	}
}

// timeLayouts are tried in order when parsing string timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"Jan  2 15:04:05",
}

func coerceTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		// Epoch seconds.
		return time.Unix(int64(val), 0).UTC(), true
	case int64:
		return time.Unix(val, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}
