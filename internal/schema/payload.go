package schema

// RawPayload is one inbound event: either a structured mapping of
// string keys to JSON-compatible values or an unstructured text line.
// Immutable, received once per pipeline invocation.
type RawPayload struct {
	Object map[string]any `json:"object,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// IsStructured reports whether the payload carries a structured object.
func (p RawPayload) IsStructured() bool {
	return p.Object != nil
}
