// Package mapping owns field-mapping documents: the declarative rules
// describing how to extract canonical fields from one specific source's
// raw format. Documents are the only durable state the pipeline owns.
package mapping

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ModeProposed marks a document produced by the auto-mapper. A reviewer
// removes the marker along with the placeholder identity before
// approval; the store refuses to persist a document still carrying it.
const ModeProposed = "proposed"

// Document describes how to normalize one source's payloads. Exactly
// one of Fields or Pattern is set: Fields maps canonical field names to
// path-query extraction expressions for structured payloads, Pattern is
// a regular expression with named capture groups for text payloads.
type Document struct {
	Vendor    string `yaml:"vendor" json:"vendor" validate:"required"`
	Product   string `yaml:"product" json:"product" validate:"required"`
	EventType string `yaml:"event_type" json:"event_type" validate:"required"`
	Mode      string `yaml:"mode,omitempty" json:"mode,omitempty"`

	Fields  map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Pattern string            `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

var docValidator = validator.New()

// Parse decodes and validates a YAML mapping document. A document that
// fails validation is rejected whole; a corrupt mapping must never be
// half-trusted for extraction.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse mapping document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks structural invariants beyond YAML well-formedness.
func (d *Document) Validate() error {
	if err := docValidator.Struct(d); err != nil {
		return fmt.Errorf("invalid mapping document: %w", err)
	}

	if d.Mode == ModeProposed {
		return fmt.Errorf("proposed mapping document must be reviewed before it can be stored")
	}

	hasFields := len(d.Fields) > 0
	hasPattern := d.Pattern != ""
	if hasFields == hasPattern {
		return fmt.Errorf("mapping document must set exactly one of fields or pattern")
	}

	if hasPattern {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return fmt.Errorf("invalid extraction pattern: %w", err)
		}
		named := 0
		for _, name := range re.SubexpNames() {
			if name != "" {
				named++
			}
		}
		if named == 0 {
			return fmt.Errorf("extraction pattern has no named capture groups")
		}
	}

	return nil
}

// Render encodes the document as hand-editable YAML.
func (d *Document) Render() ([]byte, error) {
	return yaml.Marshal(d)
}

// CompilePattern returns the compiled extraction pattern for a
// pattern-mode document.
func (d *Document) CompilePattern() (*regexp.Regexp, error) {
	if d.Pattern == "" {
		return nil, fmt.Errorf("mapping document has no pattern")
	}
	return regexp.Compile(d.Pattern)
}
