// Package routing classifies inbound payloads against registered source
// signatures. Classification is similarity-based: the flattened key set
// of a payload is compared to each signature's key set with Jaccard
// similarity, with known discriminator keys short-circuiting the search.
package routing

import (
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/schema"
)

// Reserved source identifiers.
const (
	SourceUnknown      = "unknown"
	SourceUnstructured = "unstructured"
)

// Signature is a named set of representative key paths for a known
// source type. Static configuration, read-only during request
// processing.
type Signature struct {
	Name string   `yaml:"name" json:"name" validate:"required"`
	Keys []string `yaml:"keys" json:"keys" validate:"required,min=1"`

	// Discriminators are key paths only this source emits. A payload
	// containing one is classified immediately without similarity
	// scoring.
	Discriminators []string `yaml:"discriminators" json:"discriminators"`
}

// Config holds router tuning. Both the similarity threshold and the
// fixed confidence used for discriminator and text matches are explicit
// configuration rather than constants.
type Config struct {
	// MinConfidence is the similarity a best match must reach before a
	// payload is considered classified.
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`

	// FixedConfidence is returned for discriminator hits and for
	// unstructured text payloads.
	FixedConfidence float64 `yaml:"fixed_confidence" validate:"gte=0,lte=1"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   0.35,
		FixedConfidence: 0.95,
	}
}

// Match is the result of a classification.
type Match struct {
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Router classifies payloads against an ordered signature list.
// Ties on similarity break by registration order, first wins.
type Router struct {
	config     Config
	signatures []Signature
	keySets    []map[string]struct{}
	// discriminators maps a key path to the single source that claims
	// it. Paths claimed by more than one signature are ambiguous and
	// dropped from the index.
	discriminators map[string]string
	logger         *zap.Logger
}

// NewRouter builds a router from registered signatures. Signature order
// is preserved and significant.
func NewRouter(cfg Config, signatures []Signature, logger *zap.Logger) *Router {
	r := &Router{
		config:         cfg,
		signatures:     signatures,
		keySets:        make([]map[string]struct{}, len(signatures)),
		discriminators: make(map[string]string),
		logger:         logger,
	}

	claimed := make(map[string]int)
	for i, sig := range signatures {
		r.keySets[i] = schema.KeySet(sig.Keys)
		for _, d := range sig.Discriminators {
			claimed[d]++
			r.discriminators[d] = sig.Name
		}
	}

	// Drop discriminators claimed by more than one source.
	for path, n := range claimed {
		if n > 1 {
			delete(r.discriminators, path)
			logger.Warn("Ambiguous discriminator dropped", zap.String("path", path))
		}
	}

	return r
}

// ClassifyStructured classifies a structured payload. An empty payload
// yields unknown with confidence 0; no error ever escapes.
func (r *Router) ClassifyStructured(payload map[string]any) Match {
	if len(payload) == 0 {
		return Match{Source: SourceUnknown, Confidence: 0}
	}

	keys := schema.Flatten(payload)

	// Discriminators take priority over similarity scoring. Signatures
	// are walked in registration order so a payload carrying
	// discriminators of two different sources always classifies as the
	// first-registered one.
	for _, sig := range r.signatures {
		for _, d := range sig.Discriminators {
			if r.discriminators[d] != sig.Name {
				// Ambiguous path dropped at registration.
				continue
			}
			if _, ok := keys[d]; ok {
				return Match{Source: sig.Name, Confidence: r.config.FixedConfidence}
			}
		}
	}

	best := Match{Source: SourceUnknown, Confidence: 0}
	for i, sig := range r.signatures {
		score := schema.Jaccard(keys, r.keySets[i])
		// Strict greater-than keeps the first-registered signature on
		// ties.
		if score > best.Confidence {
			best = Match{Source: sig.Name, Confidence: score}
		}
	}

	if best.Confidence < r.config.MinConfidence {
		// Report the best score found so callers can see how close the
		// nearest signature was.
		return Match{Source: SourceUnknown, Confidence: best.Confidence}
	}
	return best
}

// ClassifyText classifies an unstructured text line. Text payloads are
// pattern sources by construction, not inferred, so the fixed
// confidence applies.
func (r *Router) ClassifyText(line string) Match {
	if line == "" {
		return Match{Source: SourceUnknown, Confidence: 0}
	}
	return Match{Source: SourceUnstructured, Confidence: r.config.FixedConfidence}
}

// Signatures returns the registered signatures in registration order.
func (r *Router) Signatures() []Signature {
	return r.signatures
}
