package score

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/threatpipe/internal/enrich"
	"github.com/lvonguyen/threatpipe/internal/schema"
)

// OracleConfig holds remote scoring oracle settings.
type OracleConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultOracleConfig returns sensible defaults.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		APIKeyEnv: "THREATPIPE_ORACLE_KEY",
		Timeout:   5 * time.Second,
	}
}

// OracleClient calls a remote scoring oracle over HTTP. Every call is
// bounded by the configured timeout; callers treat any error as a
// signal to fall back, never as a request failure.
type OracleClient struct {
	config     OracleConfig
	httpClient *http.Client
}

// NewOracleClient creates an oracle client. Returns nil when no base
// URL is configured, which disables oracle scoring entirely.
func NewOracleClient(config OracleConfig) *OracleClient {
	if config.BaseURL == "" {
		return nil
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOracleConfig().Timeout
	}
	return &OracleClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// oracleRequest is the wire format sent to the oracle.
type oracleRequest struct {
	FeatureVector  *enrich.FeatureVector  `json:"feature_vector"`
	CanonicalEvent *schema.CanonicalEvent `json:"canonical_event"`
	Context        map[string]any         `json:"context,omitempty"`
}

// Score posts the feature vector to the oracle and decodes its score.
// A malformed response is an error like any other transport failure.
func (c *OracleClient) Score(ctx context.Context, fv *enrich.FeatureVector, event *schema.CanonicalEvent, reqContext map[string]any) (*ThreatScore, error) {
	body, err := json.Marshal(oracleRequest{
		FeatureVector:  fv,
		CanonicalEvent: event,
		Context:        reqContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode oracle request: %w", err)
	}

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/v1/score"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv(c.config.APIKeyEnv); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("oracle returned %d: %s", resp.StatusCode, string(snippet))
	}

	var result ThreatScore
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode oracle response: %w", err)
	}

	if err := validateOracleScore(&result); err != nil {
		return nil, err
	}

	if result.CaseID == "" {
		result.CaseID = uuid.NewString()
	}
	return &result, nil
}

// validateOracleScore rejects responses that would violate downstream
// invariants.
func validateOracleScore(score *ThreatScore) error {
	switch score.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("oracle returned unknown severity %q", score.Severity)
	}
	if score.Confidence < 0 || score.Confidence > 1 {
		return fmt.Errorf("oracle returned confidence %v outside [0,1]", score.Confidence)
	}
	if len(score.Findings) == 0 {
		return fmt.Errorf("oracle returned empty findings")
	}
	return nil
}
