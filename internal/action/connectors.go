package action

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

	"github.com/lvonguyen/threatpipe/internal/policy"
)

// WebhookNotifierConfig holds settings for the webhook notify
// connector (Slack-compatible incoming webhook).
type WebhookNotifierConfig struct {
	WebhookURLEnv string        `yaml:"webhook_url_env"`
	Timeout       time.Duration `yaml:"timeout"`
}

// WebhookNotifier posts plan-step notifications to an incoming webhook.
type WebhookNotifier struct {
	config     WebhookNotifierConfig
	httpClient *http.Client
}

// NewWebhookNotifier creates the notify connector. Returns an error
// when the webhook URL env var is unset so misconfiguration shows up at
// startup, not mid-incident.
func NewWebhookNotifier(config WebhookNotifierConfig) (*WebhookNotifier, error) {
	if os.Getenv(config.WebhookURLEnv) == "" {
		return nil, fmt.Errorf("webhook URL not found in env var: %s", config.WebhookURLEnv)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns the connector identifier.
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify posts a message describing the action step. via overrides the
// step's channel when set.
func (n *WebhookNotifier) Notify(ctx context.Context, item policy.ActionItem, via string) error {
	channel := item.Channel
	if via != "" {
		channel = via
	}

	payload := map[string]any{
		"channel": channel,
		"text": fmt.Sprintf("[threatpipe] %s %s %s",
			item.Action, item.Type, item.Target),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		os.Getenv(n.config.WebhookURLEnv), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

// TicketerConfig holds settings for the issue-tracker connector
// (Jira-compatible REST API).
type TicketerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	ProjectKey string        `yaml:"project_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HTTPTicketer opens tracking tickets through a REST issue tracker.
type HTTPTicketer struct {
	config     TicketerConfig
	httpClient *http.Client
}

// NewHTTPTicketer creates the ticket connector.
func NewHTTPTicketer(config TicketerConfig) (*HTTPTicketer, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("ticketer base URL is required")
	}
	if os.Getenv(config.APIKeyEnv) == "" {
		return nil, fmt.Errorf("ticketer API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &HTTPTicketer{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns the connector identifier.
func (t *HTTPTicketer) Name() string { return "tracker" }

// Open creates an issue for the action step and returns its key.
func (t *HTTPTicketer) Open(ctx context.Context, item policy.ActionItem, issueType string) (string, error) {
	if issueType == "" {
		issueType = "Task"
	}

	payload := map[string]any{
		"fields": map[string]any{
			"project":   map[string]string{"key": t.config.ProjectKey},
			"issuetype": map[string]string{"name": issueType},
			"summary": fmt.Sprintf("[threatpipe] %s response: %s %s",
				item.Priority, item.Action, item.Target),
			"priority": map[string]string{"name": priorityName(item.Priority)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(t.config.BaseURL, "/") + "/rest/api/2/issue"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+os.Getenv(t.config.APIKeyEnv))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ticket request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("tracker returned %d: %s", resp.StatusCode, string(snippet))
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode ticket response: %w", err)
	}
	return created.Key, nil
}

// priorityName maps plan priorities onto tracker priority names.
func priorityName(priority string) string {
	switch strings.ToLower(priority) {
	case "highest", "critical":
		return "Highest"
	case "high":
		return "High"
	case "low":
		return "Low"
	default:
		return "Medium"
	}
}
