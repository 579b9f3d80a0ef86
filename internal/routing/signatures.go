package routing

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// signatureFile is the on-disk layout of a signatures YAML file.
type signatureFile struct {
	Sources []Signature `yaml:"sources" validate:"required,min=1,dive"`
}

// LoadSignatures reads source signatures from a YAML file. A malformed
// file is an error; callers treat it as fatal at startup since a corrupt
// signature set would silently mis-route every request.
func LoadSignatures(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures file: %w", err)
	}

	var file signatureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse signatures file: %w", err)
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid signatures file: %w", err)
	}

	return file.Sources, nil
}

// DefaultSignatures returns the built-in signature set used when no
// signatures file is configured.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			Name: "aws_cloudtrail",
			Keys: []string{
				"eventVersion", "eventTime", "eventSource", "eventName",
				"awsRegion", "sourceIPAddress", "userAgent", "userIdentity",
				"userIdentity.type", "userIdentity.arn", "requestParameters",
			},
			Discriminators: []string{"eventSource", "awsRegion"},
		},
		{
			Name: "cloudflare_waf",
			Keys: []string{
				"ClientIP", "ClientRequestHost", "ClientRequestMethod",
				"ClientRequestURI", "EdgeResponseStatus", "FirewallMatchesActions",
				"FirewallMatchesRuleIDs", "RayID",
			},
			Discriminators: []string{"RayID", "FirewallMatchesRuleIDs"},
		},
		{
			Name: "crowdstrike_edr",
			Keys: []string{
				"metadata", "metadata.eventType", "metadata.customerIDString",
				"event", "event.ProcessStartTime", "event.ImageFileName",
				"event.CommandLine", "event.SHA256HashData", "event.ComputerName",
			},
			Discriminators: []string{"metadata.customerIDString", "event.SHA256HashData"},
		},
	}
}
