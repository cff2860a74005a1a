// Package validation submits curated documents to a FHIR validation server
// and records the resulting OperationOutcome reports. Known tooling noise is
// downgraded so real conformance errors stand out.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Client talks to a validator exposing the $validate operation.
type Client struct {
	http        *retryablehttp.Client
	baseURL     string
	filterNoise bool
	log         zerolog.Logger
}

// NewClient builds a validation client. filterNoise enables the known-noise
// downgrade newer profile releases need.
func NewClient(baseURL string, filterNoise bool, log zerolog.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = time.Second
	httpClient.RetryWaitMax = 10 * time.Second
	httpClient.Logger = nil
	return &Client{
		http:        httpClient,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		filterNoise: filterNoise,
		log:         log.With().Str("service", "validation").Logger(),
	}
}

// ValidateFile posts the document at path to the validator and writes the
// OperationOutcome to reportPath. With noise filtering on, a second report
// prefixed with an underscore holds the downgraded outcome.
func (c *Client) ValidateFile(ctx context.Context, path, reportPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document %s: %w", path, err)
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("failed to probe document %s: %w", path, err)
	}

	url := fmt.Sprintf("%s/%s/$validate", c.baseURL, probe.ResourceType)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed for %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read validation response: %w", err)
	}

	if err := os.WriteFile(reportPath, body, 0o644); err != nil {
		return fmt.Errorf("failed to write validation report %s: %w", reportPath, err)
	}
	c.log.Info().Str("document", filepath.Base(path)).Int("status", resp.StatusCode).
		Msg("validated document")

	if !c.filterNoise {
		return nil
	}
	filtered, err := FilterNoise(body)
	if err != nil {
		return fmt.Errorf("failed to filter validation report %s: %w", reportPath, err)
	}
	filteredPath := filepath.Join(filepath.Dir(reportPath), "_"+filepath.Base(reportPath))
	if err := os.WriteFile(filteredPath, filtered, 0o644); err != nil {
		return fmt.Errorf("failed to write filtered report %s: %w", filteredPath, err)
	}
	return nil
}

// outcome mirrors the slice of OperationOutcome the filter rewrites.
type outcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []issue `json:"issue"`
}

type issue struct {
	Severity    string          `json:"severity"`
	Code        string          `json:"code"`
	Diagnostics string          `json:"diagnostics,omitempty"`
	Expression  []string        `json:"expression,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// FilterNoise downgrades known-noise error issues to information severity,
// marking their diagnostics with an IGNORE prefix.
func FilterNoise(report []byte) ([]byte, error) {
	var oo outcome
	if err := json.Unmarshal(report, &oo); err != nil {
		return nil, fmt.Errorf("failed to decode OperationOutcome: %w", err)
	}
	if oo.ResourceType != "OperationOutcome" {
		return report, nil
	}
	for i, iss := range oo.Issue {
		if iss.Severity != "error" && iss.Severity != "fatal" {
			continue
		}
		if ignorable(iss) {
			oo.Issue[i].Severity = "information"
			oo.Issue[i].Diagnostics = "IGNORE: " + iss.Diagnostics
		}
	}
	return json.MarshalIndent(oo, "", "  ")
}

// raceCodes and ethnicityCodes are CDC race and ethnicity codes the
// validator cannot expand against their ValueSets.
var raceCodes = []string{"1002-5", "2028-9", "2054-5", "2076-8", "2106-3", "2131-1", "ASKU", "UNK"}

var ethnicityCodes = []string{"2135-2", "2186-5", "ASKU", "UNK"}

var birthSexValues = []string{"'F'", "'M'", "'OTH'", "'UNK'"}

// ignorable recognizes validator messages with known tooling causes: value
// sets the validator cannot expand, and invariants it evaluates wrongly.
func ignorable(iss issue) bool {
	text := iss.Diagnostics
	for _, code := range raceCodes {
		if strings.Contains(text, "urn:oid:2.16.840.1.113883.6.238#"+code) &&
			strings.Contains(text, "http://hl7.org/fhir/us/core/ValueSet/omb-race-category") {
			return true
		}
	}
	for _, code := range ethnicityCodes {
		if strings.Contains(text, "urn:oid:2.16.840.1.113883.6.238#"+code) &&
			strings.Contains(text, "http://hl7.org/fhir/us/core/ValueSet/omb-ethnicity-category") {
			return true
		}
	}
	for _, value := range birthSexValues {
		if strings.Contains(text, "The value provided ("+value+")") &&
			strings.Contains(text, "http://hl7.org/fhir/us/core/ValueSet/birthsex") {
			return true
		}
	}
	if strings.Contains(text, `The filter "concept = 768734005"`) &&
		strings.Contains(text, "http://cts.nlm.nih.gov/fhir/ValueSet/2.16.840.1.113762.1.4.1099.27") {
		return true
	}
	if strings.Contains(text, "Unable to find a match for profile") &&
		strings.Contains(text, "http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient") {
		return true
	}
	expr := strings.Join(iss.Expression, " ")
	if strings.Contains(expr+" "+text, "resource.ofType(DiagnosticReport)") &&
		strings.Contains(text, "us-core-8") {
		return true
	}
	if strings.Contains(expr+" "+text, "resource.ofType(Provenance)") &&
		strings.Contains(text, "provenance-1") {
		return true
	}
	return false
}
