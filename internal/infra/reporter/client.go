// Package reporter is the outbound client for the external reporter service.
// Delivery is not retried here; the report handler owns the rollback that
// keeps reporting exactly-once effective.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const requestTimeout = 30 * time.Second

// ObservationKind mirrors the kinds accepted by the package index's
// observation API.
type ObservationKind string

const (
	KindDependencyConfusion ObservationKind = "is_dependency_confusion"
	KindMalware             ObservationKind = "is_malware"
	KindSpam                ObservationKind = "is_spam"
	KindOther               ObservationKind = "something_else"
)

// ObservationReport is the payload for an observation-API report.
type ObservationReport struct {
	Kind         ObservationKind `json:"kind"`
	Summary      string          `json:"summary"`
	InspectorURL string          `json:"inspector_url"`
	Extra        map[string]any  `json:"extra"`
}

// EmailReport is the payload for an email-based report.
type EmailReport struct {
	Name                  string   `json:"name"`
	Version               string   `json:"version"`
	RulesMatched          []string `json:"rules_matched"`
	Recipient             *string  `json:"recipient,omitempty"`
	InspectorURL          string   `json:"inspector_url"`
	AdditionalInformation *string  `json:"additional_information,omitempty"`
}

// Client posts reports to the reporter service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a reporter client against the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SendObservation forwards an observation report for the named package.
func (c *Client) SendObservation(ctx context.Context, name string, report ObservationReport) error {
	return c.post(ctx, fmt.Sprintf("%s/report/%s", c.baseURL, name), report)
}

// SendEmail forwards an email report.
func (c *Client) SendEmail(ctx context.Context, report EmailReport) error {
	return c.post(ctx, fmt.Sprintf("%s/report/email", c.baseURL), report)
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reporter returned status %d: %s", resp.StatusCode, detail)
	}

	return nil
}
