// Package pypi is a thin client over the package index's JSON API. Intake
// uses it to resolve distribution URLs for a release; the report path uses it
// to confirm a project still exists before reporting it.
package pypi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// ErrPackageNotFound indicates the index has no such package release.
var ErrPackageNotFound = errors.New("package not found on index")

const (
	defaultBaseURL = "https://pypi.org"

	requestTimeout = 15 * time.Second

	// The index asks clients to keep automated traffic modest.
	requestsPerSecond = 10
	burst             = 20
)

// Release describes one package release as the index reports it.
type Release struct {
	Name    string
	Version string
	// Distributions are the downloadable artifact URLs for the release.
	Distributions []string
}

// Client talks to the package index JSON API with client-side rate limiting.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates an index client. An empty baseURL selects the public
// index.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// GetRelease fetches release metadata for an exact (name, version) pair.
func (c *Client) GetRelease(ctx context.Context, name, version string) (*Release, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/pypi/%s/%s/json", c.baseURL, name, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating release request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching release metadata: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s@%s: %w", name, version, ErrPackageNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching release metadata: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Info struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"info"`
		URLs []struct {
			URL string `json:"url"`
		} `json:"urls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding release metadata: %w", err)
	}

	release := Release{
		Name:    payload.Info.Name,
		Version: payload.Info.Version,
	}
	for _, u := range payload.URLs {
		release.Distributions = append(release.Distributions, u.URL)
	}

	return &release, nil
}

// ProjectExists reports whether the index serves a project page for name.
func (c *Client) ProjectExists(ctx context.Context, name string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	url := fmt.Sprintf("%s/project/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("creating project request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking project: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		return true, nil
	default:
		return false, fmt.Errorf("checking project: unexpected status %d", resp.StatusCode)
	}
}
