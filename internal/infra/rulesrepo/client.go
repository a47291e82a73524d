// Package rulesrepo fetches the authoritative YARA ruleset from the rules
// repository on GitHub: the zipball of the default branch plus its top commit
// SHA, which together form the snapshot workers negotiate against.
package rulesrepo

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/rules"
)

// Compile-time check that Client implements rules.Fetcher.
var _ rules.Fetcher = (*Client)(nil)

const (
	defaultBaseURL = "https://api.github.com"
	defaultRepo    = "vipyrsec/security-intelligence"

	requestTimeout = 30 * time.Second
	maxRetries     = 3
)

// Config holds the settings for the rules repository client.
type Config struct {
	// BaseURL overrides the GitHub API base, mainly for tests.
	BaseURL string
	// Repo is the owner/name of the rules repository.
	Repo string
	// Token is the bearer token used against the GitHub API.
	Token string
}

// Client pulls rulesets from the GitHub rules repository.
type Client struct {
	baseURL    string
	repo       string
	token      string
	httpClient *http.Client
}

// NewClient creates a rules repository client. Outbound requests are traced.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	repo := cfg.Repo
	if repo == "" {
		repo = defaultRepo
	}

	return &Client{
		baseURL: baseURL,
		repo:    repo,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// FetchRuleset downloads the current ruleset: every *.yara file in the
// repository zipball, keyed by file name without the .yara extension, plus
// the SHA of the top commit on the main branch. Transient failures are
// retried with capped exponential backoff.
func (c *Client) FetchRuleset(ctx context.Context) (*rules.Ruleset, error) {
	var ruleset *rules.Ruleset

	operation := func() error {
		commit, err := c.fetchTopCommit(ctx)
		if err != nil {
			return err
		}

		ruleSources, err := c.fetchRuleSources(ctx)
		if err != nil {
			return err
		}

		ruleset = &rules.Ruleset{
			CommitHash: commit,
			Rules:      ruleSources,
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("fetching ruleset from %s: %w", c.repo, err)
	}

	return ruleset, nil
}

func (c *Client) fetchTopCommit(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/commits/main", c.baseURL, c.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating commit request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.VERSION.sha")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching top commit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching top commit: unexpected status %d", resp.StatusCode)
	}

	sha, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading top commit: %w", err)
	}

	return strings.TrimSpace(string(sha)), nil
}

func (c *Client) fetchRuleSources(ctx context.Context) (map[string]string, error) {
	url := fmt.Sprintf("%s/repos/%s/zipball/", c.baseURL, c.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating zipball request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching zipball: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching zipball: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading zipball: %w", err)
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zipball: %w", err)
	}

	ruleSources := make(map[string]string)
	for _, file := range archive.File {
		if !strings.HasSuffix(file.Name, ".yara") {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", file.Name, err)
		}
		source, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file.Name, err)
		}

		name := strings.TrimSuffix(path.Base(file.Name), ".yara")
		ruleSources[name] = string(source)
	}

	return ruleSources, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
