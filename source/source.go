// Package source fetches giveaway listings from the GamerPower API.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"freedrop/pkg/giveaway"
)

// DefaultBaseURL is the public GamerPower API root.
const DefaultBaseURL = "https://www.gamerpower.com/api"

const maxBodyBytes = 8 << 20

// Client fetches and normalises listings. It never returns an error:
// any failure is logged and reported as an empty result.
type Client struct {
	client    *http.Client
	logger    *slog.Logger
	baseURL   string
	userAgent string
}

// New creates a new source client. An empty baseURL selects DefaultBaseURL.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:    client,
		logger:    logger,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: "FreeDrop/1.0 (+https://github.com/freedrop)",
	}
}

// BuildURL returns the endpoint for the given filters.
// Both filters use /filter, one filter uses /giveaways with that parameter,
// and no filters use the bare /giveaways endpoint. Values are dot-joined.
func BuildURL(baseURL string, platforms, types []string) string {
	params := url.Values{}
	endpoint := "/giveaways"

	switch {
	case len(platforms) > 0 && len(types) > 0:
		endpoint = "/filter"
		params.Set("platform", strings.Join(platforms, "."))
		params.Set("type", strings.Join(types, "."))
	case len(platforms) > 0:
		params.Set("platform", strings.Join(platforms, "."))
	case len(types) > 0:
		params.Set("type", strings.Join(types, "."))
	}

	u := baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Fetch returns the listings matching the filters, or an empty slice on any failure.
func (c *Client) Fetch(ctx context.Context, platforms, types []string) []giveaway.Listing {
	endpoint := BuildURL(c.baseURL, platforms, types)
	listings, err := c.fetch(ctx, endpoint)
	if err != nil {
		c.logger.Warn("Giveaway fetch failed, treating as no data", "url", endpoint, "error", err)
		return []giveaway.Listing{}
	}
	return listings
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]giveaway.Listing, error) {
	c.logger.Info("HTTP request starting", "method", "GET", "url", endpoint, "purpose", "fetch_giveaways")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Info("HTTP request completed",
		"url", endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{URL: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return c.parse(body)
}

// HTTPError reports a non-success status from the API.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// parse decodes a response body. A body that is not a JSON array yields no listings;
// the API answers "no active giveaways" with an object.
func (c *Client) parse(body []byte) ([]giveaway.Listing, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		c.logger.Info("Response body is not a list, treating as no data", "bytes", len(body))
		return []giveaway.Listing{}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}

	listings := make([]giveaway.Listing, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for i, raw := range raws {
		l, err := normalize(raw)
		if err != nil {
			c.logger.Warn("Dropping malformed listing", "index", i, "error", err)
			continue
		}
		if _, dup := seen[l.ID]; dup {
			c.logger.Debug("Dropping duplicate listing", "id", l.ID)
			continue
		}
		seen[l.ID] = struct{}{}
		listings = append(listings, l)
	}
	return listings, nil
}
