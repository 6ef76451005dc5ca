// Package locator resolves the country the crawl runs from using an
// ipinfo-style JSON endpoint.
package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Defaults for the lookup endpoint.
const (
	DefaultURL     = "https://ipinfo.io/json"
	DefaultTimeout = 10 * time.Second
)

const maxBody = 64 << 10

// Config configures a Locator.
type Config struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// Locator queries the lookup endpoint on every call.
type Locator struct {
	url    string
	client *http.Client
}

type response struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
}

// New returns a Locator. A nil Client gets one with an instrumented transport.
func New(cfg Config) *Locator {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Locator{url: cfg.URL, client: client}
}

// Locate returns the country code reported for the public IP.
func (l *Locator) Locate(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return "", fmt.Errorf("build location request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup location: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup location: unexpected status %d", resp.StatusCode)
	}
	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode location response: %w", err)
	}
	country := strings.TrimSpace(body.Country)
	if country == "" {
		return "", errors.New("location response has no country")
	}
	return country, nil
}
