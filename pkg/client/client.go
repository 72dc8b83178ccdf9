// Package client provides the helpdesk API transport: authenticated GET
// requests that return decoded JSON documents or classified errors, gated by
// the shared rate limit tracker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/helpdesk-exporter/pkg/logging"
	"github.com/Sternrassler/helpdesk-exporter/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for helpdesk requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_requests_total",
		Help: "Total helpdesk API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helpdesk_request_duration_seconds",
		Help:    "Helpdesk API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_errors_total",
		Help: "Total helpdesk API errors by class",
	}, []string{"class"})
)

// errorBodyLimit bounds how much of an error response body is kept in the
// error message.
const errorBodyLimit = 512

// Document is one decoded JSON response object. Numbers are json.Number.
type Document map[string]any

// Client is the helpdesk API transport.
type Client struct {
	httpClient *http.Client
	baseURL    string
	login      string
	password   string
	userAgent  string
	limiter    *rate.Limiter
	tracker    *ratelimit.Tracker
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Credentials for basic auth. Never logged.
	Login    string
	Password string

	// Domain is the helpdesk account subdomain.
	Domain string

	// BaseURL overrides the URL derived from Domain.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per HTTP request.
	Timeout time.Duration

	// RequestsPerSecond paces requests client-side. Zero disables pacing.
	RequestsPerSecond float64

	// RateLimitStore holds shared 429 cooldown state. Nil means in-memory.
	RateLimitStore ratelimit.Store
}

// DefaultConfig returns a configuration for the given account.
func DefaultConfig(login, password, domain string) Config {
	return Config{
		Login:     login,
		Password:  password,
		Domain:    domain,
		UserAgent: "helpdesk-exporter/0.1.0",
		Timeout:   30 * time.Second,
	}
}

// BaseURLForDomain returns the API root for a helpdesk account.
func BaseURLForDomain(domain string) string {
	return fmt.Sprintf("https://%s.example-helpdesk.com/api/v2/", domain)
}

// New creates a new helpdesk client.
func New(cfg Config) (*Client, error) {
	if cfg.Login == "" {
		return nil, fmt.Errorf("login is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("password is required")
	}

	base := cfg.BaseURL
	if base == "" {
		if cfg.Domain == "" {
			return nil, fmt.Errorf("domain or base url is required")
		}
		base = BaseURLForDomain(cfg.Domain)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "helpdesk-exporter/0.1.0"
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	logger := logging.NewLogger("helpdesk-client")

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		login:      cfg.Login,
		password:   cfg.Password,
		userAgent:  cfg.UserAgent,
		limiter:    rate.NewLimiter(limit, burst),
		tracker:    ratelimit.NewTracker(cfg.RateLimitStore, logger),
		logger:     logger,
	}, nil
}

// BaseURL returns the API root, always ending in "/".
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ResourceURL returns the absolute URL of a resource path such as "tickets"
// or "tickets/42/comments".
func (c *Client) ResourceURL(resource string) string {
	return c.baseURL + strings.TrimLeft(resource, "/")
}

// Fetch performs an authenticated GET of rawURL and decodes the JSON object
// in the response. It does not retry.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Document, error) {
	if err := c.tracker.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit cooldown: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for request pacing: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{
			Kind:    KindTransport,
			Class:   ErrorClassClient,
			URL:     rawURL,
			Message: "build request",
			Err:     err,
		}
	}
	req.SetBasicAuth(c.login, c.password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	endpoint := endpointLabel(req.URL)
	c.logger.Debug().Str("url", req.URL.Redacted()).Msg("Requesting")

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("request %s: %w", req.URL.Redacted(), ctxErr)
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("url", req.URL.Redacted()).Msg("HTTP request failed")
		return nil, &Error{
			Kind:  KindTransport,
			Class: ErrorClassNetwork,
			URL:   rawURL,
			Err:   err,
		}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	retryAfter, err := c.tracker.Observe(ctx, resp.StatusCode, resp.Header)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit state")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		message := resp.Status
		if s := strings.TrimSpace(string(snippet)); s != "" {
			message = message + ": " + s
		}

		c.logger.Warn().
			Str("url", req.URL.Redacted()).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Helpdesk request error")

		return nil, &Error{
			Kind:       KindTransport,
			StatusCode: resp.StatusCode,
			Class:      class,
			URL:        rawURL,
			Message:    message,
			RetryAfter: retryAfter,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindFormat, URL: rawURL, Message: "read response body", Err: err}
	}

	return decodeDocument(rawURL, body)
}

// decodeDocument parses body as a JSON object, keeping numbers as json.Number.
func decodeDocument(rawURL string, body []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &Error{Kind: KindFormat, URL: rawURL, Message: "decode JSON", Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &Error{Kind: KindFormat, URL: rawURL, Message: "unexpected data after JSON document"}
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, ShapeError(rawURL, "response is %T, not a JSON object", value)
	}
	return Document(obj), nil
}

// endpointLabel normalises a URL path for metric labels, replacing numeric
// segments so per-record endpoints share one series.
func endpointLabel(u *url.URL) string {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, s := range segments {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}
