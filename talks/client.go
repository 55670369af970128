// Package talks is a client for the media.ccc.de public API, the source of talk metadata.
package talks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/guregu/null"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/metrics"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the media.ccc.de public API
const DefaultBaseURL = "https://api.media.ccc.de/public"

// Default request rate towards the API
const (
	DefaultRequestsPerSecond = 2
	DefaultBurst             = 4
)

const (
	endpointSearch = "search"
	endpointTalk   = "talk"
	breakerName    = "talks-api"
	maxBodyBytes   = 16 << 20
)

var (
	ErrTalkNotFound = errors.New("talk not found")
	ErrEmptyQuery   = errors.New("query must not be empty")
)

// Talk is a recorded talk as described by the API
type Talk struct {
	GUID             string    `json:"guid"`
	Slug             string    `json:"slug"`
	Title            string    `json:"title"`
	Subtitle         string    `json:"subtitle"`
	Description      string    `json:"description"`
	OriginalLanguage string    `json:"original_language"`
	Persons          []string  `json:"persons"`
	Tags             []string  `json:"tags"`
	Date             null.Time `json:"date"`
	ReleaseDate      string    `json:"release_date"`
	Duration         int       `json:"duration"` // seconds
	FrontendLink     string    `json:"frontend_link"`
	ConferenceTitle  string    `json:"conference_title"`
	ConferenceURL    string    `json:"conference_url"`
}

// Conference returns the acronym of the talk's conference, e.g. 38c3
func (t Talk) Conference() string {
	if t.ConferenceURL == "" {
		return ""
	}

	u, err := url.Parse(t.ConferenceURL)
	if err != nil {
		return ""
	}

	return path.Base(strings.TrimRight(u.Path, "/"))
}

type searchResponse struct {
	Events []Talk `json:"events"`
}

// Searcher finds talks
type Searcher interface {
	Search(ctx context.Context, query string) ([]Talk, error)
	Talk(ctx context.Context, guid string) (*Talk, error)
}

// Client is a rate limited media.ccc.de API client guarded by a circuit breaker
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
	logger     logging.Logger
	settings   gobreaker.Settings
}

var _ Searcher = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the API base URL
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient overrides the default HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRateLimit limits requests to r per second with bursts of up to burst requests
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithBreakerTimeout sets how long the circuit stays open before requests are let through again
func WithBreakerTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.settings.Timeout = d
	}
}

// WithLogger sets the client's logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a talks API client
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultBurst),
		logger:     logging.Discard,
		settings: gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	c.settings.IsSuccessful = func(err error) bool {
		// the API answering "not found" is healthy
		return err == nil || errors.Is(err, ErrTalkNotFound)
	}
	c.settings.OnStateChange = func(name string, from, to gobreaker.State) {
		c.logger.Info("talks api circuit breaker state changed", "from", from.String(), "to", to.String())
		metrics.TalksBreakerState.Set(stateToFloat(to))
	}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](c.settings)
	metrics.TalksBreakerState.Set(stateToFloat(gobreaker.StateClosed))

	return c
}

// Search searches talks by title, speaker and description
func (c *Client) Search(ctx context.Context, query string) ([]Talk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	params := url.Values{}
	params.Set("q", query)

	var resp searchResponse
	if err := c.get(ctx, endpointSearch, "/events/search", params, &resp); err != nil {
		return nil, err
	}

	return resp.Events, nil
}

// Talk fetches a single talk by guid
func (c *Client) Talk(ctx context.Context, guid string) (*Talk, error) {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return nil, ErrTalkNotFound
	}

	t := &Talk{}
	if err := c.get(ctx, endpointTalk, "/events/"+url.PathEscape(guid), nil, t); err != nil {
		return nil, err
	}

	return t, nil
}

// IsUnavailable reports whether err means the API was not called because the circuit breaker is open
func IsUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (c *Client) get(ctx context.Context, endpoint, p string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for talks api rate limit: %w", err)
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, p, params)
	})
	if err != nil {
		outcome := metrics.OutcomeError
		if IsUnavailable(err) {
			outcome = metrics.OutcomeCircuitOff
		}
		metrics.TalksRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
		return err
	}

	metrics.TalksRequestsTotal.WithLabelValues(endpoint, metrics.OutcomeSuccess).Inc()

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode talks api response: %w", err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, p string, params url.Values) ([]byte, error) {
	endpoint, err := url.Parse(c.baseURL + p)
	if err != nil {
		return nil, fmt.Errorf("parse talks api url: %w", err)
	}
	if params != nil {
		endpoint.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("execute request (latency=%v): %w", latency, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrTalkNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("talks api returned %d (latency=%v)", resp.StatusCode, latency)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read talks api response: %w", err)
	}

	c.logger.Debug("talks api request", "url", endpoint.String(), "latency", latency)

	return body, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
