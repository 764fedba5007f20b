// Package azuremaps implements the Azure Maps Search Address Batch (async)
// protocol: one POST submits a geocoding job, the service answers 202 with a
// continuation URL in a header, and that URL is polled until results are ready.
package azuremaps

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default base URL for the Azure Maps Search Address Batch API.
const defaultBaseURL = "https://atlas.microsoft.com/search/address/batch/json"

const (
	defaultAPIVersion  = "1.0"
	defaultCountrySet  = "US"
	defaultBatchSize   = 100
	defaultPollFloor   = 2 * time.Second
	defaultPollCap     = 15 * time.Second
	defaultPollTimeout = 30 * time.Minute
)

// continuationHeaders is the ordered lookup list for the poll URL after
// submission. Azure Maps documents Location; some async services use
// Operation-Location, so both are checked, primary first.
var continuationHeaders = []string{"Location", "Operation-Location"}

// Request is one address query inside a batch submission.
type Request struct {
	Query      string `json:"query"`
	CountrySet string `json:"countrySet,omitempty"`
}

// StatusNoMatch is the result status for a request with no candidate matches.
const StatusNoMatch = "No Match"

// Result is the best match for one submitted request. Lat, Lon and Confidence
// are nil when the service returned no usable value for them.
type Result struct {
	Lat        *float64
	Lon        *float64
	Status     string
	Confidence *float64
}

// Client submits address batches and polls them to completion.
type Client interface {
	// GeocodeBatch submits one batch, polls its continuation URL until the
	// results are ready, and returns exactly one Result per request.
	GeocodeBatch(ctx context.Context, reqs []Request) ([]Result, error)

	// GeocodeAll chunks reqs into batches and runs them sequentially. The
	// first batch failure aborts the whole run.
	GeocodeAll(ctx context.Context, reqs []Request) ([]Result, error)
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the batch endpoint URL.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = u }
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

// WithAPIVersion overrides the api-version query parameter.
func WithAPIVersion(v string) Option {
	return func(c *client) { c.apiVersion = v }
}

// WithCountrySet sets the countrySet applied to requests that do not carry
// their own.
func WithCountrySet(cs string) Option {
	return func(c *client) { c.countrySet = cs }
}

// WithBatchSize sets the maximum number of requests per submitted batch.
func WithBatchSize(n int) Option {
	return func(c *client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPollFloor sets the minimum sleep between poll ticks.
func WithPollFloor(d time.Duration) Option {
	return func(c *client) { c.pollFloor = d }
}

// WithPollCap sets the maximum per-tick sleep, bounding oversized Retry-After hints.
func WithPollCap(d time.Duration) Option {
	return func(c *client) { c.pollCap = d }
}

// WithPollTimeout sets the total polling budget per batch.
func WithPollTimeout(d time.Duration) Option {
	return func(c *client) { c.pollTimeout = d }
}

// WithRateLimit sets the requests-per-second limit for calls to the service.
func WithRateLimit(rps float64) Option {
	return func(c *client) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

type client struct {
	key         string
	baseURL     string
	apiVersion  string
	countrySet  string
	batchSize   int
	pollFloor   time.Duration
	pollCap     time.Duration
	pollTimeout time.Duration

	// transientDelay is the fixed sleep before retrying an unparsable or
	// unknown-state poll response.
	transientDelay time.Duration

	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a batch geocoding client authenticated by the given
// subscription key.
func NewClient(key string, opts ...Option) Client {
	c := &client{
		key:            key,
		baseURL:        defaultBaseURL,
		apiVersion:     defaultAPIVersion,
		countrySet:     defaultCountrySet,
		batchSize:      defaultBatchSize,
		pollFloor:      defaultPollFloor,
		pollCap:        defaultPollCap,
		pollTimeout:    defaultPollTimeout,
		transientDelay: transientRetryDelay,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) GeocodeAll(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	total := (len(reqs) + c.batchSize - 1) / c.batchSize
	results := make([]Result, 0, len(reqs))
	for i, n := 0, 0; i < len(reqs); i += c.batchSize {
		end := i + c.batchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		n++

		zap.L().Info("submitting batch",
			zap.Int("batch", n),
			zap.Int("batches", total),
			zap.Int("size", end-i),
		)
		out, err := c.GeocodeBatch(ctx, reqs[i:end])
		if err != nil {
			return nil, eris.Wrapf(err, "azuremaps: batch %d/%d", n, total)
		}
		results = append(results, out...)

		zap.L().Info("batch completed", zap.Int("batch", n), zap.Int("batches", total))
	}
	return results, nil
}

func (c *client) GeocodeBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	opLoc, err := c.submit(ctx, reqs)
	if err != nil {
		return nil, err
	}

	body, err := c.poll(ctx, opLoc)
	if err != nil {
		return nil, err
	}

	results, err := parseResults(body)
	if err != nil {
		return nil, err
	}
	if len(results) != len(reqs) {
		return nil, eris.Wrapf(ErrResultCountMismatch, "got %d results for %d requests", len(results), len(reqs))
	}
	return results, nil
}

type batchPayload struct {
	BatchItems []Request `json:"batchItems"`
}

// submit POSTs one batch and returns its continuation URL.
func (c *client) submit(ctx context.Context, reqs []Request) (string, error) {
	items := make([]Request, len(reqs))
	copy(items, reqs)
	if c.countrySet != "" {
		for i := range items {
			if items[i].CountrySet == "" {
				items[i].CountrySet = c.countrySet
			}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "azuremaps: submit rate limit")
	}

	payload, err := json.Marshal(batchPayload{BatchItems: items})
	if err != nil {
		return "", eris.Wrap(err, "azuremaps: marshal batch")
	}

	submitURL := c.baseURL + "?" + url.Values{
		"api-version":      {c.apiVersion},
		"subscription-key": {c.key},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "azuremaps: build submit request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "azuremaps: submit batch")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	for _, h := range continuationHeaders {
		if loc := resp.Header.Get(h); loc != "" {
			return loc, nil
		}
	}
	return "", ErrMissingContinuation
}

// mergeQuery merges params into rawURL's query string without duplicating
// keys. Parameters already present on the URL win over injected ones.
func mergeQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "azuremaps: parse continuation URL %q", rawURL)
	}
	q := u.Query()
	for k, vs := range params {
		if _, ok := q[k]; !ok {
			q[k] = vs
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
