package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

const contentType = "application/fhir+json"

// TokenSource yields a bearer token, refreshing it first when needed.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Resource is implemented by payloads that carry meta, so the client can fill
// meta.versionId from the ETag when the server leaves it out of the body.
type Resource interface {
	ResourceMeta() *Meta
}

type Options struct {
	BaseURL     string
	Timeout     time.Duration
	Tokens      TokenSource
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	Metrics     *obs.Metrics
	MaxAttempts int           // reads only
	BaseBackoff time.Duration // first retry delay
	MaxBackoff  time.Duration
	MaxPages    int // SearchAll page bound
}

type Client struct {
	baseURL     string
	http        *http.Client
	tokens      TokenSource
	logger      zerolog.Logger
	metrics     *obs.Metrics
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxPages    int
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		http:        opts.HTTPClient,
		tokens:      opts.Tokens,
		logger:      opts.Logger.With().Str("component", "fhir").Logger(),
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxPages:    opts.MaxPages,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) Read(ctx context.Context, resourceType, id string, out any) error {
	path := resourceType + "/" + url.PathEscape(id)
	resp, err := c.do(ctx, "read", http.MethodGet, path, nil, nil, true)
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	target := resourceType
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return c.searchPage(ctx, target)
}

// SearchAll follows next links and returns every entry resource, up to MaxPages pages.
func (c *Client) SearchAll(ctx context.Context, resourceType string, params url.Values) ([]json.RawMessage, error) {
	target := resourceType
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var out []json.RawMessage
	for page := 0; target != "" && page < c.maxPages; page++ {
		b, err := c.searchPage(ctx, target)
		if err != nil {
			return nil, err
		}
		for _, e := range b.Entry {
			out = append(out, e.Resource)
		}
		target = b.Next()
	}
	if target != "" {
		c.logger.Warn().Str("resource_type", resourceType).Int("pages", c.maxPages).Msg("search truncated at page limit")
	}
	return out, nil
}

func (c *Client) searchPage(ctx context.Context, target string) (*Bundle, error) {
	resp, err := c.do(ctx, "search", http.MethodGet, target, nil, nil, true)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(resp.body, &b); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}
	return &b, nil
}

// Create POSTs a new resource. It is never retried.
func (c *Client) Create(ctx context.Context, resourceType string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", resourceType, err)
	}
	resp, err := c.do(ctx, "create", http.MethodPost, resourceType, body, nil, false)
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

// Update PUTs the resource guarded by If-Match. A refused version surfaces as
// *ConflictError. It is never retried.
func (c *Client) Update(ctx context.Context, resourceType, id string, in any, expectedVersion string, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", resourceType, err)
	}
	headers := map[string]string{}
	if expectedVersion != "" {
		headers["If-Match"] = FormatETag(expectedVersion)
	}

	resp, err := c.do(ctx, "update", http.MethodPut, resourceType+"/"+url.PathEscape(id), body, headers, false)
	if err != nil {
		var oe *OutcomeError
		if errors.As(err, &oe) && (oe.Status == http.StatusPreconditionFailed || oe.Status == http.StatusConflict) {
			return &ConflictError{ResourceType: resourceType, ID: id, ExpectedVersion: expectedVersion, Outcome: oe.Outcome}
		}
		return err
	}
	return decodeInto(resp, out)
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte, headers map[string]string, retry bool) (*response, error) {
	endpoint := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		endpoint = c.baseURL + "/" + target
	}

	attempts := 1
	if retry {
		attempts = c.maxAttempts
	}

	// Token failures are auth errors, never transport errors, so they are not retried.
	var bearer string
	if c.tokens != nil {
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain access token: %w", err)
		}
		bearer = tok
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, err := c.send(ctx, op, method, endpoint, bearer, body, headers)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			c.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("fhir transport error")
			continue
		}
		if retry && retryable(resp.status) {
			lastErr = outcomeError(method, target, resp)
			c.logger.Debug().Int("status", resp.status).Str("op", op).Int("attempt", attempt+1).Msg("fhir server unavailable")
			continue
		}
		if resp.status >= 300 {
			return nil, outcomeError(method, target, resp)
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, op, method, endpoint, bearer string, body []byte, headers map[string]string) (*response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return nil, fmt.Errorf("build fhir request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.observe(op, 0, elapsed)
		return nil, fmt.Errorf("fhir %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.observe(op, resp.StatusCode, elapsed)
	if err != nil {
		return nil, fmt.Errorf("read fhir response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) observe(op string, status int, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.FHIRRequests.WithLabelValues(op, obs.StatusClass(status)).Inc()
	c.metrics.FHIRLatencyMS.WithLabelValues(op).Observe(float64(elapsed.Milliseconds()))
}

// sleep waits base*2^(attempt-1), capped, with up to 20% jitter either way.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	d := c.baseBackoff << (attempt - 1)
	if d > c.maxBackoff || d <= 0 {
		d = c.maxBackoff
	}
	d = addJitter(d, 0.2)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func addJitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

func outcomeError(method, target string, resp *response) error {
	oe := &OutcomeError{Status: resp.status, Method: method, Path: target}
	var outcome OperationOutcome
	if err := json.Unmarshal(resp.body, &outcome); err == nil && outcome.ResourceType == "OperationOutcome" && len(outcome.Issue) > 0 {
		oe.Outcome = &outcome
	} else {
		oe.Outcome = NewOperationOutcome("error", codeForStatus(resp.status), strings.TrimSpace(http.StatusText(resp.status)+" "+snippet(resp.body)))
	}
	return oe
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "security"
	case http.StatusNotFound, http.StatusGone:
		return "not-found"
	case http.StatusConflict, http.StatusPreconditionFailed:
		return "conflict"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "invalid"
	case http.StatusTooManyRequests:
		return "throttled"
	default:
		return "exception"
	}
}

func snippet(b []byte) string {
	const max = 200
	s := strings.ToValidUTF8(strings.TrimSpace(string(b)), "")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func decodeInto(resp *response, out any) error {
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode fhir response: %w", err)
	}
	if r, ok := out.(Resource); ok {
		if m := r.ResourceMeta(); m != nil && m.VersionID == "" {
			if v, ok := ParseETag(resp.header.Get("ETag")); ok {
				m.VersionID = v
			}
		}
	}
	return nil
}
