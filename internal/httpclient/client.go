package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/mapinfo/internal/metrics"
	"github.com/l0p7/mapinfo/internal/retry"
)

const (
	HeaderClientID = "x-client-id"
	HeaderRetry    = "x-retry-request"

	DefaultTimeout   = 12 * time.Second
	DefaultCooldown  = 4 * time.Second
	DefaultBanAfter  = 2
	DefaultTokenPath = "/api/token"

	defaultMaxBody = 8 << 20
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Notifications is the user-facing side effect of rate limits and a lost
// session.
type Notifications interface {
	TooManyRequests() bool
	ReloadRequired() bool
}

// Request describes one call. Relative URLs resolve against the base URL.
// Body is JSON-encoded when set. SkipAuth sends no credentials and never
// triggers a token refresh.
type Request struct {
	Method   string
	URL      string
	Body     any
	Header   http.Header
	SkipAuth bool
}

// Response is a fully read response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("httpclient: decode response: %w", err)
	}
	return nil
}

type Options struct {
	BaseURL   string
	ClientID  string
	TokenPath string
	Timeout   time.Duration
	MaxBody   int64
	Tokens    TokenStore
	Doer      Doer
	Notifier  Notifications
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// BanAfter consecutive failures reject a key until Cooldown passes.
	BanAfter  int
	Cooldown  time.Duration
	// Reissue bounds sends per call; the second attempt follows a 403 with a
	// renewed token.
	Reissue   retry.Policy
	AfterFunc func(time.Duration, func()) Timer
	Now       func() time.Time
}

// Client wraps outbound calls with deduplication, a per-key failure ladder,
// bearer token handling and a global kill switch.
type Client struct {
	base      *url.URL
	clientID  string
	tokenURL  string
	timeout   time.Duration
	maxBody   int64
	tokens    TokenStore
	doer      Doer
	notifier  Notifications
	logger    *slog.Logger
	metrics   *metrics.Recorder
	banAfter  int
	cooldown  retry.Policy
	reissue   retry.Policy
	afterFunc func(time.Duration, func()) Timer
	now       func() time.Time

	state *state
	group singleflight.Group
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("httpclient: base url required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("httpclient: invalid base url %q", opts.BaseURL)
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		return nil, errors.New("httpclient: client id required")
	}
	tokenPath := opts.TokenPath
	if tokenPath == "" {
		tokenPath = DefaultTokenPath
	}
	tokenURL, err := base.Parse(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("httpclient: invalid token path: %w", err)
	}

	c := &Client{
		base:      base,
		clientID:  opts.ClientID,
		tokenURL:  tokenURL.String(),
		timeout:   opts.Timeout,
		maxBody:   opts.MaxBody,
		tokens:    opts.Tokens,
		doer:      opts.Doer,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		banAfter:  opts.BanAfter,
		cooldown:  retry.Policy{Backoff: retry.Constant(opts.Cooldown)},
		reissue:   opts.Reissue,
		afterFunc: opts.AfterFunc,
		now:       opts.Now,
		state:     newState(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBody
	}
	if c.tokens == nil {
		c.tokens = &MemoryTokens{}
	}
	if c.doer == nil {
		c.doer = &http.Client{}
	}
	if c.banAfter <= 0 {
		c.banAfter = DefaultBanAfter
	}
	if opts.Cooldown <= 0 {
		c.cooldown.Backoff = retry.Constant(DefaultCooldown)
	}
	if c.reissue.MaxAttempts <= 0 {
		c.reissue.MaxAttempts = 2
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	if c.now == nil {
		c.now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger.With(slog.String("agent", "http_client"))
	return c, nil
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

// PostJSON issues an authenticated POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Body: body})
}

// Do sends req through the pre-flight checks, attaches credentials and
// reissues once with a renewed token when the server answers 403.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := c.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	endpoint := endpointLabel(target)

	if err := c.state.admit(target); err != nil {
		c.metrics.ObserveRequest(endpoint, metrics.RequestRejected, 0, 0)
		c.logger.Debug("request rejected", slog.String("url", target), slog.Any("error", err))
		return nil, err
	}

	var (
		resp *Response
		sent string
	)
	err = c.reissue.Do(ctx, c.reissuable(req), func(ctx context.Context, attempt int) error {
		token := ""
		if !req.SkipAuth {
			var tokenErr error
			if attempt == 1 {
				token, tokenErr = c.currentToken(ctx)
			} else {
				token, tokenErr = c.renewedToken(ctx, sent)
			}
			if tokenErr != nil {
				return tokenErr
			}
		} else if err := c.waitForRefresh(ctx); err != nil {
			return err
		}
		sent = token
		var sendErr error
		resp, sendErr = c.send(ctx, req, target, endpoint, token, attempt > 1)
		return sendErr
	})
	if err != nil {
		c.fail(target, err)
		return nil, err
	}
	c.state.succeed(target)
	return resp, nil
}

// RefreshToken obtains a new token. Concurrent callers share one request.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("token", func() (any, error) {
		done := c.state.beginRefresh()
		defer done()
		if c.state.isStopped() {
			return "", ErrStopped
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		token, err := c.requestToken(rctx)
		if err != nil {
			c.metrics.ObserveTokenRefresh(false)
			c.logger.Error("token refresh failed", slog.Any("error", err))
			if StatusOf(err) == http.StatusTooManyRequests {
				c.notifyTooManyRequests()
				epoch, limited := c.state.rateLimited()
				wait := c.cooldown.Delay(limited)
				c.logger.Warn("token endpoint rate limited", slog.Duration("cooldown", wait))
				timer := c.afterFunc(wait, func() {
					if c.state.resume(epoch) {
						c.logger.Info("resuming requests after rate limit")
					}
				})
				c.state.trackResume(epoch, timer)
			} else {
				c.state.stop()
				if c.notifier != nil {
					c.notifier.ReloadRequired()
				}
			}
			return "", fmt.Errorf("%w: %w", ErrTokenRefresh, err)
		}
		if err := c.tokens.SetToken(token); err != nil {
			c.logger.Warn("token persist failed", slog.Any("error", err))
		}
		c.state.refreshed()
		c.metrics.ObserveTokenRefresh(true)
		c.logger.Info("token refreshed")
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Reset clears in-flight, failure and ban bookkeeping and lifts the kill
// switch.
func (c *Client) Reset() {
	c.state.reset()
}

// Snapshot reports the current bookkeeping.
func (c *Client) Snapshot() Snapshot {
	return c.state.snapshot()
}

func (c *Client) reissuable(req Request) func(error) bool {
	return func(err error) bool {
		return !req.SkipAuth && req.Header.Get(HeaderRetry) == "" && StatusOf(err) == http.StatusForbidden
	}
}

func (c *Client) waitForRefresh(ctx context.Context) error {
	wait := c.state.refreshWait()
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	if err := c.waitForRefresh(ctx); err != nil {
		return "", err
	}
	if token, ok := c.tokens.Token(); ok && !tokenExpired(token, c.now()) {
		return token, nil
	}
	return c.RefreshToken(ctx)
}

// renewedToken returns a token other than rejected, refreshing only when no
// other caller already did.
func (c *Client) renewedToken(ctx context.Context, rejected string) (string, error) {
	if err := c.waitForRefresh(ctx); err != nil {
		return "", err
	}
	if token, ok := c.tokens.Token(); ok && token != rejected && !tokenExpired(token, c.now()) {
		return token, nil
	}
	return c.RefreshToken(ctx)
}

func (c *Client) requestToken(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("httpclient: token request: %w", err)
	}
	httpReq.Header.Set(HeaderClientID, c.clientID)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	endpoint := endpointLabel(c.tokenURL)
	resp, err := c.doer.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest(endpoint, metrics.RequestFailure, 0, time.Since(start))
		return "", fmt.Errorf("httpclient: token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("httpclient: token read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveRequest(endpoint, outcomeFor(resp.StatusCode), resp.StatusCode, time.Since(start))
		return "", &StatusError{Method: http.MethodPost, URL: c.tokenURL, Status: resp.StatusCode, Body: string(body)}
	}
	c.metrics.ObserveRequest(endpoint, metrics.RequestSuccess, resp.StatusCode, time.Since(start))

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("httpclient: token decode: %w", err)
	}
	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", errors.New("httpclient: token response carried no token")
	}
	return token, nil
}

func (c *Client) send(ctx context.Context, req Request, target, endpoint, token string, reissue bool) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	for key, values := range req.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !req.SkipAuth && req.Header.Get(HeaderRetry) == "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set(HeaderClientID, c.clientID)
		if reissue {
			httpReq.Header.Set(HeaderRetry, "true")
		}
	}

	start := time.Now()
	resp, err := c.doer.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest(endpoint, metrics.RequestFailure, 0, time.Since(start))
		return nil, fmt.Errorf("httpclient: %s %s: %w", req.Method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		c.metrics.ObserveRequest(endpoint, metrics.RequestFailure, resp.StatusCode, time.Since(start))
		return nil, fmt.Errorf("httpclient: read %s: %w", target, err)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveRequest(endpoint, outcomeFor(resp.StatusCode), resp.StatusCode, time.Since(start))
		return out, &StatusError{Method: req.Method, URL: target, Status: resp.StatusCode, Body: truncate(string(data), 256)}
	}
	outcome := metrics.RequestSuccess
	if reissue {
		outcome = metrics.RequestReissued
	}
	c.metrics.ObserveRequest(endpoint, outcome, resp.StatusCode, time.Since(start))
	return out, nil
}

func (c *Client) fail(target string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) || errors.Is(err, ErrTokenRefresh) {
		c.state.release(target)
		return
	}
	if StatusOf(err) == http.StatusTooManyRequests {
		c.notifyTooManyRequests()
	}
	c.logger.Warn("request failed", slog.String("url", target), slog.Int("status", StatusOf(err)), slog.Any("error", err))
	if !c.state.fail(target, c.banAfter) {
		return
	}
	wait := c.cooldown.Delay(c.banAfter)
	c.logger.Warn("request banned", slog.String("url", target), slog.Duration("cooldown", wait))
	timer := c.afterFunc(wait, func() {
		c.state.unban(target)
		c.logger.Debug("request ban lifted", slog.String("url", target))
	})
	c.state.trackBan(target, timer)
}

func (c *Client) notifyTooManyRequests() {
	if c.notifier != nil {
		c.notifier.TooManyRequests()
	}
}

func (c *Client) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("httpclient: invalid url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		u = c.base.ResolveReference(u)
	}
	return u.String(), nil
}

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// endpointLabel strips the query and numeric path segments so metric labels
// stay bounded.
func endpointLabel(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	path := u.Path
	for numericSegment.MatchString(path) {
		path = numericSegment.ReplaceAllString(path, "/:id$1")
	}
	if path == "" {
		path = "/"
	}
	return path
}

func outcomeFor(status int) metrics.RequestOutcome {
	if status == http.StatusTooManyRequests {
		return metrics.RequestRateLimit
	}
	return metrics.RequestFailure
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
