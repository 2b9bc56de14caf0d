// Package traderepublic implements the brokerage API against Trade
// Republic's private REST surface. Session establishment and renewal live
// outside this package; the client only needs something that can hand it a
// valid bearer token.
package traderepublic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/cenkalti/backoff/v4"
)

const DefaultBaseURL = "https://api.traderepublic.com"

const (
	timelinePath = "/api/v2/timeline/transactions"
	activityPath = "/api/v2/timeline/activity-log"
	detailPath   = "/api/v2/timeline/detail/"
)

// TokenSource supplies the bearer token for each request attempt, so a
// refreshing session layer can slot in without the client knowing.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed session token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// APIError is the error envelope the API returns alongside a 2xx status.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("traderepublic: %s (code %s)", e.Message, e.Code)
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		c.httpc = httpc
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithMaxRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// Client talks to the timeline endpoints. It retries transient failures with
// exponential backoff before giving up on a request.
type Client struct {
	httpc      *http.Client
	baseURL    string
	tokens     TokenSource
	timeout    time.Duration
	maxRetries uint64
	reqConf    requests.Config
}

func New(opts ...Option) *Client {
	ret := &Client{
		httpc:      http.DefaultClient,
		baseURL:    DefaultBaseURL,
		tokens:     StaticToken(""),
		timeout:    15 * time.Second,
		maxRetries: 3,
	}
	for _, o := range opts {
		o(ret)
	}

	ret.reqConf = func(rb *requests.Builder) {
		rb.
			UserAgent("depotsync").
			Accept("application/json").
			Client(ret.httpc)
	}
	return ret
}

func (c *Client) TimelinePage(ctx context.Context, cursor string) (json.RawMessage, error) {
	return c.page(ctx, timelinePath, cursor)
}

func (c *Client) ActivityPage(ctx context.Context, cursor string) (json.RawMessage, error) {
	return c.page(ctx, activityPath, cursor)
}

func (c *Client) EventDetail(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, detailPath+url.PathEscape(id), nil)
}

func (c *Client) page(ctx context.Context, path, cursor string) (json.RawMessage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("after", cursor)
	}
	return c.get(ctx, path, params)
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	var body bytes.Buffer
	op := func() error {
		// The token source may refresh between attempts.
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("token: %w", err))
		}

		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		body.Reset()
		// Builder.Path percent-encodes its argument, which would mangle
		// already-escaped segments. Joining the path into the URL string
		// keeps escapes like %2F intact on the wire.
		rb := requests.New(c.reqConf).
			BaseURL(c.baseURL + path).
			Bearer(tok).
			ToBytesBuffer(&body)
		for k := range params {
			rb.Param(k, params.Get(k))
		}
		if err := rb.Fetch(rctx); err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}

	// Some responses carry a non-null "error" next to a perfectly good
	// "data" payload. Only a missing payload makes the error fatal.
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *APIError       `json:"error"`
	}
	if err := json.Unmarshal(body.Bytes(), &env); err == nil && env.Error != nil &&
		(len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null"))) {
		return nil, env.Error
	}
	return append(json.RawMessage(nil), body.Bytes()...), nil
}

// retryable covers rate limiting, upstream flakiness and transport errors.
// Anything else, 4xx in particular, is never going to get better on its own.
func retryable(err error) bool {
	if requests.HasStatusErr(err,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	) {
		return true
	}
	return errors.Is(err, requests.ErrTransport)
}
