// Package remote implements backend.Backend against the hosted execution API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"deferq/internal/version"
	logx "deferq/pkg/logx"
)

const DefaultEndpoint = "https://api.defer.run"

var ErrClient = errors.New("remote client error")

// APIError is returned for statuses without a dedicated sentinel.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend responds with \"%d\" and message %q", e.Status, e.Message)
}

type Config struct {
	Endpoint   string
	Token      string
	RatePerSec int
	Timeout    time.Duration
}

type Client struct {
	endpoint *url.URL
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	log      logx.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.Wrap(ErrClient, "missing token")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Wrapf(ErrClient, "invalid endpoint url %q", endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}

	c := &Client{
		endpoint: u,
		token:    cfg.Token,
		http:     &http.Client{Timeout: cfg.Timeout},
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("component", "remote"))
	return c, nil
}

type errorBody struct {
	Message string `json:"message"`
}

// do sends body as JSON and decodes a 200 response into out. Any other
// status is returned together with the server's message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, "", err
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, "", errors.Wrap(ErrClient, err.Error())
		}
		rd = bytes.NewReader(b)
	}

	u := c.endpoint.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, "", errors.Wrapf(ErrClient, "cannot build http request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.SetBasicAuth("", c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(ErrClient, "cannot execute http request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", errors.Wrapf(ErrClient, "cannot read http response: %v", err)
	}
	c.log.Debug("api call",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return resp.StatusCode, eb.Message, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, "", errors.Wrapf(ErrClient, "cannot decode http response: %v", err)
		}
	}
	return resp.StatusCode, "", nil
}
