// Package deferq is the public entry point: it picks the hosted backend when
// a token is configured and the in-process scheduler otherwise, and wraps Go
// functions into typed deferred functions.
package deferq

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"deferq/internal/config"
	"deferq/internal/cronx"
	"deferq/internal/local"
	"deferq/internal/remote"
	"deferq/internal/version"
	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

type Config struct {
	Token    string
	Endpoint string

	// NoLocalScheduler leaves the local dispatch loop stopped until Start.
	NoLocalScheduler bool
	NoBanner         bool
	Debug            bool

	TickInterval time.Duration
	Concurrency  map[string]int
	Timezone     string

	RatePerSec int
	Timeout    time.Duration
}

// ConfigFromEnv reads DEFER_TOKEN, DEFER_ENDPOINT, DEFER_NO_LOCAL_SCHEDULER,
// DEFER_NO_BANNER and DEFER_DEBUG.
func ConfigFromEnv() Config {
	env := config.LoadEnv(os.LookupEnv)
	return Config{
		Token:            env.Token,
		Endpoint:         env.Endpoint,
		NoLocalScheduler: env.NoLocalScheduler,
		NoBanner:         env.NoBanner,
		Debug:            env.Debug,
	}
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithBannerOutput redirects the development banner (stdout by default).
func WithBannerOutput(w io.Writer) Option { return func(c *Client) { c.bannerOut = w } }

// WithLocalOptions is passed to the local backend constructor.
func WithLocalOptions(opts ...local.Option) Option {
	return func(c *Client) { c.localOpts = append(c.localOpts, opts...) }
}

func WithRemoteOptions(opts ...remote.Option) Option {
	return func(c *Client) { c.remoteOpts = append(c.remoteOpts, opts...) }
}

// WithPolling sets the AwaitResult backoff: attempt n sleeps a random
// duration in [0, min(ceiling, base*2^n)].
func WithPolling(base, ceiling time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.pollBase = base
		}
		if ceiling > 0 {
			c.pollMax = ceiling
		}
	}
}

const (
	DefaultPollBase = 100 * time.Millisecond
	DefaultPollMax  = 15 * time.Second
)

// Client implements backend.Backend on top of the selected backend.
type Client struct {
	backend.Backend

	log       logx.Logger
	clock     clockwork.Clock
	bannerOut io.Writer

	localOpts  []local.Option
	remoteOpts []remote.Option

	local *local.Backend
	cron  *cronx.Triggers

	pollBase time.Duration
	pollMax  time.Duration

	mu        sync.Mutex
	schedules map[string]string
}

var _ backend.Backend = (*Client)(nil)

// Open builds a client for cfg. In local mode the dispatch loop is started
// unless cfg.NoLocalScheduler is set.
func Open(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		clock:     clockwork.NewRealClock(),
		bannerOut: logx.Stdout(),
		pollBase:  DefaultPollBase,
		pollMax:   DefaultPollMax,
		schedules: map[string]string{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		level := "info"
		if cfg.Debug {
			level = "debug"
		}
		c.log = logx.NewConsole(level)
	}

	if strings.TrimSpace(cfg.Token) != "" {
		rc, err := remote.New(remote.Config{
			Endpoint:   cfg.Endpoint,
			Token:      cfg.Token,
			RatePerSec: cfg.RatePerSec,
			Timeout:    cfg.Timeout,
		}, append([]remote.Option{remote.WithLogger(c.log)}, c.remoteOpts...)...)
		if err != nil {
			return nil, err
		}
		c.Backend = rc
		c.log.Debug("using remote backend", logx.String("endpoint", cfg.Endpoint))
		return c, nil
	}

	lopts := []local.Option{local.WithLogger(c.log), local.WithClock(c.clock)}
	if cfg.TickInterval > 0 {
		lopts = append(lopts, local.WithTickInterval(cfg.TickInterval))
	}
	if len(cfg.Concurrency) > 0 {
		lopts = append(lopts, local.WithConcurrency(cfg.Concurrency))
	}
	c.local = local.New(append(lopts, c.localOpts...)...)
	c.Backend = c.local
	c.cron = cronx.New(c.local, cfg.Timezone, c.log)

	if !cfg.NoBanner && c.bannerOut != nil {
		_, _ = io.WriteString(c.bannerOut, Banner())
	}
	if !cfg.NoLocalScheduler {
		if err := c.Start(context.Background()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Banner returns the text printed when the local backend is in use.
func Banner() string {
	return fmt.Sprintf("\n  deferq %s\n  Running in development mode\n\n", version.Version)
}

// Remote reports whether calls go to the hosted API.
func (c *Client) Remote() bool { return c.local == nil }

// Local returns the in-process backend, or nil in remote mode.
func (c *Client) Local() *local.Backend { return c.local }

// Triggers returns the cron triggers, or nil in remote mode.
func (c *Client) Triggers() *cronx.Triggers { return c.cron }

// Start runs the local dispatch loop and cron triggers. It is a no-op in
// remote mode.
func (c *Client) Start(ctx context.Context) error {
	if c.local == nil {
		return nil
	}
	if err := c.local.Start(ctx); err != nil {
		return err
	}
	c.cron.Start(ctx)
	return nil
}

// Stop stops the cron triggers, then waits for in-flight executions.
func (c *Client) Stop(ctx context.Context) error {
	if c.local == nil {
		return nil
	}
	c.cron.Stop(ctx)
	return c.local.Stop(ctx)
}

// Schedules returns the cron specs recorded per function name.
func (c *Client) Schedules() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.schedules))
	for k, v := range c.schedules {
		out[k] = v
	}
	return out
}
