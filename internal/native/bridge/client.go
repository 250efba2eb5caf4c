// Package bridge talks to the local workshop bridge daemon, which wraps the
// native workshop library behind JSON-RPC over HTTP and pushes callback
// results over a websocket.
package bridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinoosan/workshopsync/internal/native"
)

const (
	DefaultURL     = "http://127.0.0.1:27060/jsonrpc"
	DefaultTimeout = 3 * time.Second

	// ReconnectDelay is the pause between websocket reconnect attempts.
	ReconnectDelay = 2 * time.Second
	// WaiterTTL is how long a forwarder waits for its notification before it
	// is forgotten. It outlasts the engine's operation timeout.
	WaiterTTL = 2 * time.Minute

	maxQueued = 1024
)

type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type waiterKey struct {
	kind string
	id   uint64
}

type waiter struct {
	fwd     func(notificationEvent)
	expires time.Time
}

type queued struct {
	key waiterKey
	ev  notificationEvent
}

// Client implements native.Client on top of the bridge daemon.
type Client struct {
	baseURL *url.URL
	secret  string
	http    *http.Client
	log     *slog.Logger

	available atomic.Bool
	reqSeq    atomic.Uint64

	mu      sync.Mutex
	now     func() time.Time
	waiters map[waiterKey]waiter
	queue   []queued
}

var _ native.Client = (*Client)(nil)

// New validates cfg and builds a Client. The client reports itself
// unavailable until Run connects or Ping succeeds.
func New(log *slog.Logger, cfg Config) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	raw := cfg.URL
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported bridge url scheme: %q", u.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: u,
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
		waiters: make(map[waiterKey]waiter),
	}, nil
}

func (c *Client) BaseURL() *url.URL  { return c.baseURL }
func (c *Client) HTTP() *http.Client { return c.http }

// Available is a non-blocking probe of the last known bridge state.
func (c *Client) Available() bool { return c.available.Load() }

func (c *Client) setAvailable(v bool) {
	if c.available.Swap(v) != v {
		c.log.Info("workshop bridge availability changed", "available", v)
	}
}
