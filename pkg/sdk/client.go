package sdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/sdk/batch"
	"github.com/nicktill/tinystat/pkg/sdk/transport"
)

// ClientConfig holds configuration for the tinystat client
type ClientConfig struct {
	AppID    string `json:"appid"`
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Version  string `json:"version"`

	APIKey       string        `json:"api_key"`
	Endpoint     string        `json:"endpoint"`
	FlushEvery   time.Duration `json:"flush_every"`
	MaxBatchSize int           `json:"max_batch_size"`

	Logger *zap.Logger `json:"-"`
}

// Client reports device sessions to a tinystat server
type Client struct {
	config    ClientConfig
	transport transport.Transport
	batcher   *batch.Batcher
	now       func() time.Time

	mu      sync.Mutex
	started bool
}

// New creates a new tinystat client
func New(cfg ClientConfig) (*Client, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("appid is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080/v1/sessions/import"
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 1000
	}

	trans, err := transport.NewHTTP(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return newClient(cfg, trans), nil
}

func newClient(cfg ClientConfig, trans transport.Transport) *Client {
	return &Client{
		config:    cfg,
		transport: trans,
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
			Logger:       cfg.Logger,
		}),
		now: time.Now,
	}
}

// Start starts the client and begins sending batches
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("client already started")
	}
	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	c.started = true
	return nil
}

// Stop stops the client and flushes remaining sessions
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	if err := c.batcher.Stop(); err != nil {
		return fmt.Errorf("failed to flush sessions: %w", err)
	}
	return nil
}

// Track records a session for deviceID now, using the client's app,
// platform, channel and version.
func (c *Client) Track(deviceID string, firstVisit bool) {
	c.TrackEvent(activity.SessionEvent{
		DeviceID:     deviceID,
		IsFirstVisit: firstVisit,
	})
}

// TrackEvent records ev. Empty app, platform, channel and version fields take
// the client's values; a zero CreateTime is now.
func (c *Client) TrackEvent(ev activity.SessionEvent) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started || ev.DeviceID == "" {
		return
	}

	if ev.AppID == "" {
		ev.AppID = c.config.AppID
	}
	if ev.Platform == "" {
		ev.Platform = c.config.Platform
	}
	if ev.Channel == "" {
		ev.Channel = c.config.Channel
	}
	if ev.Version == "" {
		ev.Version = c.config.Version
	}
	if ev.CreateTime.IsZero() {
		ev.CreateTime = c.now().UTC()
	}

	c.batcher.Add(ev)
}

// Flush sends buffered sessions immediately
func (c *Client) Flush() error {
	return c.batcher.Flush()
}

// Stats reports delivered and failed session counts
func (c *Client) Stats() (sent, failed int64) {
	return c.batcher.Sent(), c.batcher.Failed()
}
