package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/graylink/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	defaultBatchSize            = 100
	defaultFlushIntervalSeconds = 10
)

// pointWriter is the slice of api.WriteAPI the telemetry listener needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client writes connection events to one InfluxDB bucket. Points are
// batched by the client library and written in the background.
//
// All methods are safe for concurrent use.
type Client struct {
	client influxdb2.Client // nil in tests
	writer pointWriter

	mu      sync.RWMutex
	open    bool
	onError func(err error)
}

// Connect pings the server and returns a client writing to cfg.Bucket.
//
// Parameters:
//   - cfg: InfluxDB section of the graylink configuration
//
// Returns:
//   - *Client: Client accepting events
//   - error: ErrDisabled, or ErrConnectionFailed when the server does not answer healthy
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, batchOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{client: client, writer: writeAPI, open: true}
	go c.handleWriteErrors(writeAPI.Errors())
	return c, nil
}

// batchOptions maps the batch size and the flush interval in seconds onto
// client options.
func batchOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	size := cfg.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushIntervalSeconds
	}
	// #nosec G115 -- both positive
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(size)).
		SetFlushInterval(uint(interval) * uint(time.Second/time.Millisecond))
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("ping: server not healthy")
	}
	return nil
}

// newWithWriter returns an open client writing to w.
func newWithWriter(w pointWriter) *Client {
	return &Client{writer: w, open: true}
}

// handleWriteErrors forwards background write failures until errs closes.
func (c *Client) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		onError := c.onError
		c.mu.RUnlock()
		if onError != nil {
			onError(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// SetOnError installs the callback for background write failures.
func (c *Client) SetOnError(fn func(err error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// IsConnected reports whether the client still accepts events.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return ping(ctx, c.client)
}

// Flush sends buffered points now. It does nothing after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writer.Flush()
	}
}

// Close flushes buffered points and releases the client. Events handled
// after Close are dropped. Calling Close again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()

	c.writer.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
