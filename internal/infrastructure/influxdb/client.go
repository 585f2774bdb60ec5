package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	// Computers push updates every few seconds at most, so modest batches
	// flushed on a timer keep write volume low without delaying dashboards.
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Stats counts what the client has handed to InfluxDB.
type Stats struct {
	Connected bool   `json:"connected"`
	Points    uint64 `json:"points"`
	Errors    uint64 `json:"errors"`
}

// Client records computer telemetry: numeric update fields and link
// connect/disconnect events.
//
// Points are queued on the library's non-blocking write API and sent in
// batches, so a slow or unreachable server never blocks update ingestion.
// Failed batches are reported through the SetOnError callback.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - IsConnected, Stats and Close are safe on a nil *Client.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool
	onError   func(err error)

	points atomic.Uint64
	errors atomic.Uint64
}

// Connect creates the client, verifies the server answers a ping, and
// starts the batched write API for cfg.Org and cfg.Bucket.
//
// Parameters:
//   - cfg: influxdb section of config.yaml; BatchSize and FlushInterval
//     (seconds) fall back to 100 and 10 when unset
//
// Returns:
//   - *Client: Ready to accept points
//   - error: ErrDisabled when cfg.Enabled is false, ErrConnectionFailed
//     when the server is unreachable or reports itself unhealthy
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batchSize(cfg.BatchSize)).
		SetFlushInterval(flushIntervalMillis(cfg.FlushInterval))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{
		client:    client,
		writeAPI:  writeAPI,
		connected: true,
	}
	go c.forwardWriteErrors(writeAPI.Errors())

	return c, nil
}

func batchSize(n int) uint {
	if n <= 0 {
		return defaultBatchSize
	}
	return uint(n) // #nosec G115 -- positive
}

func flushIntervalMillis(seconds int) uint {
	d := defaultFlushInterval
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	return uint(d.Milliseconds()) // #nosec G115 -- positive
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// forwardWriteErrors drains the write API's error channel until the
// client is closed.
func (c *Client) forwardWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.errors.Add(1)

		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// Close flushes queued points and closes the client. Later writes are
// dropped. Always returns nil.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.writeAPI.Flush()
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
//
// Returns:
//   - error: ErrNotConnected after Close, otherwise the ping failure
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open. It does not contact the
// server; HealthCheck does.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats returns the number of points queued and failed writes so far.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Connected: c.IsConnected(),
		Points:    c.points.Load(),
		Errors:    c.errors.Load(),
	}
}

// SetOnError sets the callback for failed batch writes. It runs on the
// client's error goroutine.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until every queued point has been sent.
// No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
