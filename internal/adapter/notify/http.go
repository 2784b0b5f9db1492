// Package notify posts execution updates and log lines from the worker to
// the producer's trusted internal endpoints, which fan them out to the
// tenant's realtime room.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/domain"
)

type logPost struct {
	orgID  string
	taskID string
	line   string
}

// Client implements domain.Notifier over HTTP. Status updates are posted
// synchronously (they gate the durable-before-broadcast ordering); log lines
// go through a bounded channel drained by a small worker pool so a slow
// producer can never stall the container log stream.
type Client struct {
	baseURL string
	httpc   *http.Client

	logCh   chan logPost
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New constructs a Client posting to baseURL and starts workers goroutines
// draining the log channel of size buffer.
func New(baseURL string, workers, buffer int) *Client {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	c := &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logCh: make(chan logPost, buffer),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.drainLogs()
	}
	return c
}

// PublishUpdate posts the full execution state to the producer.
func (c *Client) PublishUpdate(ctx domain.Context, e domain.Execution) error {
	if err := c.post(ctx, "/executions/update", e); err != nil {
		return fmt.Errorf("op=notify.update: %w", err)
	}
	return nil
}

// PublishLog enqueues one log line for delivery. When the channel is full
// the line is dropped: it is still retained in the execution's output
// buffer, and realtime logs are best-effort by contract.
func (c *Client) PublishLog(_ domain.Context, orgID, taskID, line string) error {
	select {
	case c.logCh <- logPost{orgID: orgID, taskID: taskID, line: line}:
	default:
		observability.RealtimeDroppedTotal.Inc()
	}
	return nil
}

func (c *Client) drainLogs() {
	defer c.wg.Done()
	for p := range c.logCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.post(ctx, "/executions/log", map[string]string{
			"taskId":         p.taskID,
			"organizationId": p.orgID,
			"log":            p.line,
		})
		cancel()
		if err != nil {
			// Best-effort by contract; the buffer on the execution record is
			// the durable copy.
			slog.Debug("log line post failed", slog.String("task_id", p.taskID), slog.Any("error", err))
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the log workers after the channel drains.
func (c *Client) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	close(c.logCh)
	c.closeMu.Unlock()
	c.wg.Wait()
}
