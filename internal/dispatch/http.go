package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tripsaga/internal/reliability"
)

// HTTPDispatcher posts commands to per-step worker URLs. Any 2xx response means accepted.
type HTTPDispatcher struct {
	client *http.Client
	routes Routes
}

// NewHTTPDispatcher constructs an HTTP dispatcher. A nil client gets a 10s timeout.
func NewHTTPDispatcher(client *http.Client, routes Routes) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDispatcher{client: client, routes: routes}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	url, err := d.routes.URL(cmd.Step)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("%w: %v", ErrWorkerUnreachable, err))
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return reliability.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return reliability.Permanent(fmt.Errorf("%w: %v", ErrWorkerUnreachable, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", cmd.CorrelationID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s command: %v", ErrWorkerUnreachable, cmd.Step, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s worker answered %d", ErrWorkerUnreachable, cmd.Step, resp.StatusCode)
	default:
		return reliability.Permanent(fmt.Errorf("%w: %s worker rejected command with %d", ErrWorkerUnreachable, cmd.Step, resp.StatusCode))
	}
}
