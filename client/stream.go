package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Stream subscribes to the server's event stream and calls fn for each
// event until ctx is done, the server closes the stream, or fn returns an
// error. kind ("snapshot", "transfer", "transaction") filters server-side;
// empty means all.
func (c *Client) Stream(ctx context.Context, kind string, fn func(Event) error) error {
	u := c.baseURL + "/api/v1/stream"
	if kind != "" {
		u += "?kind=" + kind
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No overall timeout on the long-lived stream.
	httpClient := *c.httpClient
	httpClient.Timeout = 0

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if name != "" && name != "connected" && data.Len() > 0 {
				var event Event
				if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
					c.logger.Warn("failed to decode stream event", "event", name, "error", err)
				} else if err := fn(event); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}
