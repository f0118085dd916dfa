package timestamp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client.Timeout = timeout
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// CurrentTimestamp asks the server for its time, formatted with Layout.
func (c *Client) CurrentTimestamp(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/timestamp", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch timestamp: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch timestamp: status %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode timestamp: %w", err)
	}
	if _, err := time.Parse(Layout, out.Timestamp); err != nil {
		return "", fmt.Errorf("decode timestamp: %w", err)
	}
	return out.Timestamp, nil
}
