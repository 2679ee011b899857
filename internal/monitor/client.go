package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/store"
)

// Client reads workflow reports from a running patchflow HTTP server.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Report fetches the report of workflow id.
func (c *Client) Report(ctx context.Context, id string) (*controller.Report, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/workflows/" + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("workflow %s: %w", id, store.ErrNotFound)
	default:
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var rep controller.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if rep.State == nil {
		return nil, fmt.Errorf("response for %s has no state", id)
	}
	return &rep, nil
}
