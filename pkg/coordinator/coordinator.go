// Package coordinator implements the HTTP client for the external cluster
// coordinator service (spec.md §4.6): POST a node's endpoint, GET the full
// endpoint directory.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowchartsman/retry"

	"github.com/distmem/pager/pkg/transport"
)

// Timeout bounds every coordinator HTTP call per spec.md §4.3/§5.
const Timeout = 5 * time.Second

const (
	retryAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

// Client talks to the coordinator at BaseURL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New constructs a Client with the standard bootstrap timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: Timeout},
	}
}

// RegisterEndpoint publishes this node's endpoint under nodeID. Retries
// transient failures within the 5-second budget; it does not extend the
// budget past Timeout.
func (c *Client) RegisterEndpoint(ctx context.Context, nodeID int, ep transport.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	body, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("coordinator: marshal endpoint: %w", err)
	}

	retrier := retry.NewRetrier(retryAttempts, retryBackoff, retryBackoff*4)

	return retrier.RunContext(ctx, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/nodes/%d/endpoint", c.BaseURL, nodeID)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Stop(fmt.Errorf("coordinator: build request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("coordinator: register endpoint: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			b, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("coordinator: register endpoint: status %d: %s", resp.StatusCode, string(b))

			if resp.StatusCode < 500 {
				return retry.Stop(err)
			}

			return err
		}

		return nil
	})
}

// endpointDirectory is the coordinator's GET /endpoints response shape.
type endpointDirectory struct {
	Endpoints map[string]transport.Endpoint `json:"endpoints"`
}

// Endpoints fetches the full node-id -> endpoint directory.
func (c *Client) Endpoints(ctx context.Context) (map[int]transport.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	var directory endpointDirectory

	retrier := retry.NewRetrier(retryAttempts, retryBackoff, retryBackoff*4)

	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/endpoints", c.BaseURL)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Stop(fmt.Errorf("coordinator: build request: %w", err))
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("coordinator: fetch endpoints: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			b, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("coordinator: fetch endpoints: status %d: %s", resp.StatusCode, string(b))

			if resp.StatusCode < 500 {
				return retry.Stop(err)
			}

			return err
		}

		directory = endpointDirectory{}

		return json.NewDecoder(resp.Body).Decode(&directory)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int]transport.Endpoint, len(directory.Endpoints))

	for k, v := range directory.Endpoints {
		var nodeID int
		if _, err := fmt.Sscanf(k, "%d", &nodeID); err != nil {
			return nil, fmt.Errorf("coordinator: invalid node id %q in directory: %w", k, err)
		}

		out[nodeID] = v
	}

	return out, nil
}
