package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/chutney/internal/delegation"
	"github.com/rendis/chutney/internal/network"
	"github.com/rendis/chutney/pkg/schema"
)

// HTTPClient talks to remote agents over their JSON HTTP API. It serves both
// delegation and network discovery.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient creates a client whose calls give up after timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{http: &http.Client{Timeout: timeout}}
}

// Delegate sends a step call to agent and returns its outcome.
func (c *HTTPClient) Delegate(ctx context.Context, agent schema.NamedHostAndPort, req *schema.DelegationRequest) (*schema.StepOutcome, error) {
	var out schema.StepOutcome
	if err := c.post(ctx, agent, "/api/v1/delegation/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Explore asks agent to explore the network from its side.
func (c *HTTPClient) Explore(ctx context.Context, agent schema.NamedHostAndPort, req *schema.ExploreRequest) (*schema.ExploreResult, error) {
	var out schema.ExploreResult
	if err := c.post(ctx, agent, "/api/v1/agent-network/explore", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WrapUp pushes the converged network description to agent.
func (c *HTTPClient) WrapUp(ctx context.Context, agent schema.NamedHostAndPort, desc *schema.NetworkDescription) error {
	return c.post(ctx, agent, "/api/v1/agent-network/wrap-up", desc, nil)
}

func (c *HTTPClient) post(ctx context.Context, agent schema.NamedHostAndPort, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.BaseURL()+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeRemoteError(agent, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", agent.Name, err)
	}
	return nil
}

func decodeRemoteError(agent schema.NamedHostAndPort, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil && body.Error.Code != "" {
		return body.Error
	}
	return fmt.Errorf("agent %s answered %d: %s", agent.Name, resp.StatusCode, bytes.TrimSpace(raw))
}

var (
	_ delegation.Client = (*HTTPClient)(nil)
	_ network.Client    = (*HTTPClient)(nil)
)
