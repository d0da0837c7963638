package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitamin33/agent-poi/internal/protocol"
)

// PeerClient talks to other agents over their public HTTP surface.
type PeerClient struct {
	client *http.Client
}

func NewPeerClient(timeout time.Duration) *PeerClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PeerClient{client: &http.Client{Timeout: timeout}}
}

// Health probes a peer's health endpoint. An unreachable or unhealthy peer
// returns an error.
func (c *PeerClient) Health(ctx context.Context, baseURL string) (protocol.PeerHealth, error) {
	var health protocol.PeerHealth
	if err := c.get(ctx, baseURL, "/v1/health", &health); err != nil {
		return health, err
	}
	if health.Status != "ok" {
		return health, fmt.Errorf("peer status %q", health.Status)
	}
	return health, nil
}

// Challenge sends a question to a peer and returns its answer.
func (c *PeerClient) Challenge(ctx context.Context, baseURL string, req protocol.PeerChallengeRequest) (protocol.PeerChallengeResponse, error) {
	var resp protocol.PeerChallengeResponse
	raw, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	url := strings.TrimRight(baseURL, "/") + "/v1/challenge"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return resp, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return resp, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("peer challenge status %d", httpResp.StatusCode)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *PeerClient) get(ctx context.Context, baseURL, path string, out any) error {
	url := strings.TrimRight(baseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return err
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer status %d", httpResp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
