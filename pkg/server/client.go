package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client calls the Umpire JSON-RPC endpoint.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		url: strings.TrimRight(baseURL, "/") + "/RPC2",
		// Deploys wait for services to restart.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

type clientResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method with positional params and decodes the result into
// out. Server faults are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  params,
		"id":      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: unexpected status %s", method, resp.Status)
	}

	var cr clientResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if cr.Error != nil {
		return cr.Error
	}
	if out == nil || len(cr.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(cr.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Deploy deploys the config stored under key.
func (c *Client) Deploy(ctx context.Context, key string) (string, error) {
	var out string
	err := c.Call(ctx, "Deploy", &out, key)
	return out, err
}

// AddConfig stores content as a config resource of typeName.
func (c *Client) AddConfig(ctx context.Context, content, typeName string) (string, error) {
	var out string
	err := c.Call(ctx, "AddConfig", &out, content, typeName)
	return out, err
}

// GetActiveConfig returns the key of the active config.
func (c *Client) GetActiveConfig(ctx context.Context) (string, error) {
	var out string
	err := c.Call(ctx, "GetActiveConfig", &out)
	return out, err
}

// GetDeployState returns the deployer state.
func (c *Client) GetDeployState(ctx context.Context) (string, error) {
	var out string
	err := c.Call(ctx, "GetDeployState", &out)
	return out, err
}

// GetVersion returns the server version.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var out string
	err := c.Call(ctx, "GetVersion", &out)
	return out, err
}
