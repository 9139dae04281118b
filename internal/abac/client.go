// Package abac talks to an external attribute-based policy engine with
// an OPA-shaped HTTP surface. The engine is optional: the façade only
// consults it when a check carries an attribute context, and any failure
// here falls back to the RBAC result.
package abac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/U2SG/yoto-sub000/internal/primitives"
)

// DefaultTimeout bounds every policy engine round trip.
const DefaultTimeout = 5 * time.Second

// Decision is one policy evaluation result.
type Decision struct {
	Allow  bool                   `json:"allow"`
	Extra  map[string]interface{} `json:"-"`
}

// Input is the attribute bundle sent for evaluation.
type Input struct {
	User     int64                  `json:"user"`
	Resource string                 `json:"resource"`
	Action   string                 `json:"action"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Client speaks to the policy engine.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option tweaks client construction.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PutPolicy uploads one named policy document.
func (c *Client) PutPolicy(ctx context.Context, name, policy string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/v1/policies/"+name, strings.NewReader(policy))
	if err != nil {
		return fmt.Errorf("abac: build put policy request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: put policy %s: %v", primitives.ErrUpstreamFailure, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: put policy %s: status %d", primitives.ErrUpstreamFailure, name, resp.StatusCode)
	}
	return nil
}

// Evaluate posts input against the named policy and returns the
// engine's allow verdict.
func (c *Client) Evaluate(ctx context.Context, name string, input Input) (Decision, error) {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", primitives.ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/data/"+name, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("abac: build evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: evaluate %s: %v", primitives.ErrUpstreamFailure, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("%w: evaluate %s: status %d", primitives.ErrUpstreamFailure, name, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: evaluate %s: %v", primitives.ErrUpstreamFailure, name, err)
	}

	var parsed struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Decision{}, fmt.Errorf("%w: evaluate %s: %v", primitives.ErrSerialization, name, err)
	}
	if parsed.Result == nil {
		// An undefined result means the policy did not match; deny.
		return Decision{Allow: false}, nil
	}
	allow, _ := parsed.Result["allow"].(bool)
	return Decision{Allow: allow, Extra: parsed.Result}, nil
}

// ListPolicies returns the names of every installed policy.
func (c *Client) ListPolicies(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/policies", nil)
	if err != nil {
		return nil, fmt.Errorf("abac: build list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list policies: %v", primitives.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list policies: status %d", primitives.ErrUpstreamFailure, resp.StatusCode)
	}

	var parsed struct {
		Result []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: list policies: %v", primitives.ErrSerialization, err)
	}
	names := make([]string, 0, len(parsed.Result))
	for _, p := range parsed.Result {
		names = append(names, p.ID)
	}
	return names, nil
}

// DeletePolicy removes one named policy.
func (c *Client) DeletePolicy(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/policies/"+name, nil)
	if err != nil {
		return fmt.Errorf("abac: build delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete policy %s: %v", primitives.ErrUpstreamFailure, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: delete policy %s: status %d", primitives.ErrUpstreamFailure, name, resp.StatusCode)
	}
	return nil
}

// Healthy reports whether the engine answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
