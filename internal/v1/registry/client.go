// Package registry is a thin typed client for the external Registry service
// that declares offices and their agents.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/metrics"
	"github.com/skyoffice/presence/internal/v1/types"
)

// requestTimeout bounds every Registry call; reconciliation is advisory and
// must never hang the server.
const requestTimeout = 5 * time.Second

// Client talks to the Registry. GET and PATCH failures are logged and
// swallowed: the reconciler retries on its next tick.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewClient creates a Registry client. baseURL may be empty, in which case
// every call short-circuits to its zero result.
func NewClient(baseURL, token string) *Client {
	st := gobreaker.Settings{
		Name:        "registry",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("registry").Set(stateVal)
		},
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// Enabled reports whether a Registry endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// do runs one HTTP exchange through the breaker and returns the response
// body for 2xx statuses.
func (c *Client) do(ctx context.Context, method, path string, body any, endpoint string) ([]byte, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("registry not configured")
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("X-Registry-Service-Token", c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.RegistryRequests.WithLabelValues(endpoint, "error").Inc()
			return nil, err
		}
		defer resp.Body.Close()

		metrics.RegistryRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("registry %s %s returned %d", method, path, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Registry circuit breaker open, dropping call",
				zap.String("endpoint", endpoint))
		}
		return nil, err
	}
	return result.([]byte), nil
}

// ListOffices fetches every office the Registry declares. Failures return an
// empty slice.
func (c *Client) ListOffices(ctx context.Context) []types.RegistryOffice {
	data, err := c.do(ctx, http.MethodGet, "/offices", nil, "list_offices")
	if err != nil {
		logging.Warn(ctx, "Failed to list registry offices", zap.Error(err))
		return nil
	}
	var offices []types.RegistryOffice
	if err := json.Unmarshal(data, &offices); err != nil {
		logging.Warn(ctx, "Failed to decode registry offices", zap.Error(err))
		return nil
	}
	return offices
}

// ListAgents fetches the agents declared for one office. Failures return an
// empty slice.
func (c *Client) ListAgents(ctx context.Context, officeID string) []types.RegistryAgent {
	data, err := c.do(ctx, http.MethodGet, "/offices/"+officeID+"/agents", nil, "list_agents")
	if err != nil {
		logging.Warn(ctx, "Failed to list registry agents",
			zap.String("officeId", officeID), zap.Error(err))
		return nil
	}
	var agents []types.RegistryAgent
	if err := json.Unmarshal(data, &agents); err != nil {
		logging.Warn(ctx, "Failed to decode registry agents",
			zap.String("officeId", officeID), zap.Error(err))
		return nil
	}
	return agents
}

// PatchAgent pushes presence telemetry for one agent. Best effort.
func (c *Client) PatchAgent(ctx context.Context, officeID, agentID string, lastSeenAt time.Time, metadata map[string]any) {
	body := map[string]any{
		"lastSeenAt": lastSeenAt.UTC().Format(time.RFC3339),
		"metadata":   metadata,
	}
	_, err := c.do(ctx, http.MethodPatch, "/offices/"+officeID+"/agents/"+agentID, body, "patch_agent")
	if err != nil {
		logging.Warn(ctx, "Failed to patch registry agent",
			zap.String("officeId", officeID), zap.String("agentId", agentID), zap.Error(err))
	}
}

// PatchOffice records the live room id for a registry-backed room. Best
// effort.
func (c *Client) PatchOffice(ctx context.Context, officeID, worldID string) {
	body := map[string]any{"skyofficeWorldId": worldID}
	_, err := c.do(ctx, http.MethodPatch, "/offices/"+officeID, body, "patch_office")
	if err != nil {
		logging.Warn(ctx, "Failed to patch registry office",
			zap.String("officeId", officeID), zap.Error(err))
	}
}

// TenantKeys fetches the tenant key descriptors for an office. Failures
// return an empty slice.
func (c *Client) TenantKeys(ctx context.Context, officeID string) []types.TenantKey {
	data, err := c.do(ctx, http.MethodGet, "/offices/"+officeID+"/tenant-keys", nil, "tenant_keys")
	if err != nil {
		logging.Warn(ctx, "Failed to fetch tenant keys",
			zap.String("officeId", officeID), zap.Error(err))
		return nil
	}
	var keys []types.TenantKey
	if err := json.Unmarshal(data, &keys); err != nil {
		logging.Warn(ctx, "Failed to decode tenant keys",
			zap.String("officeId", officeID), zap.Error(err))
		return nil
	}
	return keys
}

// AgentCredential requests a per-agent presence credential. Returns "" when
// the Registry cannot provide one.
func (c *Client) AgentCredential(ctx context.Context, officeID, agentID string) string {
	path := "/offices/" + officeID + "/presence/agents/" + agentID + "/credential"
	data, err := c.do(ctx, http.MethodPost, path, nil, "agent_credential")
	if err != nil {
		logging.Warn(ctx, "Failed to fetch agent credential",
			zap.String("officeId", officeID), zap.String("agentId", agentID), zap.Error(err))
		return ""
	}
	var cred struct {
		SharedSecret    string `json:"sharedSecret"`
		SharedSecretAlt string `json:"shared_secret"`
	}
	if err := json.Unmarshal(data, &cred); err != nil {
		return ""
	}
	if cred.SharedSecret != "" {
		return cred.SharedSecret
	}
	return cred.SharedSecretAlt
}
