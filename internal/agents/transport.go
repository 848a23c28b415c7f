// Package agents holds the contracts the orchestrator uses to reach
// external collaborators: the agents themselves and the context
// retrieval service. Both are plain HTTP services configured per agent.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Transport dispatches work to agents and probes their health
type Transport interface {
	// Call sends a prompt to an agent and returns its raw response.
	// The context deadline bounds the whole exchange.
	Call(ctx context.Context, agentID, prompt string) (string, error)
	// Ping checks agent liveness.
	Ping(ctx context.Context, agentID string) error
}

// TransientError marks a failure worth retrying (timeouts, connection
// resets, 5xx). Everything else is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrUnknownAgent is returned when no endpoint is configured for an agent
var ErrUnknownAgent = errors.New("unknown agent")

// HTTPTransport talks to agent adapter endpoints over JSON/HTTP
type HTTPTransport struct {
	mu        sync.RWMutex
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPTransport builds a transport from agent ID -> base URL
func NewHTTPTransport(endpoints map[string]string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	eps := make(map[string]string, len(endpoints))
	for id, url := range endpoints {
		eps[id] = url
	}
	return &HTTPTransport{
		endpoints: eps,
		client:    &http.Client{Timeout: timeout},
	}
}

// SetEndpoint registers or replaces an agent endpoint
func (t *HTTPTransport) SetEndpoint(agentID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[agentID] = baseURL
}

func (t *HTTPTransport) endpoint(agentID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	url, ok := t.endpoints[agentID]
	if !ok || url == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return url, nil
}

// Call posts {"prompt": ...} to the agent's /invoke endpoint
func (t *HTTPTransport) Call(ctx context.Context, agentID, prompt string) (string, error) {
	base, err := t.endpoint(agentID)
	if err != nil {
		return "", err
	}

	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TransientError{Err: err}
	}
	if resp.StatusCode >= 500 {
		return "", &TransientError{Err: fmt.Errorf("agent %s returned %d", agentID, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("agent %s rejected call: %d %s", agentID, resp.StatusCode, string(raw))
	}

	var parsed struct {
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Content != "" {
		return parsed.Content, nil
	}
	return string(raw), nil
}

// Ping checks the agent's /healthz endpoint
func (t *HTTPTransport) Ping(ctx context.Context, agentID string) error {
	base, err := t.endpoint(agentID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &TransientError{Err: fmt.Errorf("agent %s health returned %d", agentID, resp.StatusCode)}
	}
	return nil
}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	// Connection refused and friends come back as *url.Error wrapping
	// syscall errors; treat any transport-level failure as transient.
	return &TransientError{Err: err}
}
