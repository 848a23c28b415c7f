// internal/agents/context.go
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Snippet is one retrieved context fragment
type Snippet struct {
	Path    string  `json:"path"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// RebuildStatus reports index rebuild progress
type RebuildStatus struct {
	Running  bool    `json:"running"`
	Progress float64 `json:"progress"`
	Detail   string  `json:"detail,omitempty"`
}

// ContextProvider is the contract to the retrieval subsystem. All
// failures are non-fatal to task flow; callers omit context on error.
type ContextProvider interface {
	Query(ctx context.Context, query, scope string, budget int) ([]Snippet, error)
	Refresh(ctx context.Context) error
	Rebuild(ctx context.Context) error
	RebuildStatus(ctx context.Context) (*RebuildStatus, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// NopContextProvider satisfies ContextProvider with empty results,
// used when no retrieval service is configured.
type NopContextProvider struct{}

func (NopContextProvider) Query(context.Context, string, string, int) ([]Snippet, error) {
	return nil, nil
}
func (NopContextProvider) Refresh(context.Context) error { return nil }
func (NopContextProvider) Rebuild(context.Context) error { return nil }
func (NopContextProvider) RebuildStatus(context.Context) (*RebuildStatus, error) {
	return &RebuildStatus{}, nil
}
func (NopContextProvider) Stats(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

// HTTPContextProvider forwards to an external retrieval service
type HTTPContextProvider struct {
	base   string
	client *http.Client
}

// NewHTTPContextProvider points at the retrieval service base URL
func NewHTTPContextProvider(baseURL string, timeout time.Duration) *HTTPContextProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPContextProvider{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPContextProvider) Query(ctx context.Context, query, scope string, budget int) ([]Snippet, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"query": query, "scope": scope, "budget": budget,
	})
	var out struct {
		Snippets []Snippet `json:"snippets"`
	}
	if err := p.post(ctx, "/query", body, &out); err != nil {
		return nil, err
	}
	return out.Snippets, nil
}

func (p *HTTPContextProvider) Refresh(ctx context.Context) error {
	return p.post(ctx, "/refresh", nil, nil)
}

func (p *HTTPContextProvider) Rebuild(ctx context.Context) error {
	return p.post(ctx, "/rebuild", nil, nil)
}

func (p *HTTPContextProvider) RebuildStatus(ctx context.Context) (*RebuildStatus, error) {
	var out RebuildStatus
	if err := p.get(ctx, "/rebuild/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPContextProvider) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := p.get(ctx, "/stats", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *HTTPContextProvider) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *HTTPContextProvider) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return err
	}
	return p.do(req, out)
}

func (p *HTTPContextProvider) do(req *http.Request, out interface{}) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("context service returned %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
