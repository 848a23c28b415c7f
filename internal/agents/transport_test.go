package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransport_CallParsesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt != "do the thing" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": "done", "confidence": 0.8,
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(map[string]string{"worker": srv.URL}, time.Second)
	got, err := tr.Call(context.Background(), "worker", "do the thing")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "done" {
		t.Fatalf("content = %q, want %q", got, "done")
	}
}

func TestHTTPTransport_CallRawBodyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text answer"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(map[string]string{"worker": srv.URL}, time.Second)
	got, err := tr.Call(context.Background(), "worker", "p")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "plain text answer" {
		t.Fatalf("content = %q", got)
	}
}

func TestHTTPTransport_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(map[string]string{"worker": srv.URL}, time.Second)
	_, err := tr.Call(context.Background(), "worker", "p")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
}

func TestHTTPTransport_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(map[string]string{"worker": srv.URL}, time.Second)
	_, err := tr.Call(context.Background(), "worker", "p")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("4xx should be permanent, got %v", err)
	}
}

func TestHTTPTransport_ConnectionFailureIsTransient(t *testing.T) {
	// A listener that was closed leaves a port nothing accepts on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(map[string]string{"worker": url}, time.Second)
	_, err := tr.Call(context.Background(), "worker", "p")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("connection failure should be transient, got %v", err)
	}
}

func TestHTTPTransport_UnknownAgent(t *testing.T) {
	tr := NewHTTPTransport(nil, time.Second)
	if _, err := tr.Call(context.Background(), "ghost", "p"); err == nil {
		t.Fatal("expected unknown agent error")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	tr.SetEndpoint("ghost", srv.URL)
	if _, err := tr.Call(context.Background(), "ghost", "p"); err != nil {
		t.Fatalf("Call after SetEndpoint: %v", err)
	}
}

func TestHTTPTransport_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(map[string]string{"worker": srv.URL}, time.Second)
	if err := tr.Ping(context.Background(), "worker"); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := tr.Ping(context.Background(), "ghost"); err == nil {
		t.Fatal("ping unknown agent should fail")
	}
}

func TestHTTPContextProvider_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"snippets": []Snippet{{Path: "pkg/a.go", Content: "func A()", Score: 0.9}},
		})
	}))
	defer srv.Close()

	p := NewHTTPContextProvider(srv.URL, time.Second)
	snips, err := p.Query(context.Background(), "how does A work", "", 1000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(snips) != 1 || snips[0].Path != "pkg/a.go" {
		t.Fatalf("snippets = %+v", snips)
	}
}

func TestHTTPContextProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusConflict)
	}))
	defer srv.Close()

	p := NewHTTPContextProvider(srv.URL, time.Second)
	if _, err := p.Query(context.Background(), "q", "", 100); err == nil {
		t.Fatal("expected error on non-200")
	}
}
