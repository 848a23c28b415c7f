// Package nats runs an optional embedded NATS server and a thin client
// used to mirror the in-process event bus onto NATS subjects, so
// out-of-process consumers can follow orchestration activity.
package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const maxPayload = 1024 * 1024

// EmbeddedConfig configures the in-process NATS server
type EmbeddedConfig struct {
	Host string
	Port int
}

// EmbeddedServer wraps a NATS server running inside the process
type EmbeddedServer struct {
	cfg EmbeddedConfig

	mu      sync.RWMutex
	srv     *server.Server
	running bool
}

// NewEmbeddedServer creates an embedded server. Start must be called
// before clients can connect.
func NewEmbeddedServer(cfg EmbeddedConfig) *EmbeddedServer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 {
		cfg.Port = 4222
	}
	return &EmbeddedServer{cfg: cfg}
}

// Start launches the server and waits until it accepts connections
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("nats server already running")
	}

	opts := &server.Options{
		Host:       e.cfg.Host,
		Port:       e.cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: maxPayload,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return fmt.Errorf("nats server not ready for connections")
	}

	e.srv = srv
	e.running = true
	return nil
}

// Shutdown stops the server and waits for it to finish
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.srv == nil {
		return
	}
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
	e.srv = nil
	e.running = false
}

// URL returns the client connection URL
func (e *EmbeddedServer) URL() string {
	return fmt.Sprintf("nats://%s:%d", e.cfg.Host, e.cfg.Port)
}

// IsRunning reports whether the server accepts connections
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
