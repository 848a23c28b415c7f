// Package server is the HTTP surface: the MCP JSON-RPC endpoint, the
// SSE and websocket event streams, and the dashboard read API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/mcp"
	"github.com/agoralab/agora/internal/metrics"
	"github.com/agoralab/agora/internal/orchestrator"
	"github.com/agoralab/agora/internal/registry"
	"github.com/agoralab/agora/internal/types"
)

// Server owns the HTTP listener and routes
type Server struct {
	cfg      types.ServerConfig
	router   *mux.Router
	http     *http.Server
	listener net.Listener

	bus      *events.Bus
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	mcp      *mcp.Server
	metrics  *metrics.Recorder
	hub      *Hub
	hubSub   *events.Subscription

	// quit is closed on Shutdown so long-lived SSE handlers exit
	// instead of stalling the HTTP drain.
	quit     chan struct{}
	quitOnce sync.Once

	logger    *zap.Logger
	startTime time.Time
}

// New wires the routes. Start must be called to begin serving.
func New(cfg types.ServerConfig, bus *events.Bus, orch *orchestrator.Orchestrator,
	reg *registry.Registry, mcpServer *mcp.Server, rec *metrics.Recorder,
	logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		bus:       bus,
		orch:      orch,
		registry:  reg,
		mcp:       mcpServer,
		metrics:   rec,
		hub:       NewHub(logger),
		quit:      make(chan struct{}),
		logger:    logger,
		startTime: time.Now(),
	}
	s.routes()

	s.http = &http.Server{
		Handler:           recoveryMiddleware(logger)(loggingMiddleware(logger)(securityHeaders(s.router))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()

	r.Handle("/mcp", inflightLimiter(s.cfg.MaxInflight, s.mcp)).Methods(http.MethodPost)
	r.HandleFunc("/sse/{topic}", s.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleTaskDetail).Methods(http.MethodGet)
	api.HandleFunc("/decisions/{taskId}", s.handleDecision).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{name}/history", s.handleMetricHistory).Methods(http.MethodGet)

	s.router = r
}

// Start binds the listener and serves in the background. A bind
// failure is returned synchronously so the caller can distinguish it
// from later serve errors.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	go s.hub.Run()
	s.hubSub = s.bus.Subscribe(events.TopicAll, s.forwardToHub)

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http serve stopped", zap.Error(err))
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, valid after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown drains connections and stops the event forwarding
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	err := s.http.Shutdown(ctx)
	if s.hubSub != nil {
		s.bus.Unsubscribe(s.hubSub)
	}
	s.hub.Stop()
	return err
}

// forwardToHub mirrors bus events onto the dashboard websocket
func (s *Server) forwardToHub(e events.Event) {
	msg := types.WSMessage{Type: types.WSTypeEvent, Data: e}
	switch e.Type {
	case events.EventTaskStatusChanged, events.EventTaskAssigned,
		events.EventTaskCompleted, events.EventTaskFailed:
		msg.Type = types.WSTypeTaskUpdate
	case events.EventAgentStatusChanged:
		msg.Type = types.WSTypeAgentStatus
	case events.EventDecisionMade, events.EventConsensusReached:
		msg.Type = types.WSTypeDecision
	}
	s.hub.BroadcastJSON(msg)
}
