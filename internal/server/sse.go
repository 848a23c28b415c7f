package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/events"
)

const keepaliveInterval = 30 * time.Second

// handleSSE streams bus events for one topic as Server-Sent Events.
// Each frame carries the bus sequence number as the SSE id, so clients
// can use Last-Event-ID bookkeeping on their side. A slow consumer
// loses its oldest queued events rather than stalling the bus.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if !events.ValidTopic(topic) {
		http.Error(w, fmt.Sprintf("unknown topic: %s", topic), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// The bus subscription's bounded queue provides the drop-oldest
	// back-pressure; the handler below blocks the subscription's
	// consumer goroutine while this connection writes.
	ch := make(chan events.Event)
	done := make(chan struct{})
	sub := s.bus.Subscribe(events.Topic(topic), func(e events.Event) {
		select {
		case ch <- e:
		case <-done:
		}
	})
	defer func() {
		s.bus.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			s.logger.Debug("sse subscriber dropped events",
				zap.String("topic", topic),
				zap.Uint64("dropped", n))
		}
	}()
	// Closed before Unsubscribe so the drain cannot block on a reader
	// that already left.
	defer close(done)

	s.logger.Debug("sse client connected", zap.String("topic", topic))

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-ch:
			if err := writeSSEEvent(w, &e); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e *events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return err
}
