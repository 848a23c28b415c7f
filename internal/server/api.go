package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/tasks"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": time.Since(s.startTime).Seconds(),
		"lastEventSeq":  s.bus.Seq(),
	})
}

// handleListTasks serves GET /api/tasks with status/type/agent filters
// and limit/offset paging.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Status:     tasks.Status(q.Get("status")),
		Type:       tasks.Type(q.Get("type")),
		AgentID:    q.Get("agent"),
		Descending: true,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	list, total, err := s.orch.Store().ListTasks(filter)
	if err != nil {
		if errors.Is(err, store.ErrInvalid) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list tasks failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": list,
		"total": total,
	})
}

// handleTaskDetail serves GET /api/tasks/{id}: the task, its proposals,
// history, and decision if one exists.
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	detail, err := s.orch.ContinueTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task detail failed", zap.String("task_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "task detail failed")
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	d, err := s.orch.Store().GetDecision(taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no decision for task")
			return
		}
		s.logger.Error("decision lookup failed", zap.String("task_id", taskID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "decision lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.registry.List(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleMetricHistory serves bucketed series points, e.g.
// GET /api/metrics/tasks_completed/history?since=1h&bucket=1m
func (s *Server) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	name := mux.Vars(r)["name"]

	since := time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = d
	}
	bucket := time.Minute
	if v := r.URL.Query().Get("bucket"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid bucket")
			return
		}
		bucket = d
	}

	points, err := s.metrics.History(name, time.Now().Add(-since), bucket)
	if err != nil {
		s.logger.Error("metric history failed", zap.String("metric", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "metric history failed")
		return
	}
	if points == nil {
		points = []store.MetricPoint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"points": points,
	})
}
