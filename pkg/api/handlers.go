package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Mozart409/tendhost/pkg/types"
)

// UpdateRequest is the body of a single-host update trigger
type UpdateRequest struct {
	DryRun bool `json:"dry_run"`
}

// FleetUpdateRequest is the body of a fleet update trigger
type FleetUpdateRequest struct {
	BatchSize int                `json:"batch_size"`
	DelayMs   uint64             `json:"delay_ms"`
	DryRun    bool               `json:"dry_run"`
	Filter    *FleetUpdateFilter `json:"filter,omitempty"`
}

// FleetUpdateFilter selects the hosts a fleet update targets
type FleetUpdateFilter struct {
	Tags         []string `json:"tags,omitempty"`
	Groups       []string `json:"groups,omitempty"`
	ExcludeHosts []string `json:"exclude_hosts,omitempty"`
}

// errorResponse is the uniform error body
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts := s.orch.ListHosts(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	var cfg types.HostConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if cfg.User == "" {
		cfg.User = "root"
	}

	if err := s.orch.RegisterHost(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}

	if s.store != nil {
		if err := s.store.SaveHost(&cfg); err != nil {
			s.logger.Warn().Str("host", cfg.Name).Err(err).Msg("failed to persist host config")
		}
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"name": cfg.Name})
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetHostStatus(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleUnregisterHost(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.orch.UnregisterHost(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}

	if s.store != nil {
		if err := s.store.DeleteHost(name); err != nil {
			s.logger.Warn().Str("host", name).Err(err).Msg("failed to delete persisted host config")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueryInventory(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.QueryHostInventory(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if r.Body != nil {
		// An empty body means a real update
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := s.orch.TriggerHostUpdate(r.Context(), r.PathValue("name"), req.DryRun)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRebootHost(w http.ResponseWriter, r *http.Request) {
	rebooted, err := s.orch.RebootHost(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"rebooted": rebooted})
}

func (s *Server) handleRetryHost(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.RetryHost(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcknowledgeHost(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.AcknowledgeHost(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFleetUpdate(w http.ResponseWriter, r *http.Request) {
	var req FleetUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	cfg := types.FleetUpdateConfig{
		BatchSize:           req.BatchSize,
		DelayBetweenBatches: time.Duration(req.DelayMs) * time.Millisecond,
		DryRun:              req.DryRun,
	}
	if req.Filter != nil {
		cfg.Filter = &types.FleetFilter{
			Tags:         req.Filter.Tags,
			Groups:       req.Filter.Groups,
			ExcludeHosts: req.Filter.ExcludeHosts,
		}
	}

	result, err := s.orch.TriggerFleetUpdate(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
