package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sendonce/sendonce/internal/auth"
	"github.com/sendonce/sendonce/internal/domain"
)

// adminAuthorized checks the bearer token on /admin requests. An empty
// configured token leaves the admin API open for deployments that fence it
// off at the network layer.
func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return true
	}
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return auth.VerifyToken(presented, s.cfg.AdminToken)
}

func (s *Server) handleAdminTunnels(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tunnels, err := s.tunnels.ListActive(r.Context())
	if err != nil {
		s.log.Error("tunnel listing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list tunnels")
		return
	}
	if tunnels == nil {
		tunnels = []domain.Tunnel{}
	}
	writeJSON(w, http.StatusOK, domain.TunnelListResponse{ActiveTunnels: tunnels})
}

// handleAdminTunnel routes /admin/tunnels/{id} (DELETE) and
// /admin/tunnels/{id}/stats (GET).
func (s *Server) handleAdminTunnel(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/tunnels/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodDelete:
		rec, err := s.tunnels.Terminate(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrTunnelNotFound) {
				writeError(w, http.StatusNotFound, "tunnel not found")
				return
			}
			s.log.Error("tunnel termination failed", "tunnel_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to terminate tunnel")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case sub == "stats" && r.Method == http.MethodGet:
		rec, err := s.tunnels.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrTunnelNotFound) {
				writeError(w, http.StatusNotFound, "tunnel not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load tunnel")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case sub == "" || sub == "stats":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.monitor.Status(r.Context())
	st.EdgeActive = s.cfg.EdgeCmd != ""
	st.Version = s.version
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := s.monitor.Kick(r.Context())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.store.ListHistory(r.Context(), s.cfg.HistoryLimit)
	if err != nil {
		s.log.Error("history listing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, domain.HistoryResponse{History: entries})
}
