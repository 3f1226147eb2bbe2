package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sendonce/sendonce/internal/domain"
	"github.com/sendonce/sendonce/internal/netutil"
)

func (s *Server) handleGenerateLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.GenerateLinkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.FilePath = strings.TrimSpace(req.FilePath)
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	if req.ExpiresInSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "expires_in_seconds must be positive")
		return
	}
	ttl := s.cfg.ClampTTL(time.Duration(req.ExpiresInSeconds) * time.Second)

	rec, err := s.tunnels.Create(r.Context(), req.FilePath, ttl)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrFileNotFound):
			writeError(w, http.StatusNotFound, "file not found")
		case errors.Is(err, domain.ErrPathEscape), errors.Is(err, domain.ErrNotRegularFile):
			writeError(w, http.StatusBadRequest, "invalid file path")
		default:
			s.log.Error("tunnel creation failed", "file_path", req.FilePath, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to provision tunnel")
		}
		return
	}

	signed, _, err := s.tokens.Mint(r.Context(), rec.FilePath, rec.ID, ttl)
	if err != nil {
		s.log.Error("token mint failed", "tunnel_id", rec.ID, "err", err)
		if _, derr := s.tunnels.Destroy(r.Context(), rec.ID, domain.StatusFailed); derr != nil {
			s.log.Error("cleanup after mint failure failed", "tunnel_id", rec.ID, "err", derr)
		}
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	writeJSON(w, http.StatusOK, domain.GenerateLinkResponse{
		DownloadURL:      rec.DownloadURL(),
		TunnelID:         rec.ID,
		Token:            signed,
		FilePath:         rec.FilePath,
		ExpiresInSeconds: int(ttl / time.Second),
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	files, err := s.library.List()
	if err != nil {
		s.log.Error("library listing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, domain.FileListResponse{Files: files})
}

// handleDownload serves the capability URL. A GET consumes the token and
// returns the public URL; a HEAD peeks without consuming so link-preview
// fetchers do not burn the single use. Every invalid token outcome is an
// abrupt connection drop with zero response bytes, and rate-limited clients
// get the same treatment so the endpoint stays oracle-free.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(netutil.ClientIP(r.RemoteAddr)) {
		dropConnection(w)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/download/")
	if raw == "" || strings.Contains(raw, "/") {
		dropConnection(w)
		return
	}

	switch r.Method {
	case http.MethodHead:
		claims, err := s.tokens.Peek(r.Context(), raw)
		if err != nil {
			dropConnection(w)
			return
		}
		w.Header().Set("X-Token-Valid", "true")
		w.Header().Set("X-File-Path", claims.FilePath)
		w.Header().Set("X-Tunnel-Id", claims.TunnelID)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		tok, err := s.tokens.Redeem(r.Context(), raw)
		if err != nil {
			dropConnection(w)
			return
		}
		rec, err := s.tunnels.Get(r.Context(), tok.TunnelID)
		if err != nil || !rec.Live() || rec.PublicURL == "" {
			writeError(w, http.StatusNotFound, "tunnel no longer available")
			return
		}
		writeJSON(w, http.StatusOK, domain.DownloadResponse{PublicURL: rec.DownloadURL()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
