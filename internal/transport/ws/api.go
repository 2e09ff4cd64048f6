package ws

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/envelope"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/module"
)

// operatorRole gates mutating container operations. The claims provider is
// external; the engine only checks that the role it granted is present.
const operatorRole = "operator"

// apiRoutes mounts the container management endpoints next to the stream:
// module install/uninstall and match lifecycle. All of them are admission
// surfaces — errors return immediately with kind + message + field.
func (s *Server) apiRoutes(r chi.Router) {
	r.Post("/modules", s.handleInstallModule)
	r.Delete("/modules/{module_id}", s.handleUninstallModule)
	r.Post("/matches", s.handleCreateMatch)
	r.Delete("/matches/{match_id}", s.handleDeleteMatch)
	r.Post("/matches/{match_id}/pause", s.handlePause)
	r.Post("/matches/{match_id}/resume", s.handleResume)
	r.Get("/matches/{match_id}/snapshot", s.handleSnapshot)
}

func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	claims := claimsFrom(r)
	if claims.TenantID == "" {
		writeError(w, apierr.Unauthorized("tenant claim is required"))
		return false
	}
	if !claims.HasRole(operatorRole) {
		writeError(w, apierr.Unauthorized("operator role is required"))
		return false
	}
	return true
}

func (s *Server) handleInstallModule(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	var upload envelope.ArtifactUpload
	if err := json.NewDecoder(r.Body).Decode(&upload); err != nil {
		writeError(w, apierr.InvalidInput("malformed artifact upload"))
		return
	}
	manifest, err := module.ParseManifest(upload.Manifest)
	if err != nil {
		writeError(w, err)
		return
	}
	art, err := s.container.InstallModule(manifest, upload.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"module_id":  art.ID,
		"version":    art.Manifest.Version,
		"generation": art.Generation,
	})
}

func (s *Server) handleUninstallModule(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	if err := s.container.UninstallModule(ids.ModuleId(chi.URLParam(r, "module_id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createMatchRequest struct {
	MatchID ids.MatchId    `json:"match_id"`
	Modules []ids.ModuleId `json:"modules"`
	Seed    uint64         `json:"seed"`
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.InvalidInput("malformed match request"))
		return
	}
	if req.MatchID == "" {
		writeError(w, apierr.InvalidInput("match_id is required").WithField("match_id"))
		return
	}
	m, err := s.container.CreateMatch(req.MatchID, req.Modules, req.Seed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"match_id": m.ID(),
		"state":    m.State(),
	})
}

func (s *Server) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	if err := s.container.DeleteMatch(ids.MatchId(chi.URLParam(r, "match_id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	if err := s.container.Pause(ids.MatchId(chi.URLParam(r, "match_id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	if err := s.container.Resume(ids.MatchId(chi.URLParam(r, "match_id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.TenantID == "" {
		writeError(w, apierr.Unauthorized("tenant claim is required"))
		return
	}
	snap, err := s.container.Snapshot(ids.MatchId(chi.URLParam(r, "match_id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
