package server

import (
	"net/http"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Approvals.Get(ctx, id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	artifacts, err := s.deps.Artifacts.List(ctx, id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []types.Artifact{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// handleArtifactAccess returns a signed, expiring URL for an artifact.
func (s *Server) handleArtifactAccess(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	access, err := s.deps.Artifacts.Access(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, access)
}
