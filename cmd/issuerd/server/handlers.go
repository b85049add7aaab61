package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ParichayaHQ/issuer/internal/issuer"
)

// tenant resolves the {configId} path variable into a registered tenant
// and runs the authorization collaborator
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (*issuer.Tenant, bool) {
	configID := mux.Vars(r)["configId"]
	tenant, err := s.service.Tenants().Get(configID)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if err := s.authorizer.Authorize(r, configID); err != nil {
		s.writeError(w, issuer.NewErrorWithCause(issuer.TypeNotAllowedError, "not authorized", err))
		return nil, false
	}
	return tenant, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleIssue serves POST /{configId}/credentials/issue
func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req issuer.IssueRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	signed, err := s.service.Issue(r.Context(), tenant, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The signed representation is embedded untouched
	body := fmt.Sprintf(`{"verifiableCredential":%s}`, signed)
	s.writeRaw(w, http.StatusOK, []byte(body))
}

// handleUpdateStatus serves POST /{configId}/credentials/status
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req issuer.UpdateStatusRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.service.UpdateStatus(r.Context(), tenant, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{})
}

// handleGetCredential serves GET /{configId}/credentials/{credentialId}
func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	credentialID := mux.Vars(r)["credentialId"]
	rec, err := s.service.GetCredential(r.Context(), tenant, credentialID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := fmt.Sprintf(`{"verifiableCredential":%s,"meta":{"cid":%q}}`, rec.Body, rec.CID)
	s.writeRaw(w, http.StatusOK, []byte(body))
}

// handleAddContext serves POST /{configId}/contexts
func (s *Server) handleAddContext(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req struct {
		ID      string          `json:"id"`
		Context json.RawMessage `json:"context"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.service.AddContext(r.Context(), tenant, req.ID, req.Context); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID})
}

// handleStatusList serves reads of published status list credentials.
// The list id is its URL; ?refresh=true forces regeneration.
func (s *Server) handleStatusList(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	rest := mux.Vars(r)["rest"]
	listID := s.service.ListIDForPath(tenant, strings.TrimSuffix(rest, "/"))

	force := r.URL.Query().Get("refresh") == "true"
	slc, err := s.service.RefreshStatusList(r.Context(), tenant, listID, force)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeRaw(w, http.StatusOK, slc)
}
