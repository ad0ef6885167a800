package app

import (
	"net/http"

	"quill/collab/internal/protocol"
)

// handleDocumentAccess serves /api/documents/{id}/permissions and
// /api/documents/{id}/collaboration.
func (s *HTTPServer) handleDocumentAccess(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if parts[3] == "collaboration" {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Enabled == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "enabled is required", nil)
			return
		}
		if err := s.service.SetCollaboration(r.Context(), session, documentID, *body.Enabled); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "enabled": *body.Enabled})
		return
	}

	switch r.Method {
	case http.MethodGet:
		members, err := s.service.ListMembers(r.Context(), session, documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	case http.MethodPut:
		var body protocol.PermissionRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetPermission(r.Context(), session, documentID, body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}
