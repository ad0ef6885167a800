package app

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"quill/collab/internal/export"
	"quill/collab/internal/protocol"
)

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			page, ok := queryInt(r, "page", 1)
			if !ok {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page must be a number", nil)
				return
			}
			pageSize, ok := queryInt(r, "pageSize", defaultPageSize)
			if !ok {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pageSize must be a number", nil)
				return
			}
			list, err := s.service.ListVersions(r.Context(), session, documentID, page, pageSize)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, list)
		case http.MethodPost:
			var body protocol.CreateVersionRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			version, err := s.service.CreateVersion(r.Context(), session, documentID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, version)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 5 && parts[4] == "compare" && r.Method == http.MethodGet {
		sourceID := strings.TrimSpace(r.URL.Query().Get("sourceVersionId"))
		targetID := strings.TrimSpace(r.URL.Query().Get("targetVersionId"))
		result, err := s.service.CompareVersions(r.Context(), session, documentID, sourceID, targetID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) == 5 && parts[4] == "clean" && r.Method == http.MethodPost {
		keepDays, ok := queryInt(r, "keepDays", defaultKeepDays)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "keepDays must be a number", nil)
			return
		}
		result, err := s.service.CleanVersions(r.Context(), session, documentID, keepDays)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) == 5 {
		versionID := parts[4]
		switch r.Method {
		case http.MethodGet:
			detail, err := s.service.GetVersion(r.Context(), session, documentID, versionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, detail)
		case http.MethodDelete:
			if err := s.service.DeleteVersion(r.Context(), session, documentID, versionID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 6 && parts[5] == "export" && r.Method == http.MethodGet {
		s.handleVersionExport(w, r, session, documentID, parts[4])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleVersionExport(w http.ResponseWriter, r *http.Request, session Session, documentID, versionID string) {
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	includeComments, _ := strconv.ParseBool(r.URL.Query().Get("includeComments"))

	result, err := s.service.ExportVersion(r.Context(), session, documentID, versionID, format, includeComments)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			comments, err := s.service.ListComments(r.Context(), session, documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, comments)
		case http.MethodPost:
			var body protocol.CreateCommentRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			comment, err := s.service.CreateComment(r.Context(), session, documentID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, comment)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 5 && parts[4] == "stats" && r.Method == http.MethodGet {
		stats, err := s.service.CommentStats(r.Context(), session, documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	if len(parts) == 5 {
		commentID := parts[4]
		switch r.Method {
		case http.MethodGet:
			comment, err := s.service.GetComment(r.Context(), session, documentID, commentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, comment)
		case http.MethodPut:
			var body protocol.CommentBody
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			comment, err := s.service.UpdateComment(r.Context(), session, documentID, commentID, body.Content)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, comment)
		case http.MethodDelete:
			if err := s.service.DeleteComment(r.Context(), session, documentID, commentID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 6 {
		commentID := parts[4]
		switch {
		case parts[5] == "replies" && r.Method == http.MethodPost:
			var body protocol.CommentBody
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			reply, err := s.service.ReplyComment(r.Context(), session, documentID, commentID, body.Content)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, reply)
			return
		case (parts[5] == "resolve" || parts[5] == "reopen") && r.Method == http.MethodPut:
			comment, err := s.service.SetCommentResolved(r.Context(), session, documentID, commentID, parts[5] == "resolve")
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, comment)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
