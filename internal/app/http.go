package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docsync/api/internal/syncer"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/session" {
		s.handleIssueSession(w, r)
		return
	}

	// Everything below requires an authenticated tenant.
	token := bearerToken(r)
	tc, err := s.service.Authenticate(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch {
	case r.Method == http.MethodDelete && r.URL.Path == "/api/auth/session":
		if err := s.service.RevokeSession(r.Context(), token); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && r.URL.Path == "/api/sync":
		var snapshot syncer.AnalysisSnapshot
		if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", nil)
			return
		}
		response := s.service.SubmitSnapshot(r.Context(), tc, snapshot)
		writeJSON(w, syncStatus(response), response)

	case r.Method == http.MethodPost && r.URL.Path == "/api/sync/retry":
		attempted, synced, err := s.service.RetryPending(r.Context(), tc)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempted": attempted, "synced": synced})

	case r.Method == http.MethodGet && r.URL.Path == "/api/groups":
		items, err := s.service.ListGroups(r.Context(), tc)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": items})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/groups/") && strings.HasSuffix(r.URL.Path, "/runs"):
		groupID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/groups/"), "/runs")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.service.ListSyncRuns(r.Context(), tc, groupID, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": items})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/groups/"):
		groupID := strings.TrimPrefix(r.URL.Path, "/api/groups/")
		group, docs, err := s.service.GetGroup(r.Context(), tc, groupID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"group": group, "documents": docs})

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/groups/"):
		groupID := strings.TrimPrefix(r.URL.Path, "/api/groups/")
		if err := s.service.DeleteGroup(r.Context(), tc, groupID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodGet && r.URL.Path == "/api/tenant":
		t, err := s.service.GetTenant(r.Context(), tc)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenant": t})

	case r.Method == http.MethodDelete && r.URL.Path == "/api/tenant":
		if err := s.service.DeleteTenant(r.Context(), tc); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodGet && r.URL.Path == "/api/cache/stats":
		stats, err := s.service.CacheStats(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (s *HTTPServer) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var input struct {
		TenantID    string `json:"tenantId"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", nil)
		return
	}
	token, err := s.service.IssueSession(r.Context(), input.TenantID, input.DisplayName)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		next.ServeHTTP(w, r)
	})
}

// syncStatus maps a SyncResponse onto the HTTP status the caller should
// branch on.
func syncStatus(response SyncResponse) int {
	if response.Success {
		return http.StatusOK
	}
	switch response.ErrorCode {
	case syncer.CodeValidation:
		return http.StatusBadRequest
	case syncer.CodeAuthorization:
		return http.StatusForbidden
	case syncer.CodeSchemaMissing, syncer.CodeTransient:
		return http.StatusServiceUnavailable
	case syncer.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
