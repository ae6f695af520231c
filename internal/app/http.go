// Package app exposes the version store and the collaboration history over
// HTTP. Mutating routes require a bearer identity token minted by the main
// application; reads are open to the workspace.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"atelier/api/internal/auth"
	"atelier/api/internal/collab"
	"atelier/api/internal/store"
	"atelier/api/internal/version"
)

type pinger interface {
	Ping(context.Context) error
}

type HTTPServer struct {
	versions   *version.Service
	registry   *collab.Registry
	db         pinger
	secret     []byte
	corsOrigin string
}

func NewHTTPServer(versions *version.Service, registry *collab.Registry, db pinger, secret []byte, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		versions:   versions,
		registry:   registry,
		db:         db,
		secret:     secret,
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":     false,
				"status": "not_ready",
				"checks": map[string]any{"database": map[string]any{"status": "error", "error": err.Error()}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"status": "ready",
			"checks": map[string]any{"database": map[string]any{"status": "ok"}},
		})
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}

	switch segments[1] {
	case "assets":
		s.handleAssets(w, r, segments[2:])
	case "versions":
		s.handleVersions(w, r, segments[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

// /api/assets/{id}/...
func (s *HTTPServer) handleAssets(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}
	assetID := segments[0]

	switch {
	case segments[1] == "versions" && r.Method == http.MethodGet:
		s.handleListVersions(w, r, assetID)
	case segments[1] == "versions" && r.Method == http.MethodPost:
		s.handleCreateVersion(w, r, assetID)
	case segments[1] == "history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, assetID)
	case segments[1] == "users" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"users": s.registry.ActiveUsers(assetID)})
	case segments[1] == "revert" && r.Method == http.MethodPost:
		s.handleRevert(w, r, assetID)
	case segments[1] == "branches" && r.Method == http.MethodGet:
		s.handleListBranches(w, r, assetID)
	case segments[1] == "branches" && r.Method == http.MethodPost:
		s.handleCreateBranch(w, r, assetID)
	case segments[1] == "merge" && r.Method == http.MethodPost:
		s.handleMerge(w, r, assetID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

// /api/versions/{id}[/compare/{other}|/tags[/{tag}]]
func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, segments []string) {
	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		item, err := s.versions.GetVersion(r.Context(), segments[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, versionJSON(item))

	case len(segments) == 3 && segments[1] == "compare" && r.Method == http.MethodGet:
		changes, err := s.versions.CompareVersions(r.Context(), segments[0], segments[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": changes})

	case len(segments) == 2 && segments[1] == "tags" && r.Method == http.MethodPost:
		var body struct {
			Tag string `json:"tag"`
		}
		if err := decodeBody(r, &body); err != nil || body.Tag == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "tag is required")
			return
		}
		if err := s.versions.AddTag(r.Context(), segments[0], body.Tag); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(segments) == 3 && segments[1] == "tags" && r.Method == http.MethodDelete:
		if err := s.versions.RemoveTag(r.Context(), segments[0], segments[2]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, assetID string) {
	filter, err := parseVersionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	items, err := s.versions.ListVersions(r.Context(), assetID, filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versionListJSON(items)})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request, assetID string) {
	identity, err := s.identity(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		Description string         `json:"description"`
		Branch      string         `json:"branch"`
		Changes     []store.Change `json:"changes"`
		Tags        []string       `json:"tags"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	item, err := s.versions.CreateVersion(r.Context(), version.CreateVersionInput{
		AssetID:     assetID,
		UserID:      identity.UserID,
		Branch:      body.Branch,
		Description: body.Description,
		Changes:     body.Changes,
		Tags:        body.Tags,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionJSON(item))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, assetID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid limit")
			return
		}
		limit = parsed
	}
	items, err := s.registry.History(r.Context(), assetID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": items})
}

func (s *HTTPServer) handleRevert(w http.ResponseWriter, r *http.Request, assetID string) {
	identity, err := s.identity(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		VersionID string `json:"versionId"`
	}
	if err := decodeBody(r, &body); err != nil || body.VersionID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "versionId is required")
		return
	}
	item, err := s.versions.RevertToVersion(r.Context(), assetID, body.VersionID, identity.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionJSON(item))
}

func (s *HTTPServer) handleListBranches(w http.ResponseWriter, r *http.Request, assetID string) {
	items, err := s.versions.ListBranches(r.Context(), assetID)
	if err != nil {
		s.fail(w, err)
		return
	}
	branches := make([]map[string]any, 0, len(items))
	for _, item := range items {
		branches = append(branches, branchJSON(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *HTTPServer) handleCreateBranch(w http.ResponseWriter, r *http.Request, assetID string) {
	if _, err := s.identity(r); err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		Name          string `json:"name"`
		FromVersionID string `json:"fromVersionId"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}
	item, err := s.versions.CreateBranch(r.Context(), assetID, body.Name, body.FromVersionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, branchJSON(item))
}

func (s *HTTPServer) handleMerge(w http.ResponseWriter, r *http.Request, assetID string) {
	identity, err := s.identity(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := decodeBody(r, &body); err != nil || body.Source == "" || body.Target == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "source and target are required")
		return
	}
	item, err := s.versions.MergeBranches(r.Context(), assetID, body.Source, body.Target, identity.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionJSON(item))
}

func (s *HTTPServer) identity(r *http.Request) (auth.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Identity{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
	}
	identity, err := auth.ParseIdentity(s.secret, token)
	if err != nil {
		return auth.Identity{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
	}
	return identity, nil
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message)
}

func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message
	}
	switch {
	case errors.Is(err, version.ErrVersionNotFound):
		return http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found"
	case errors.Is(err, version.ErrBranchNotFound):
		return http.StatusNotFound, "BRANCH_NOT_FOUND", "Branch not found"
	case errors.Is(err, collab.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND", "No active session"
	case errors.Is(err, collab.ErrLockConflict):
		return http.StatusConflict, "LOCK_CONFLICT", "Asset is locked by another user"
	case errors.Is(err, collab.ErrNotLockOwner):
		return http.StatusForbidden, "NOT_LOCK_OWNER", "Caller does not hold the lock"
	case errors.Is(err, collab.ErrPersistence):
		return http.StatusBadGateway, "PERSISTENCE_FAILURE", "Durable store unavailable"
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal error"
}

func versionJSON(item store.Version) map[string]any {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":          item.ID,
		"assetId":     item.AssetID,
		"userId":      item.UserID,
		"branch":      item.Branch,
		"description": item.Description,
		"changes":     item.Changes,
		"tags":        tags,
		"createdAt":   item.CreatedAt,
	}
}

func versionListJSON(items []store.Version) []map[string]any {
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		result = append(result, versionJSON(item))
	}
	return result
}

func branchJSON(item store.Branch) map[string]any {
	return map[string]any{
		"assetId":       item.AssetID,
		"name":          item.Name,
		"baseVersionId": item.BaseVersionID,
		"createdAt":     item.CreatedAt,
	}
}

func parseVersionFilter(r *http.Request) (store.VersionFilter, error) {
	query := r.URL.Query()
	var filter store.VersionFilter

	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid limit")
		}
		filter.Limit = parsed
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid offset")
		}
		filter.Offset = parsed
	}
	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid from date")
		}
		filter.FromDate = &parsed
	}
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid to date")
		}
		filter.ToDate = &parsed
	}
	if raw := query.Get("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}
	if raw := query.Get("tag"); raw != "" {
		filter.Tags = append(filter.Tags, raw)
	}
	filter.Branch = query.Get("branch")
	return filter, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
