package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"demoreel/api/internal/auth"
	"demoreel/api/internal/authpw"
	"demoreel/api/internal/demo"
	"demoreel/api/internal/rbac"
	"demoreel/api/internal/search"
)

const maxAssetBytes = 10 << 20

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

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ping(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify-email" {
		s.handleAuthVerifyEmail(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		s.handleAuthRequestReset(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		s.handleAuthResetPassword(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "ownerName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "ownerName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"ownerName":     session.OwnerName,
			"ownerId":       session.OwnerID,
			"email":         session.Email,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			status, code, message, details := mapError(err)
			if status == http.StatusInternalServerError {
				s.service.logger.Error("refresh session", "error", err)
			}
			writeError(w, status, code, message, details)
			return
		}
		writeSession(w, http.StatusOK, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "public" && parts[1] == "demos" {
		if !s.service.PublicKeyValid(r.Header.Get("X-Api-Key")) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key", nil)
			return
		}
		s.handlePublicDemo(w, r, parts[2], parts[3:])
		return
	}

	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "demos":
		if len(parts) == 2 {
			s.handleDemoCollection(w, r, session)
			return
		}
		if len(parts) == 3 && parts[2] == "search" && r.Method == http.MethodGet {
			s.handleSearch(w, r, session)
			return
		}
		s.handleDemo(w, r, session, parts[2], parts[3:])
		return

	case "leads":
		if len(parts) == 2 && r.Method == http.MethodGet {
			if !s.service.Can(session.Role, rbac.ActionReadLeads) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			leads, err := s.service.ListAllMyLeads(r.Context(), session.OwnerID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
			return
		}

	case "lead-settings":
		if len(parts) != 2 {
			break
		}
		if r.Method == http.MethodGet {
			settings, err := s.service.GetLeadSettings(r.Context(), session.OwnerID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
			return
		}
		if r.Method == http.MethodPut {
			var body struct {
				LeadConfig demo.LeadConfig `json:"leadConfig"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			settings, err := s.service.SaveLeadSettings(r.Context(), session.OwnerID, body.LeadConfig)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePublicDemo(w http.ResponseWriter, r *http.Request, demoID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		items, err := s.service.ListPublicDemoItems(r.Context(), demoID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if len(rest) == 1 && rest[0] == "leads" && r.Method == http.MethodPost {
		var input LeadInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input.UserAgent = r.UserAgent()
		input.Referrer = r.Referer()
		lead, err := s.service.SubmitLead(r.Context(), demoID, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "itemSK": lead.ItemSK})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDemoCollection(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		demos, err := s.service.ListMyDemos(r.Context(), session.OwnerID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"demos": demos})
	case http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionEditDemo) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		meta, err := s.service.CreateDemo(r.Context(), session.OwnerID, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"demo": meta})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	q := search.Query{
		Text:   strings.TrimSpace(query.Get("q")),
		Status: strings.TrimSpace(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			q.Limit = parsed
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			q.Offset = parsed
		}
	}
	resp, err := s.service.SearchMyDemos(r.Context(), session.OwnerID, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleDemo(w http.ResponseWriter, r *http.Request, session Session, demoID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.GetDemo(ctx, session.OwnerID, demoID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, items)
			return
		case http.MethodPut:
			if !s.service.Can(session.Role, rbac.ActionEditDemo) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			patch, err := decodeMetadataPatch(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			meta, err := s.service.UpdateDemo(ctx, session.OwnerID, demoID, patch)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"demo": meta})
			return
		case http.MethodDelete:
			if !s.service.Can(session.Role, rbac.ActionEditDemo) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			deleted, err := s.service.DeleteDemo(ctx, session.OwnerID, demoID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
			return
		}
	}

	if len(rest) == 1 && rest[0] == "status" && r.Method == http.MethodPut {
		if !s.service.Can(session.Role, rbac.ActionPublish) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		status, ok := demo.ParseStatus(body.Status)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be DRAFT or PUBLISHED", map[string]any{"field": "status"})
			return
		}
		meta, err := s.service.SetDemoStatus(ctx, session.OwnerID, demoID, status)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"demo": meta})
		return
	}

	if len(rest) == 1 && rest[0] == "mirror" {
		if !s.service.Can(session.Role, rbac.ActionPublish) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		switch r.Method {
		case http.MethodPost:
			if err := s.service.MirrorDemoToPublic(ctx, session.OwnerID, demoID, nil); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			deleted, err := s.service.DeletePublicMirror(ctx, session.OwnerID, demoID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
			return
		}
	}

	if len(rest) == 1 && rest[0] == "steps" && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionEditDemo) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var step demo.Step
		if err := decodeBody(r, &step); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateDemoStep(ctx, session.OwnerID, demoID, step)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"step": created})
		return
	}

	if len(rest) == 2 && rest[0] == "steps" && r.Method == http.MethodPut {
		if !s.service.Can(session.Role, rbac.ActionEditDemo) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Order          *int            `json:"order"`
			PageURL        *string         `json:"pageUrl"`
			ThumbnailS3Key *string         `json:"thumbnailS3Key"`
			Hotspots       *[]demo.Hotspot `json:"hotspots"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		step, err := s.service.UpdateDemoStep(ctx, session.OwnerID, demoID, rest[1], demo.StepPatch{
			Order:          body.Order,
			PageURL:        body.PageURL,
			ThumbnailS3Key: body.ThumbnailS3Key,
			Hotspots:       body.Hotspots,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"step": step})
		return
	}

	if len(rest) == 1 && rest[0] == "assets" && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionEditDemo) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAssetBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "Screenshot exceeds 10 MB", nil)
			return
		}
		asset, err := s.service.UploadStepAsset(ctx, session.OwnerID, demoID, r.Header.Get("Content-Type"), bytes.NewReader(data), int64(len(data)))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, asset)
		return
	}

	if len(rest) == 1 && rest[0] == "leads" && r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionReadLeads) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		result, err := s.service.ListLeadSubmissionsSmartly(ctx, session.OwnerID, demoID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionExport) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		result, err := s.service.ExportDemoPDF(ctx, session.OwnerID, demoID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// decodeMetadataPatch reads the editor's Save body. An explicit
// "leadStepIndex": null clears the lead step and "leadConfig": null drops the
// demo's own form.
func decodeMetadataPatch(r *http.Request) (demo.MetadataPatch, error) {
	var body struct {
		Name          *string            `json:"name"`
		LeadStepIndex json.RawMessage    `json:"leadStepIndex"`
		LeadConfig    json.RawMessage    `json:"leadConfig"`
		HotspotStyle  *demo.HotspotStyle `json:"hotspotStyle"`
		LeadUseGlobal *bool              `json:"leadUseGlobal"`
	}
	if err := decodeBody(r, &body); err != nil {
		return demo.MetadataPatch{}, err
	}

	patch := demo.MetadataPatch{
		Name:          body.Name,
		HotspotStyle:  body.HotspotStyle,
		LeadUseGlobal: body.LeadUseGlobal,
	}
	switch raw := strings.TrimSpace(string(body.LeadStepIndex)); raw {
	case "":
	case "null":
		patch.ClearLeadStep = true
	default:
		var index int
		if err := json.Unmarshal(body.LeadStepIndex, &index); err != nil {
			return demo.MetadataPatch{}, fmt.Errorf("leadStepIndex must be an integer or null")
		}
		patch.LeadStepIndex = &index
	}
	switch raw := strings.TrimSpace(string(body.LeadConfig)); raw {
	case "":
	case "null":
		patch.ClearLeadConfig = true
	default:
		var cfg demo.LeadConfig
		if err := json.Unmarshal(body.LeadConfig, &cfg); err != nil {
			return demo.MetadataPatch{}, fmt.Errorf("leadConfig must be an object or null")
		}
		patch.LeadConfig = &cfg
	}
	return patch, nil
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.logger.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		var de *DomainError
		if errors.As(err, &de) {
			writeError(w, de.Status, de.Code, de.Message, de.Details)
			return Session{}, false
		}
		s.service.logger.Error("session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Api-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeSession(w http.ResponseWriter, status int, session Session) {
	writeJSON(w, status, map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"ownerId":      session.OwnerID,
		"ownerName":    session.OwnerName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return ""
	}
	return token
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *authpw.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}
	}
	switch {
	case errors.Is(err, demo.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, demo.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_TOKEN", "Invalid or expired token", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// Auth handlers for email/password authentication

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		Company     string `json:"company"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
		Company:     body.Company,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	response := map[string]any{
		"ownerId": resp.Owner.ID,
		"message": "Please check your email to verify your account",
	}
	// Without SMTP the token is handed back so local sign-up still works.
	if !s.service.MailConfigured() {
		response["devVerificationToken"] = resp.VerificationToken
		response["message"] = "Account created. Verify your email to continue."
	}

	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSession(w, http.StatusOK, session)
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	owner, err := s.service.VerifyEmail(r.Context(), body.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Email verified successfully",
		"ownerId": owner.ID,
	})
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, err := s.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	if !s.service.MailConfigured() && token != "" {
		response["devResetToken"] = token
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}
