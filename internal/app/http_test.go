package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"demoreel/api/internal/auth"
	"demoreel/api/internal/authpw"
	"demoreel/api/internal/demo"
	"demoreel/api/internal/export"
)

func signUpRequest(addr string) authpw.SignUpRequest {
	return authpw.SignUpRequest{
		Email:       addr,
		Password:    "correct horse",
		DisplayName: "Nova Kim",
		Company:     "Kim Labs",
	}
}

func doRequest(t *testing.T, server *HTTPServer, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodePayload(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func bearerFor(t *testing.T, h *harness, ownerID string) map[string]string {
	t.Helper()
	owner, err := h.owners.GetOwnerByID(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("owner %s: %v", ownerID, err)
	}
	session, err := h.svc.issueSession(context.Background(), owner)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + session.Token}
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")

	rr := doRequest(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	rr = doRequest(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d body=%s", rr.Code, rr.Body.String())
	}

	h.owners.pingErr = errors.New("connection refused")
	rr = doRequest(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	checks, _ := decodePayload(t, rr)["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "error" {
		t.Fatalf("expected database check to fail, got %v", checks)
	}
	dynamo, _ := checks["dynamodb"].(map[string]any)
	if dynamo["status"] != "ok" {
		t.Fatalf("expected dynamodb check ok, got %v", checks)
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newHarness(t).svc, "*")
	rr := doRequest(t, server, http.MethodGet, "/api/demos", "", nil)
	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")

	token, err := auth.NewSigner([]byte("test-secret")).Issue(auth.Claims{
		Sub: "owner-1",
		JTI: "jti-expired",
		Exp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rr := doRequest(t, server, http.MethodGet, "/api/demos", "", map[string]string{"Authorization": "Bearer " + token})
	assertUnauthorizedCode(t, rr)
}

func TestPublicRoutesRequireAPIKey(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")
	meta := h.publishedDemo(t, "owner-1", "Viewer demo")

	rr := doRequest(t, server, http.MethodGet, "/public/demos/"+meta.DemoID, "", nil)
	assertUnauthorizedCode(t, rr)

	rr = doRequest(t, server, http.MethodGet, "/public/demos/"+meta.DemoID, "", map[string]string{"X-Api-Key": "wrong"})
	assertUnauthorizedCode(t, rr)

	rr = doRequest(t, server, http.MethodGet, "/public/demos/"+meta.DemoID, "", map[string]string{"X-Api-Key": "viewer-key"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var items demo.Items
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("parse items: %v", err)
	}
	if items.Metadata == nil || items.Metadata.Name != "Viewer demo" || len(items.Steps) != 2 {
		t.Fatalf("unexpected public items: %+v", items)
	}

	rr = doRequest(t, server, http.MethodPost, "/public/demos/"+meta.DemoID+"/leads",
		`{"email":"viewer@buyer.test","fields":{"email":"viewer@buyer.test"}}`,
		map[string]string{"X-Api-Key": "viewer-key", "Referer": "https://blog.test/post"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	leads, _ := h.leads.ListByDemo(context.Background(), meta.DemoID)
	if len(leads) != 1 || leads[0].Referrer != "https://blog.test/post" {
		t.Fatalf("expected lead with referrer, got %+v", leads)
	}
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")

	rr := doRequest(t, server, http.MethodPost, "/api/auth/signup",
		`{"email":"flow@owner.test","password":"correct horse","displayName":"Flow Owner"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := decodePayload(t, rr)["devVerificationToken"].(string)
	if token == "" {
		t.Fatalf("expected dev verification token without SMTP")
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/signup",
		`{"email":"flow@owner.test","password":"correct horse","displayName":"Again"}`, nil)
	if rr.Code != http.StatusConflict || decodePayload(t, rr)["code"] != "EMAIL_EXISTS" {
		t.Fatalf("expected EMAIL_EXISTS, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/verify-email", `{"token":"`+token+`"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/signin", `{"email":"flow@owner.test","password":"wrong password"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/signin", `{"email":"flow@owner.test","password":"correct horse"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	access, _ := decodePayload(t, rr)["accessToken"].(string)

	rr = doRequest(t, server, http.MethodPost, "/api/demos", `{"name":"First demo"}`, map[string]string{"Authorization": "Bearer " + access})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create demo: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/api/session", "", map[string]string{"Authorization": "Bearer " + access})
	if decodePayload(t, rr)["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %s", rr.Body.String())
	}
}

func TestResetPasswordReturnsDevToken(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")

	rr := doRequest(t, server, http.MethodPost, "/api/auth/reset-password/request", `{"email":"ada@example.com"}`, nil)
	token, _ := decodePayload(t, rr)["devResetToken"].(string)
	if token == "" {
		t.Fatalf("expected dev reset token, got %s", rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/reset-password", `{"token":"`+token+`","newPassword":"short"}`, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for short password, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/reset-password", `{"token":"`+token+`","newPassword":"much longer now"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/reset-password/request", `{"email":"nobody@example.com"}`, nil)
	if _, ok := decodePayload(t, rr)["devResetToken"]; ok {
		t.Fatalf("expected no token for unknown email")
	}
}

func TestDemoLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")
	ownerAuth := bearerFor(t, h, "owner-1")

	rr := doRequest(t, server, http.MethodPost, "/api/demos", `{"name":"HTTP demo"}`, ownerAuth)
	created, _ := decodePayload(t, rr)["demo"].(map[string]any)
	demoID, _ := created["demoId"].(string)
	if demoID == "" {
		t.Fatalf("expected demo id, got %s", rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/demos/"+demoID+"/steps",
		`{"order":0,"pageUrl":"https://acme.test/start","s3Key":"k0","hotspots":[{"id":"h1","xNorm":0.4,"yNorm":0.4,"width":0.1,"height":0.1}]}`, ownerAuth)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create step: %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/demos/"+demoID+"/steps", `{"order":0,"pageUrl":"https://acme.test/dup"}`, ownerAuth)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for taken order, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPut, "/api/demos/"+demoID, `{"leadStepIndex":0}`, ownerAuth)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, server, http.MethodPut, "/api/demos/"+demoID, `{"leadStepIndex":null}`, ownerAuth)
	updated, _ := decodePayload(t, rr)["demo"].(map[string]any)
	if updated["leadStepIndex"] != nil {
		t.Fatalf("expected leadStepIndex cleared, got %v", updated["leadStepIndex"])
	}

	rr = doRequest(t, server, http.MethodPut, "/api/demos/"+demoID+"/status", `{"status":"live"}`, ownerAuth)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad status, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodPut, "/api/demos/"+demoID+"/status", `{"status":"published"}`, ownerAuth)
	if rr.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", rr.Code, rr.Body.String())
	}
	if h.mirror.count(demoID) != 2 {
		t.Fatalf("expected mirrored demo, got %d items", h.mirror.count(demoID))
	}

	otherAuth := bearerFor(t, h, "owner-2")
	rr = doRequest(t, server, http.MethodDelete, "/api/demos/"+demoID, "", otherAuth)
	if rr.Code != http.StatusForbidden || decodePayload(t, rr)["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 for non-owner, got %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodDelete, "/api/demos/"+demoID, "", ownerAuth)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, server, http.MethodGet, "/api/demos/"+demoID, "", ownerAuth)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestDemoLeadsRouteReportsDeletedDemo(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")
	meta := h.publishedDemo(t, "owner-1", "Gone Soon")
	ctx := context.Background()

	if _, err := h.svc.SubmitLead(ctx, meta.DemoID, LeadInput{Email: "x@y.test"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, _ = h.svc.DeletePublicMirror(ctx, "owner-1", meta.DemoID)
	_, _ = h.svc.DeleteDemo(ctx, "owner-1", meta.DemoID)

	rr := doRequest(t, server, http.MethodGet, "/api/demos/"+meta.DemoID+"/leads", "", bearerFor(t, h, "owner-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	if payload["isDemoDeleted"] != true || payload["demoName"] != "Gone Soon" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/leads", "", bearerFor(t, h, "owner-1"))
	leads, _ := decodePayload(t, rr)["leads"].([]any)
	if len(leads) != 1 {
		t.Fatalf("expected one lead across demos, got %d", len(leads))
	}
}

func TestExportRouteStreamsPDF(t *testing.T) {
	h := newHarness(t)
	h.svc.exporter = fakeExporter{exportFn: func(demoID string) (*export.Result, error) {
		return &export.Result{Data: []byte("%PDF-1.7"), Filename: "walkthrough.pdf", MimeType: "application/pdf"}, nil
	}}
	server := NewHTTPServer(h.svc, "*")
	meta, _ := h.svc.CreateDemo(context.Background(), "owner-1", "Export me")

	rr := doRequest(t, server, http.MethodGet, "/api/demos/"+meta.DemoID+"/export", "", bearerFor(t, h, "owner-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("expected pdf content type, got %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "walkthrough.pdf") {
		t.Fatalf("expected filename in disposition")
	}
	if rr.Body.String() != "%PDF-1.7" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}

	h.svc.exporter = fakeExporter{exportFn: func(string) (*export.Result, error) { return nil, export.ErrNoSteps }}
	rr = doRequest(t, server, http.MethodGet, "/api/demos/"+meta.DemoID+"/export", "", bearerFor(t, h, "owner-1"))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty demo, got %d", rr.Code)
	}
}

func TestLeadSettingsRoute(t *testing.T) {
	h := newHarness(t)
	server := NewHTTPServer(h.svc, "*")
	ownerAuth := bearerFor(t, h, "owner-1")

	rr := doRequest(t, server, http.MethodPut, "/api/lead-settings",
		`{"leadConfig":{"title":"Hi","fields":[{"kind":"email","key":"email","label":"Email","required":true}]}}`, ownerAuth)
	if rr.Code != http.StatusOK {
		t.Fatalf("save: %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/api/lead-settings", "", ownerAuth)
	settings, _ := decodePayload(t, rr)["settings"].(map[string]any)
	cfg, _ := settings["leadConfig"].(map[string]any)
	if cfg["title"] != "Hi" {
		t.Fatalf("expected saved title, got %v", settings)
	}

	rr = doRequest(t, server, http.MethodPut, "/api/lead-settings", `{"leadConfig":{"fields":[{"kind":"rainbow","key":"x"}]}}`, ownerAuth)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", demo.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"wrapped not found", errors.Join(errors.New("load"), demo.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"conflict", demo.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"forbidden", forbidden(), http.StatusForbidden, "FORBIDDEN"},
		{"expired", auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"credentials", authpw.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"validation", &authpw.ValidationError{Field: "email", Message: "is required"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("expected %d %s, got %d %s", tt.status, tt.code, status, code)
			}
		})
	}
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if decodePayload(t, rr)["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %s", rr.Body.String())
	}
}

func TestDecodeMetadataPatchNulls(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		clearStep bool
		clearForm bool
		hasForm   bool
	}{
		{"absent", `{"name":"Tour"}`, false, false, false},
		{"null lead step", `{"leadStepIndex":null}`, true, false, false},
		{"null lead config", `{"leadConfig":null,"leadUseGlobal":true}`, false, true, false},
		{"lead config object", `{"leadConfig":{"title":"Talk to us","fields":[]}}`, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPut, "/api/demos/d1", strings.NewReader(tt.body))
			patch, err := decodeMetadataPatch(r)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if patch.ClearLeadStep != tt.clearStep || patch.ClearLeadConfig != tt.clearForm || (patch.LeadConfig != nil) != tt.hasForm {
				t.Fatalf("unexpected patch: %+v", patch)
			}
		})
	}

	r := httptest.NewRequest(http.MethodPut, "/api/demos/d1", strings.NewReader(`{"leadConfig":"nope"}`))
	if _, err := decodeMetadataPatch(r); err == nil {
		t.Fatal("expected an error for a non-object leadConfig")
	}
}
