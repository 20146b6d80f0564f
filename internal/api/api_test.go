package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/starford/modelshift/internal/change"
	"github.com/starford/modelshift/internal/inference"
	"github.com/starford/modelshift/internal/models"
	"github.com/starford/modelshift/internal/repository"
	"github.com/starford/modelshift/internal/testutil"
)

// testEnv sets up a fake repository with one project, an engine driven by
// inferer, and the router under the given auth configuration.
func testEnv(t *testing.T, inferer inference.Inferer, auth AuthConfig) (*testutil.FakeRepository, http.Handler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := testutil.NewFakeRepository(t)
	fake.AddProject("P", "Drone", "main", "C0",
		models.Element{"@id": "A", "@type": "Package", "name": "Utilities"},
		models.Element{"@id": "B", "@type": "PartDefinition", "name": "Motor", "owner": map[string]any{"@id": "A"}},
	)
	repo := repository.New(fake.URL(), repository.WithLogger(logger))
	engine := change.NewEngine(repo, inferer, change.WithLogger(logger))
	return fake, NewRouter(engine, repo, auth, nil)
}

func postChange(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestApplyChange(t *testing.T) {
	inferer := testutil.NewScriptedInferer(
		testutil.Op(inference.OpUpdate, map[string]any{"element_id": "A", "attrs": map[string]any{"name": "Core"}}),
	)
	fake, router := testEnv(t, inferer, AuthConfig{Mode: AuthDisabled})

	w := postChange(t, router, "/projects/P/branches/main/change", `{"change_request":"Rename Utilities to Core"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("change = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[ChangeResult](t, w)
	if res.Status != change.StatusSuccess {
		t.Errorf("status = %q, want success", res.Status)
	}
	if res.CommitID != "C1" {
		t.Errorf("commit_id = %q, want C1", res.CommitID)
	}
	if res.Metadata.ProjectID != "P" || res.Metadata.BranchID != "main" {
		t.Errorf("metadata = %+v", res.Metadata)
	}
	if res.Tokens == nil || res.Tokens.InputApproach == 0 {
		t.Errorf("tokens = %+v, want populated", res.Tokens)
	}
	if fake.Head("P", "main") != "C1" {
		t.Errorf("remote head = %q, want C1", fake.Head("P", "main"))
	}
}

func TestApplyChange_BadRequest(t *testing.T) {
	inferer := testutil.NewScriptedInferer()
	fake, router := testEnv(t, inferer, AuthConfig{Mode: AuthDisabled})

	tests := []struct {
		name string
		body string
	}{
		{"missing field", `{}`},
		{"blank request", `{"change_request":"   "}`},
		{"invalid json", `{"change_request":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChange(t, router, "/projects/P/branches/main/change", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("change = %d, want 400", w.Code)
			}
			if body := decode[errResponse](t, w); body.Error == "" {
				t.Error("error message is empty")
			}
		})
	}
	if n := len(inferer.Requests()); n != 0 {
		t.Errorf("inferer called %d times, want 0", n)
	}
	if n := len(fake.Pushes()); n != 0 {
		t.Errorf("got %d commits, want 0", n)
	}
}

func TestApplyChange_ErrorResult(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		inferer *testutil.ScriptedInferer
	}{
		{"unknown branch", "/projects/P/branches/nope/change", testutil.NewScriptedInferer()},
		{"inference failure", "/projects/P/branches/main/change", testutil.NewScriptedInferer().FailWith(errors.New("model offline"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := testEnv(t, tt.inferer, AuthConfig{Mode: AuthDisabled})
			w := postChange(t, router, tt.path, `{"change_request":"Add a package"}`)
			if w.Code != http.StatusInternalServerError {
				t.Fatalf("change = %d, want 500", w.Code)
			}
			res := decode[ChangeResult](t, w)
			if res.Status != change.StatusError || res.Error == "" {
				t.Errorf("result = %+v, want error status with message", res)
			}
			if res.Tokens != nil {
				t.Errorf("tokens = %+v, want omitted", res.Tokens)
			}
		})
	}
}

func TestCheckBranch(t *testing.T) {
	_, router := testEnv(t, testutil.NewScriptedInferer(), AuthConfig{Mode: AuthDisabled})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"existing", "/projects/P/branches/main", http.StatusOK},
		{"missing project", "/projects/Q/branches/main", http.StatusNotFound},
		{"missing branch", "/projects/P/branches/dev", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("check = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			st := decode[BranchStatus](t, w)
			if st.ProjectName != "Drone" || st.BranchName != "main" || st.Head != "C0" {
				t.Errorf("status = %+v", st)
			}
		})
	}
}

func TestPreviewContext(t *testing.T) {
	inferer := testutil.NewScriptedInferer()
	fake, router := testEnv(t, inferer, AuthConfig{Mode: AuthDisabled})

	req := httptest.NewRequest(http.MethodGet, "/projects/P/branches/main/context?change_request=motor", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("preview = %d, body = %s", w.Code, w.Body.String())
	}
	p := decode[ContextPreview](t, w)
	if p.Head != "C0" {
		t.Errorf("head = %q, want C0", p.Head)
	}
	if p.Indexed != 2 || p.Fingerprint == "" {
		t.Errorf("indexed = %d fingerprint = %q, want 2 documents and a fingerprint", p.Indexed, p.Fingerprint)
	}
	if len(p.Matches) == 0 || len(p.Matches) > len(p.Elements) {
		t.Errorf("matches = %v, elements = %v", p.Matches, p.Elements)
	}
	if !strings.Contains(p.Context, "Motor") {
		t.Errorf("context missing Motor: %q", p.Context)
	}
	if len(inferer.Requests()) != 0 || len(fake.Pushes()) != 0 {
		t.Error("preview must not infer or commit")
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/P/branches/main/context", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("preview without query = %d, want 400", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/Q/branches/main/context?change_request=x", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("preview of missing project = %d, want 404", w.Code)
	}
}

func TestListTypes(t *testing.T) {
	_, router := testEnv(t, testutil.NewScriptedInferer(), AuthConfig{Mode: AuthDisabled})

	req := httptest.NewRequest(http.MethodGet, "/types", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("types = %d", w.Code)
	}
	body := decode[TypesResponse](t, w)
	found := false
	for _, typ := range body.Types {
		if typ.Type == "PartUsage" {
			found = true
		}
	}
	if !found {
		t.Errorf("types %+v missing PartUsage", body.Types)
	}
	if len(body.Handlers) != 1 || body.Handlers[0] != "PartUsage" {
		t.Errorf("handlers = %v, want [PartUsage]", body.Handlers)
	}
}

func signed(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		cfg    AuthConfig
		header string
		want   int
	}{
		{"disabled", AuthConfig{Mode: AuthDisabled}, "", http.StatusOK},
		{"empty mode", AuthConfig{}, "", http.StatusOK},
		{"token valid", AuthConfig{Mode: AuthToken, Token: "tok"}, "Bearer tok", http.StatusOK},
		{"token missing", AuthConfig{Mode: AuthToken, Token: "tok"}, "", http.StatusUnauthorized},
		{"token wrong", AuthConfig{Mode: AuthToken, Token: "tok"}, "Bearer nope", http.StatusUnauthorized},
		{"token not bearer", AuthConfig{Mode: AuthToken, Token: "tok"}, "tok", http.StatusUnauthorized},
		{"jwt valid", AuthConfig{Mode: AuthJWT, JWTSecret: "s3cret"}, "Bearer " + signed(t, "s3cret", jwt.SigningMethodHS256, future), http.StatusOK},
		{"jwt wrong secret", AuthConfig{Mode: AuthJWT, JWTSecret: "s3cret"}, "Bearer " + signed(t, "other", jwt.SigningMethodHS256, future), http.StatusUnauthorized},
		{"jwt expired", AuthConfig{Mode: AuthJWT, JWTSecret: "s3cret"}, "Bearer " + signed(t, "s3cret", jwt.SigningMethodHS256, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"jwt other algorithm", AuthConfig{Mode: AuthJWT, JWTSecret: "s3cret"}, "Bearer " + signed(t, "s3cret", jwt.SigningMethodHS512, future), http.StatusUnauthorized},
		{"jwt garbage", AuthConfig{Mode: AuthJWT, JWTSecret: "s3cret"}, "Bearer not.a.jwt", http.StatusUnauthorized},
		{"jwt without secret", AuthConfig{Mode: AuthJWT}, "Bearer " + signed(t, "x", jwt.SigningMethodHS256, future), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AuthMiddleware(tt.cfg)(ok).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestApplyChange_AuthProtected(t *testing.T) {
	_, router := testEnv(t, testutil.NewScriptedInferer(), AuthConfig{Mode: AuthToken, Token: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/projects/P/branches/main/change", bytes.NewBufferString(`{"change_request":"x"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("change without token = %d, want 401", w.Code)
	}
}

// testEnvWithSSE creates a router with a stub SSE handler to test auth on /events.
func testEnvWithSSE(t *testing.T, auth AuthConfig) http.Handler {
	t.Helper()
	sseHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	repo := repository.New("http://127.0.0.1:0")
	engine := change.NewEngine(repo, testutil.NewScriptedInferer())
	return NewRouter(engine, repo, auth, sseHandler)
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	router := testEnvWithSSE(t, AuthConfig{Mode: AuthToken, Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	router := testEnvWithSSE(t, AuthConfig{Mode: AuthToken, Token: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d, want 200", w.Code)
	}
}
