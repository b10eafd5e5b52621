package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/jobforge/appcatalog/internal/apps"
	"github.com/jobforge/appcatalog/internal/middleware"
)

// withIdentity injects a resolved identity the way the auth middleware does,
// so handlers can be exercised without minting JWTs.
func withIdentity(tenant, user string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.JWTTenantKey, tenant)
			ctx = context.WithValue(ctx, middleware.JWTUserKey, user)
			ctx = context.WithValue(ctx, middleware.OboTenantKey, tenant)
			ctx = context.WithValue(ctx, middleware.OboUserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(service *apps.Service) http.Handler {
	h := &appHandlers{service: service}
	r := mux.NewRouter()
	sub := r.PathPrefix("/v3/apps").Subrouter()
	sub.Use(withIdentity("dev", "ana"))
	sub.HandleFunc("", h.create).Methods(http.MethodPost)
	sub.HandleFunc("", h.list).Methods(http.MethodGet)
	sub.HandleFunc("/{appId}/history", h.history).Methods(http.MethodGet)
	sub.HandleFunc("/{appId}/enable", h.enable).Methods(http.MethodPut)
	sub.HandleFunc("/{appId}/disable", h.disable).Methods(http.MethodPut)
	sub.HandleFunc("/{appId}", h.get).Methods(http.MethodGet)
	sub.HandleFunc("/{appId}", h.softDelete).Methods(http.MethodDelete)
	sub.HandleFunc("/{appId}/{appVersion}", h.getVersion).Methods(http.MethodGet)
	sub.HandleFunc("/{appId}/{appVersion}", h.put).Methods(http.MethodPut)
	sub.HandleFunc("/{appId}/{appVersion}", h.patch).Methods(http.MethodPatch)
	return r
}

const createBody = `{
	"id": "word-count",
	"version": "1.0",
	"description": "counts words",
	"appType": "BATCH",
	"containerized": true,
	"runtime": "DOCKER",
	"containerImage": "registry.example.com/wordcount:1.0",
	"maxJobs": -1,
	"tags": ["text", "analysis"]
}`

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetApp(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))

	rec := do(t, router, http.MethodPost, "/v3/apps", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if gjson.Get(body, "tenant").String() != "dev" {
		t.Fatalf("tenant not taken from identity: %s", body)
	}
	if gjson.Get(body, "owner").String() != "ana" {
		t.Fatalf("owner not resolved to caller: %s", body)
	}
	// The stored -1 sentinel projects as the display maximum.
	if gjson.Get(body, "maxJobs").Int() != int64(1<<31-1) {
		t.Fatalf("maxJobs sentinel not translated: %s", body)
	}

	rec = do(t, router, http.MethodGet, "/v3/apps/word-count", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "version").String() != "1.0" {
		t.Fatalf("unexpected get body: %s", rec.Body.String())
	}
}

func TestCreateConflictStatus(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	do(t, router, http.MethodPost, "/v3/apps", createBody)
	rec := do(t, router, http.MethodPost, "/v3/apps", createBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInvalidIDStatus(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	bad := strings.Replace(createBody, "word-count", "word count", 1)
	rec := do(t, router, http.MethodPost, "/v3/apps", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetMissingAppStatus(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	rec := do(t, router, http.MethodGet, "/v3/apps/no-such-app", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListWithSelect(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	do(t, router, http.MethodPost, "/v3/apps", createBody)

	rec := do(t, router, http.MethodGet, "/v3/apps?select=summaryAttributes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	body := rec.Body.String()
	if gjson.Get(body, "metadata.totalCount").Int() != 1 {
		t.Fatalf("totalCount wrong: %s", body)
	}
	first := gjson.Get(body, "result.0")
	if !first.Get("owner").Exists() || first.Get("parameterSet").Exists() {
		t.Fatalf("summary projection wrong: %s", first.Raw)
	}
}

func TestPatchEndpoint(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	do(t, router, http.MethodPost, "/v3/apps", createBody)

	rec := do(t, router, http.MethodPatch, "/v3/apps/word-count/1.0", `{"description":"patched"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status %d: %s", rec.Code, rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "description").String() != "patched" {
		t.Fatalf("patch not reflected: %s", rec.Body.String())
	}

	rec = do(t, router, http.MethodGet, "/v3/apps/word-count/1.0", "")
	if gjson.Get(rec.Body.String(), "description").String() != "patched" {
		t.Fatalf("patch not persisted: %s", rec.Body.String())
	}
}

func TestPutVersionMismatch(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	do(t, router, http.MethodPost, "/v3/apps", createBody)

	// Body says 1.0, path says 2.0.
	rec := do(t, router, http.MethodPut, "/v3/apps/word-count/2.0", createBody)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for version mismatch, got %d", rec.Code)
	}
}

func TestPutNewVersionEndpoint(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	do(t, router, http.MethodPost, "/v3/apps", createBody)

	body := strings.Replace(createBody, `"version": "1.0"`, `"version": "2.0"`, 1)
	rec := do(t, router, http.MethodPut, "/v3/apps/word-count/2.0", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, http.MethodGet, "/v3/apps/word-count", "")
	if gjson.Get(rec.Body.String(), "version").String() != "2.0" {
		t.Fatalf("latest not advanced: %s", rec.Body.String())
	}
}

func TestEnableDisableAndHistoryEndpoints(t *testing.T) {
	router := newTestRouter(apps.NewService(apps.NewMemoryStore(), nil))
	do(t, router, http.MethodPost, "/v3/apps", createBody)

	if rec := do(t, router, http.MethodPut, "/v3/apps/word-count/disable", ""); rec.Code != http.StatusOK {
		t.Fatalf("disable status %d", rec.Code)
	}
	rec := do(t, router, http.MethodGet, "/v3/apps/word-count", "")
	if gjson.Get(rec.Body.String(), "enabled").Bool() {
		t.Fatalf("app still enabled: %s", rec.Body.String())
	}

	rec = do(t, router, http.MethodGet, "/v3/apps/word-count/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status %d", rec.Code)
	}
	ops := gjson.Get(rec.Body.String(), "result.#.operation")
	if len(ops.Array()) != 2 {
		t.Fatalf("expected create + disable history, got %s", ops.Raw)
	}
}
