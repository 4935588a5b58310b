package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestRouter_HealthzNoAuth verifies /healthz is accessible without a JWT.
func TestRouter_HealthzNoAuth(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestRouter_APIRoutesRequireJWT verifies that every session route returns
// 401 when no Authorization header is present.
func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	env := newTestEnv(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/processes"},
		{http.MethodGet, "/api/v1/fleet"},
		{http.MethodGet, "/api/v1/alerts"},
		{http.MethodGet, "/api/v1/processes/HOSxPXE.exe/history"},
		{http.MethodGet, "/api/v1/thresholds"},
		{http.MethodPut, "/api/v1/thresholds"},
		{http.MethodPatch, "/api/v1/processes/HOSxPXE.exe/metadata"},
		{http.MethodDelete, "/api/v1/processes/HOSxPXE.exe"},
	}
	for _, route := range routes {
		if rec := env.do(route.method, route.path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without JWT, got %d", route.method, route.path, rec.Code)
		}
	}
}

// TestRouter_APIRoutesAccessibleWithJWT verifies that a valid JWT passes the
// middleware and routes proceed to the handler.
func TestRouter_APIRoutesAccessibleWithJWT(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.token("hospital", "", "10670")

	for _, path := range []string{"/api/v1/processes", "/api/v1/fleet", "/api/v1/alerts", "/api/v1/thresholds"} {
		if rec := env.do(http.MethodGet, path, bearer, ""); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200 with valid JWT, got %d; body: %s", path, rec.Code, rec.Body)
		}
	}
}

// TestRouter_MountsStreams verifies the WebSocket endpoints are routed to the
// supplied handlers and left unmounted when nil.
func TestRouter_MountsStreams(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(Deps{Store: env.store})
	auth := NewAuth(AuthConfig{})

	hit := ""
	stream := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = name
			w.WriteHeader(http.StatusTeapot)
		})
	}

	h := NewRouter(srv, auth, Streams{Dashboard: stream("dashboard"), Agent: stream("agent")})
	for path, want := range map[string]string{"/ws": "dashboard", "/ws/agent": "agent"} {
		hit = ""
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusTeapot || hit != want {
			t.Errorf("%s: code %d, hit %q", path, rec.Code, hit)
		}
	}

	bare := NewRouter(srv, auth, Streams{})
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unmounted /ws: expected 404, got %d", rec.Code)
	}
}
