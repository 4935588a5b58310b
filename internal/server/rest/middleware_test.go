package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetwatch/dashboard/internal/projector"
)

// generateTestKey creates a fresh 2048-bit RSA key pair for testing.
func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// signToken creates a signed RS256 JWT with the given claims and private key.
func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// sessionClaims returns unexpired claims for the given role assignment.
func sessionClaims(sub, role, company, hospital string) *Claims {
	return &Claims{
		Role:         role,
		Company:      company,
		HospitalCode: hospital,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

// wrappedHandler is a trivial handler that records whether it was called.
func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireSession_MissingHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	auth := NewAuth(AuthConfig{PublicKey: pub})

	called := false
	h := auth.RequireSession(wrappedHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestRequireSession_MalformedHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	auth := NewAuth(AuthConfig{PublicKey: pub})

	called := false
	h := auth.RequireSession(wrappedHandler(&called))

	for _, bad := range []string{"Basic abc", "token-without-scheme", "Bearer ", "Bearer not.a.jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", bad)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", bad, rec.Code)
		}
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestRequireSession_RejectsBadTokens(t *testing.T) {
	priv, pub := generateTestKey(t)
	otherPriv, _ := generateTestKey(t)
	auth := NewAuth(AuthConfig{PublicKey: pub, Issuer: "fleetwatch", Audience: "dashboard"})

	good := func() *Claims {
		c := sessionClaims("ops", "admin", "", "")
		c.Issuer = "fleetwatch"
		c.Audience = jwt.ClaimStrings{"dashboard"}
		return c
	}

	expired := good()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIss := good()
	wrongIss.Issuer = "someone-else"
	wrongAud := good()
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	noRole := good()
	noRole.Role = ""
	hospitalNoCode := good()
	hospitalNoCode.Role = "hospital"

	hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, good()).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign HS256: %v", err)
	}

	cases := map[string]string{
		"expired":         signToken(t, priv, expired),
		"wrong issuer":    signToken(t, priv, wrongIss),
		"wrong audience":  signToken(t, priv, wrongAud),
		"wrong key":       signToken(t, otherPriv, good()),
		"missing role":    signToken(t, priv, noRole),
		"hospital w/o id": signToken(t, priv, hospitalNoCode),
		"HS256":           hs256,
	}
	for name, tok := range cases {
		called := false
		h := auth.RequireSession(wrappedHandler(&called))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
		if called {
			t.Errorf("%s: next handler should not have been called", name)
		}
	}

	// Control: the unmodified claims pass.
	called := false
	h := auth.RequireSession(wrappedHandler(&called))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, good()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("valid token: code %d, called %v", rec.Code, called)
	}
}

func TestRequireSession_StoresSessionInContext(t *testing.T) {
	priv, pub := generateTestKey(t)
	auth := NewAuth(AuthConfig{PublicKey: pub})

	var got projector.Session
	var ok bool
	h := auth.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tok := signToken(t, priv, sessionClaims("nurse-7", "Hospital", "", "10670"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !ok {
		t.Fatal("expected a session in context")
	}
	want := projector.Session{Subject: "nurse-7", Role: projector.RoleHospital, HospitalCode: "10670"}
	if got != want {
		t.Errorf("session = %+v, want %+v", got, want)
	}
}

func TestAuthenticate_QueryToken(t *testing.T) {
	priv, pub := generateTestKey(t)
	auth := NewAuth(AuthConfig{PublicKey: pub})

	tok := signToken(t, priv, sessionClaims("acme-ops", "company", "Acme", ""))
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil)

	s, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if s.Role != projector.RoleCompany || s.Company != "Acme" {
		t.Errorf("session = %+v", s)
	}
}

func TestRequireAgent(t *testing.T) {
	auth := NewAuth(AuthConfig{AgentKeys: []string{"k1", "", "k2"}})

	for key, want := range map[string]int{
		"":   http.StatusUnauthorized,
		"k3": http.StatusUnauthorized,
		"k1": http.StatusOK,
		"k2": http.StatusOK,
	} {
		called := false
		h := auth.RequireAgent(wrappedHandler(&called))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshots", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != want {
			t.Errorf("key %q: expected %d, got %d", key, want, rec.Code)
		}
		if called != (want == http.StatusOK) {
			t.Errorf("key %q: called = %v", key, called)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	cases := []struct {
		name    string
		session *projector.Session
		want    int
	}{
		{"no session", nil, http.StatusUnauthorized},
		{"company", &projector.Session{Role: projector.RoleCompany, Company: "Acme"}, http.StatusForbidden},
		{"admin", &projector.Session{Role: projector.RoleAdmin}, http.StatusOK},
	}
	for _, tc := range cases {
		called := false
		h := RequireAdmin(wrappedHandler(&called))
		req := httptest.NewRequest(http.MethodPut, "/api/v1/thresholds", nil)
		if tc.session != nil {
			req = req.WithContext(WithSession(req.Context(), *tc.session))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	_, pub := generateTestKey(t)

	pkix, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	for _, block := range []*pem.Block{
		{Type: "PUBLIC KEY", Bytes: pkix},
		{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)},
	} {
		got, err := ParseRSAPublicKey(pem.EncodeToMemory(block))
		if err != nil {
			t.Fatalf("%s: %v", block.Type, err)
		}
		if !got.Equal(pub) {
			t.Errorf("%s: parsed key differs", block.Type)
		}
	}

	if _, err := ParseRSAPublicKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
	if _, err := ParseRSAPublicKey(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}})); err == nil {
		t.Error("expected error for unsupported PEM type")
	}
}
