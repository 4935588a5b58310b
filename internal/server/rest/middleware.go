// Package rest provides the HTTP API of the fleetwatch server.
// This file implements authentication: RS256 JWT bearer tokens for dashboard
// sessions and static API keys for agents.
//
// # Session Tokens
//
// Dashboard requests carry
//
//	Authorization: Bearer <compact-JWT>
//
// or, for WebSocket upgrades from browsers that cannot set headers, an
// access_token query parameter. The token is verified against the configured
// RSA public key (RS256 only), its exp/iss/aud claims are checked, and the
// role, company and hospital_code claims become a [projector.Session] in the
// request context.
//
// # Agent Keys
//
// Agents send X-API-Key. Keys are compared in constant time.
//
// On any failure the middleware responds with HTTP 401 and a JSON error body;
// it does NOT call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetwatch/dashboard/internal/projector"
)

// ─── Context key ─────────────────────────────────────────────────────────────

type contextKey int

const sessionKey contextKey = 0

// ─── Public types ─────────────────────────────────────────────────────────────

// Claims is the JWT payload issued to dashboard users.
type Claims struct {
	Role         string `json:"role"`
	Company      string `json:"company,omitempty"`
	HospitalCode string `json:"hospital_code,omitempty"`
	jwt.RegisteredClaims
}

// Session converts the claims into a viewing session.
func (c *Claims) Session() projector.Session {
	return projector.Session{
		Subject:      c.Subject,
		Role:         projector.Role(strings.ToLower(c.Role)),
		Company:      c.Company,
		HospitalCode: c.HospitalCode,
	}
}

// AuthConfig holds the configuration for [Auth].
type AuthConfig struct {
	// PublicKey verifies RS256 session tokens. Required.
	PublicKey *rsa.PublicKey

	// Issuer, if non-empty, must equal the "iss" claim.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string

	// AgentKeys are the accepted X-API-Key values.
	AgentKeys []string

	// Logger records per-request authentication failures. When nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// Auth authenticates dashboard sessions and agents.
type Auth struct {
	key       *rsa.PublicKey
	parser    *jwt.Parser
	agentKeys [][]byte
	logger    *slog.Logger
}

// NewAuth creates an Auth from cfg.
func NewAuth(cfg AuthConfig) *Auth {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	a := &Auth{key: cfg.PublicKey, parser: jwt.NewParser(opts...), logger: logger}
	for _, k := range cfg.AgentKeys {
		if k != "" {
			a.agentKeys = append(a.agentKeys, []byte(k))
		}
	}
	return a
}

// ─── Context helpers ─────────────────────────────────────────────────────────

// SessionFromContext returns the session injected by [Auth.RequireSession].
func SessionFromContext(ctx context.Context) (projector.Session, bool) {
	s, ok := ctx.Value(sessionKey).(projector.Session)
	return s, ok
}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s projector.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// ─── Public-key helper ───────────────────────────────────────────────────────

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key.
// It accepts both PKCS#1 ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
	}
}

// ─── Authenticators ──────────────────────────────────────────────────────────

// Authenticate verifies the request's session token and returns the session
// it grants. The session's role assignment is validated, so a token with an
// unknown role or a missing company/hospital is rejected.
func (a *Auth) Authenticate(r *http.Request) (projector.Session, error) {
	if a.key == nil {
		return projector.Session{}, errors.New("no public key configured")
	}
	raw, err := bearerToken(r)
	if err != nil {
		return projector.Session{}, err
	}
	var claims Claims
	if _, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}); err != nil {
		return projector.Session{}, err
	}
	s := claims.Session()
	if err := s.Validate(); err != nil {
		return projector.Session{}, err
	}
	return s, nil
}

// AuthenticateAgent checks the X-API-Key header against the configured keys.
func (a *Auth) AuthenticateAgent(r *http.Request) error {
	got := []byte(r.Header.Get("X-API-Key"))
	if len(got) == 0 {
		return errors.New("missing X-API-Key header")
	}
	for _, k := range a.agentKeys {
		if subtle.ConstantTimeCompare(got, k) == 1 {
			return nil
		}
	}
	return errors.New("unknown agent key")
}

// ─── Middleware ───────────────────────────────────────────────────────────────

// RequireSession rejects requests without a valid session token and stores
// the session in the request context.
func (a *Auth) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := a.Authenticate(r)
		if err != nil {
			a.logger.Warn("jwt: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

// RequireAgent rejects requests without a valid agent key.
func (a *Auth) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.AuthenticateAgent(r); err != nil {
			a.logger.Warn("agent key rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin allows only admin sessions. It must run after RequireSession.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := SessionFromContext(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !s.IsAdmin() {
			writeJSONError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func bearerToken(r *http.Request) (string, error) {
	if raw := r.Header.Get("Authorization"); raw != "" {
		if !strings.HasPrefix(raw, "Bearer ") {
			return "", errors.New("malformed Authorization header")
		}
		token := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
		if token == "" {
			return "", errors.New("empty bearer token")
		}
		return token, nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", errors.New("missing bearer token")
}

// writeJSONError writes an HTTP error response with a JSON body.
// It sets the Content-Type header before writing the status code so that
// the header is included even when ResponseWriter buffers are flushed early.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
