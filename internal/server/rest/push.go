package rest

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/fleetwatch/dashboard/internal/projector"
	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// subscriptionRequest is a browser PushSubscription as serialised by
// PushSubscription.toJSON, plus an optional user agent.
type subscriptionRequest struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	UserAgent string `json:"user_agent"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// handleGetVAPIDKey responds to GET /api/v1/push/vapid-public-key with the
// application server key browsers subscribe with.
func (s *Server) handleGetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.vapidKey == "" {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": s.vapidKey})
}

// handlePostSubscription responds to POST /api/v1/push/subscriptions. The
// subscription inherits the caller's scope, so a hospital session only
// receives its own hospital's alerts.
func (s *Server) handlePostSubscription(w http.ResponseWriter, r *http.Request) {
	if s.vapidKey == "" {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	var req subscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if u, err := url.Parse(req.Endpoint); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "'endpoint' must be an http(s) URL")
		return
	}
	if strings.TrimSpace(req.Keys.P256dh) == "" || strings.TrimSpace(req.Keys.Auth) == "" {
		writeError(w, http.StatusBadRequest, "'keys.p256dh' and 'keys.auth' are required")
		return
	}

	sess, _ := SessionFromContext(r.Context())
	if sess.Validate() != nil {
		writeError(w, http.StatusForbidden, "session has no valid scope")
		return
	}
	sub := storage.PushSubscription{
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UserAgent: req.UserAgent,
		CreatedAt: s.now(),
	}
	switch sess.Role {
	case projector.RoleHospital:
		sub.HospitalCode = sess.HospitalCode
	case projector.RoleCompany:
		sub.CompanyName = sess.Company
	}
	if err := s.store.SavePushSubscription(r.Context(), sub); err != nil {
		s.storeError(w, "save push subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// handleDeleteSubscription responds to DELETE /api/v1/push/subscriptions
// with a body naming the endpoint to forget.
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	removed, err := s.store.DeletePushSubscription(r.Context(), req.Endpoint)
	if err != nil {
		s.storeError(w, "delete push subscription", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
