package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Streams are the WebSocket endpoints mounted next to the REST API. Nil
// handlers are not mounted.
type Streams struct {
	Dashboard http.Handler // GET /ws, authenticates its own upgrade
	Agent     http.Handler // GET /ws/agent, authenticates its own upgrade
}

// NewRouter returns a configured chi.Router for the fleetwatch API.
//
// Route layout:
//
//	GET    /healthz                              – liveness + store ping (no auth)
//	GET    /ws                                   – dashboard update stream (session)
//	GET    /ws/agent                             – agent live session (agent key)
//	POST   /api/v1/snapshots                     – snapshot ingestion (agent key)
//	GET    /api/v1/processes                     – scoped flat view (session)
//	GET    /api/v1/fleet                         – grouped view (session)
//	GET    /api/v1/alerts                        – recent alerts (session)
//	GET    /api/v1/processes/{name}/history      – charting history (session)
//	PATCH  /api/v1/processes/{name}/metadata     – metadata edit (admin)
//	DELETE /api/v1/processes/{name}              – removal from monitoring (admin)
//	GET    /api/v1/thresholds                    – alert thresholds (session)
//	PUT    /api/v1/thresholds                    – alert thresholds (admin)
//	GET    /api/v1/push/vapid-public-key         – Web Push application key (session)
//	POST   /api/v1/push/subscriptions            – Web Push subscribe (session)
//	DELETE /api/v1/push/subscriptions            – Web Push unsubscribe (session)
func NewRouter(srv *Server, auth *Auth, streams Streams) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	if streams.Dashboard != nil {
		r.Method(http.MethodGet, "/ws", streams.Dashboard)
	}
	if streams.Agent != nil {
		r.Method(http.MethodGet, "/ws/agent", streams.Agent)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(auth.RequireAgent).Post("/snapshots", srv.handlePostSnapshot)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSession)

			r.Get("/processes", srv.handleGetProcesses)
			r.Get("/fleet", srv.handleGetFleet)
			r.Get("/alerts", srv.handleGetAlerts)
			r.Get("/processes/{name}/history", srv.handleGetHistory)
			r.Get("/thresholds", srv.handleGetThresholds)
			r.Get("/push/vapid-public-key", srv.handleGetVAPIDKey)
			r.Post("/push/subscriptions", srv.handlePostSubscription)
			r.Delete("/push/subscriptions", srv.handleDeleteSubscription)

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Patch("/processes/{name}/metadata", srv.handlePatchMetadata)
				r.Delete("/processes/{name}", srv.handleDeleteProcess)
				r.Put("/thresholds", srv.handlePutThresholds)
			})
		})
	})

	return r
}
