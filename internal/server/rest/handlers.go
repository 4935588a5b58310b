package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetwatch/dashboard/internal/audit"
	"github.com/fleetwatch/dashboard/internal/config"
	"github.com/fleetwatch/dashboard/internal/ingest"
	"github.com/fleetwatch/dashboard/internal/projector"
	"github.com/fleetwatch/dashboard/internal/server/storage"
	"github.com/fleetwatch/dashboard/internal/staleness"
)

const (
	maxAlertLimit   = 1000
	maxHistoryLimit = 1000
	maxBodyBytes    = 64 << 10
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field. It is a thin wrapper around writeJSONError for use in handler
// functions.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Deps are the collaborators of a Server. Audit may be nil. An empty
// VAPIDPublicKey disables the Web Push subscription endpoints.
type Deps struct {
	Store          Store
	Ingestor       Ingestor
	Merger         Merger
	Audit          Auditor
	Offline        staleness.Detector
	Logger         *slog.Logger
	VAPIDPublicKey string
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store    Store
	ingestor Ingestor
	merger   Merger
	audit    Auditor
	offline  staleness.Detector
	logger   *slog.Logger
	vapidKey string
	now      func() time.Time
}

// NewServer creates a Server from d.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    d.Store,
		ingestor: d.Ingestor,
		merger:   d.Merger,
		audit:    d.Audit,
		offline:  d.Offline,
		logger:   logger,
		vapidKey: d.VAPIDPublicKey,
		now:      time.Now,
	}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication. It returns 200 when the
// store answers a ping and 503 otherwise, so orchestrators can tell a live
// process with a dead database apart from a healthy one.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePostSnapshot responds to POST /api/v1/snapshots.
//
// Returns 400 for a rejected snapshot (nothing is written), 503 when the
// store could not complete the write, and 200 with the ingest result.
func (s *Server) handlePostSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := ingest.Decode(r.Body)
	if err == nil {
		var res ingest.Result
		res, err = s.ingestor.Ingest(r.Context(), snap)
		if err == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "fleet store unavailable")
	default:
		s.logger.Error("rest: ingest failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to ingest snapshot")
	}
}

// processesResponse is the body of GET /api/v1/processes.
type processesResponse struct {
	Processes        []projector.ProcessView `json:"processes"`
	Totals           projector.Aggregates    `json:"totals"`
	StoreUnavailable bool                    `json:"store_unavailable"`
	LiveUnavailable  bool                    `json:"live_unavailable"`
	ScopeViolation   bool                    `json:"scope_violation,omitempty"`
}

// fleetResponse is the body of GET /api/v1/fleet.
type fleetResponse struct {
	projector.View
	StoreUnavailable bool `json:"store_unavailable"`
	LiveUnavailable  bool `json:"live_unavailable"`
}

// project merges the fleet and projects it for the request's session. It
// writes a 400 and returns false when the query is malformed.
func (s *Server) project(w http.ResponseWriter, r *http.Request) (projector.View, bool, bool, bool) {
	q := r.URL.Query()
	sortKey, ok := projector.ParseSortKey(q.Get("sort"))
	if !ok {
		writeError(w, http.StatusBadRequest, "'sort' must be one of hospital_name, status, cpu, memory, recent")
		return projector.View{}, false, false, false
	}
	sess, _ := SessionFromContext(r.Context())

	res := s.merger.Merge(r.Context(), storage.RecordQuery{})
	view := projector.Project(res.Records, sess, projector.Options{
		Filter:  projector.Filter{HospitalCode: q.Get("hospital_code"), CompanyName: q.Get("company_name")},
		Sort:    sortKey,
		Now:     s.now(),
		Offline: s.offline,
	})
	return view, res.StoreUnavailable, res.LiveUnavailable, true
}

// handleGetProcesses responds to GET /api/v1/processes.
//
// Supported query parameters:
//
//	hospital_code – narrow to one hospital (optional)
//	company_name  – narrow to one company (optional)
//	sort          – hospital_name, status, cpu, memory or recent (optional)
//	limit         – maximum number of processes (optional)
//
// Filters outside the caller's scope yield an empty list, not an error. A
// store outage is reported through store_unavailable with whatever the live
// sessions supplied.
func (s *Server) handleGetProcesses(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 0, storage.DefaultRecordLimit)
	if !ok {
		return
	}
	view, storeDown, liveDown, ok := s.project(w, r)
	if !ok {
		return
	}
	procs := view.Processes
	if limit > 0 && len(procs) > limit {
		procs = procs[:limit]
	}
	writeJSON(w, http.StatusOK, processesResponse{
		Processes:        procs,
		Totals:           view.Totals,
		StoreUnavailable: storeDown,
		LiveUnavailable:  liveDown,
		ScopeViolation:   view.ScopeViolation,
	})
}

// handleGetFleet responds to GET /api/v1/fleet with the grouped view.
func (s *Server) handleGetFleet(w http.ResponseWriter, r *http.Request) {
	view, storeDown, liveDown, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fleetResponse{View: view, StoreUnavailable: storeDown, LiveUnavailable: liveDown})
}

// handleGetAlerts responds to GET /api/v1/alerts.
//
// Supported query parameters:
//
//	hospital_code – narrow to one hospital (optional)
//	limit         – maximum number of results (default 50, max 1000)
//
// Returns newest first, scoped to the caller's session.
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50, maxAlertLimit)
	if !ok {
		return
	}
	sess, _ := SessionFromContext(r.Context())
	filter := projector.Filter{HospitalCode: r.URL.Query().Get("hospital_code")}

	// The scope goes to the store so the limit counts only visible alerts.
	aq, visible, err := projector.AlertQueryFor(sess, filter)
	if err != nil {
		writeError(w, http.StatusForbidden, "session has no valid scope")
		return
	}
	if !visible {
		writeJSON(w, http.StatusOK, []storage.AlertEvent{})
		return
	}
	aq.Limit = limit
	alerts, err := s.store.RecentAlerts(r.Context(), aq)
	if err != nil {
		s.storeError(w, "query alerts", err)
		return
	}
	scoped, _ := projector.ScopeAlerts(alerts, sess, filter)
	writeJSON(w, http.StatusOK, scoped)
}

// handleGetHistory responds to GET /api/v1/processes/{name}/history.
//
// The process must be visible to the caller; otherwise 404 is returned so
// that out-of-scope processes are indistinguishable from unknown ones.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 60, maxHistoryLimit)
	if !ok {
		return
	}
	key := identityKey(r)
	if key.Name == "" {
		writeError(w, http.StatusBadRequest, "process name is required")
		return
	}
	sess, _ := SessionFromContext(r.Context())

	res := s.merger.Merge(r.Context(), storage.RecordQuery{HospitalCode: key.HospitalCode})
	visible := false
	for i := range res.Records {
		if res.Records[i].Key() == key && sess.Allows(&res.Records[i]) {
			visible = true
			break
		}
	}
	if !visible {
		if res.StoreUnavailable {
			writeError(w, http.StatusServiceUnavailable, "fleet store unavailable")
			return
		}
		writeError(w, http.StatusNotFound, "process not found")
		return
	}

	points, err := s.store.QueryHistory(r.Context(), storage.HistoryQuery{Key: key, Limit: limit})
	if err != nil {
		s.storeError(w, "query history", err)
		return
	}
	if points == nil {
		points = []storage.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// handlePatchMetadata responds to PATCH /api/v1/processes/{name}/metadata.
// Only the fields present in the body change; an empty string clears one.
// hospital_code assigns an unassigned process and moves it to the new key;
// changing an existing assignment answers 409.
func (s *Server) handlePatchMetadata(w http.ResponseWriter, r *http.Request) {
	key := identityKey(r)
	var u storage.MetadataUpdate
	if !decodeBody(w, r, &u) {
		return
	}
	rec, err := s.store.UpdateMetadata(r.Context(), key, u)
	if err != nil {
		s.storeError(w, "update metadata", err)
		return
	}
	s.record(r, audit.ActionMetadataUpdate, key.String(), u)
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteProcess responds to DELETE /api/v1/processes/{name}. The
// process reappears if an agent reports it again.
func (s *Server) handleDeleteProcess(w http.ResponseWriter, r *http.Request) {
	key := identityKey(r)
	removed, err := s.store.DeleteRecord(r.Context(), key)
	if err != nil {
		s.storeError(w, "delete record", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	s.record(r, audit.ActionProcessRemove, key.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetThresholds responds to GET /api/v1/thresholds.
func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.LoadThresholds(r.Context())
	if err != nil {
		s.storeError(w, "load thresholds", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutThresholds responds to PUT /api/v1/thresholds. The body replaces
// the whole configuration and takes effect on the next evaluation cycle.
func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var cfg storage.ThresholdConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := config.ValidateThresholds(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveThresholds(r.Context(), cfg); err != nil {
		s.storeError(w, "save thresholds", err)
		return
	}
	s.record(r, audit.ActionThresholdsUpdate, "thresholds", cfg)
	writeJSON(w, http.StatusOK, cfg)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// record appends an operator change to the audit log. The change has already
// been applied, so a failure is logged and not returned to the caller.
func (s *Server) record(r *http.Request, action audit.Action, target string, detail any) {
	if s.audit == nil {
		return
	}
	sess, _ := SessionFromContext(r.Context())
	if _, err := s.audit.RecordDetail(action, sess.Subject, target, detail); err != nil {
		s.logger.Error("rest: audit record failed",
			slog.String("action", string(action)),
			slog.String("target", target),
			slog.Any("error", err),
		)
	}
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "process not found")
	case errors.Is(err, storage.ErrAlreadyAssigned):
		writeError(w, http.StatusConflict, "process is already assigned to a hospital")
	case errors.Is(err, storage.ErrStoreUnavailable):
		s.logger.Warn("rest: store unavailable", slog.String("op", op), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "fleet store unavailable")
	default:
		s.logger.Error("rest: store error", slog.String("op", op), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func identityKey(r *http.Request) storage.IdentityKey {
	return storage.IdentityKey{
		Name:         storage.NormalizeName(chi.URLParam(r, "name")),
		HospitalCode: strings.TrimSpace(r.URL.Query().Get("hospital_code")),
	}
}

// parseLimit reads the limit parameter. It writes a 400 and returns false
// for a malformed value; values above max are clamped.
func parseLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	if limit > max {
		limit = max
	}
	return limit, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
