package rest

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetwatch/dashboard/internal/audit"
	"github.com/fleetwatch/dashboard/internal/ingest"
	"github.com/fleetwatch/dashboard/internal/merge"
	"github.com/fleetwatch/dashboard/internal/server/storage"
	"github.com/fleetwatch/dashboard/internal/staleness"
)

const agentKey = "agent-key"

// testEnv wires a router over an in-memory store with real ingest, merge and
// audit components.
type testEnv struct {
	t         *testing.T
	store     *storage.Memory
	handler   http.Handler
	priv      *rsa.PrivateKey
	auditPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	priv, pub := generateTestKey(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemory()
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	al, err := audit.Open(auditPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	srv := NewServer(Deps{
		Store:    store,
		Ingestor: ingest.New(store, nil, logger, time.Second),
		Merger:   merge.NewEngine(store, nil, logger),
		Audit:    al,
		Offline:  staleness.New(time.Hour),
		Logger:   logger,

		VAPIDPublicKey: "BTestPublicKey",
	})
	auth := NewAuth(AuthConfig{PublicKey: pub, AgentKeys: []string{agentKey}, Logger: logger})
	return &testEnv{t: t, store: store, handler: NewRouter(srv, auth, Streams{}), priv: priv, auditPath: auditPath}
}

func (e *testEnv) token(role, company, hospital string) string {
	return "Bearer " + signToken(e.t, e.priv, sessionClaims("user-"+role, role, company, hospital))
}

func (e *testEnv) do(method, target, bearer, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) ingest(body string) {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshots", strings.NewReader(body))
	req.Header.Set("X-API-Key", agentKey)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		e.t.Fatalf("ingest: expected 200, got %d: %s", rec.Code, rec.Body)
	}
}

// seed reports two hospitals of two companies.
func (e *testEnv) seed() {
	now := time.Now().UTC().Format(time.RFC3339)
	e.ingest(`{"hostname":"HIS-01","hospital_code":"10670","hospital_name":"Central","company_name":"Acme","recorded_at":"` + now + `",
		"processes":[
			{"process_name":"HOSxPXE.exe","status":"running","pid":4412,"cpu_percent":12.5,"memory_mb":256},
			{"process_name":"LabLink.exe","status":"stopped"}]}`)
	e.ingest(`{"hostname":"HIS-02","hospital_code":"10999","hospital_name":"North","company_name":"Globex","recorded_at":"` + now + `",
		"processes":[{"process_name":"HOSxPXE.exe","status":"running","pid":1200,"cpu_percent":40,"memory_mb":512}]}`)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	return v
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}

	env.store.Close()
	if rec := env.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with store down, got %d", rec.Code)
	}
}

// ---- POST /api/v1/snapshots -------------------------------------------------

func TestHandlePostSnapshot(t *testing.T) {
	env := newTestEnv(t)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshots", strings.NewReader(body))
		req.Header.Set("X-API-Key", agentKey)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"hostname":"HIS-01","processes":[{"process_name":"HOSxPXE.exe","status":"running","cpu_percent":1}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if res := decode[ingest.Result](t, rec); res.Accepted != 1 || res.Created != 1 {
		t.Errorf("result = %+v", res)
	}

	rec = post(`{"hostname":"HIS-01","processes":[{"process_name":"HOSxPXE.exe","status":"running","cpu_percent":-1}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative metric: expected 400, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); !strings.Contains(body["error"], "cpu_percent") {
		t.Errorf("error %q does not name the field", body["error"])
	}

	if rec := post(`{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON: expected 400, got %d", rec.Code)
	}

	env.store.Close()
	rec = post(`{"hostname":"HIS-01","processes":[{"process_name":"HOSxPXE.exe","status":"running"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("store down: expected 503, got %d", rec.Code)
	}
}

func TestHandlePostSnapshot_RequiresAgentKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/snapshots", env.token("admin", "", ""), `{"hostname":"h","processes":[]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a session token, got %d", rec.Code)
	}
}

// ---- GET /api/v1/processes & /fleet -----------------------------------------

func TestHandleGetProcesses_Scoping(t *testing.T) {
	env := newTestEnv(t)
	env.seed()

	cases := []struct {
		name   string
		bearer string
		query  string
		want   int
	}{
		{"admin sees all", env.token("admin", "", ""), "", 3},
		{"admin filter", env.token("admin", "", ""), "?hospital_code=10999", 1},
		{"company", env.token("company", "Acme", ""), "", 2},
		{"company foreign filter", env.token("company", "Acme", ""), "?company_name=Globex", 0},
		{"hospital", env.token("hospital", "", "10999"), "", 1},
		{"hospital foreign filter", env.token("hospital", "", "10999"), "?hospital_code=10670", 0},
		{"limit", env.token("admin", "", ""), "?limit=2", 2},
	}
	for _, tc := range cases {
		rec := env.do(http.MethodGet, "/api/v1/processes"+tc.query, tc.bearer, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", tc.name, rec.Code)
			continue
		}
		body := decode[processesResponse](t, rec)
		if len(body.Processes) != tc.want {
			t.Errorf("%s: got %d processes, want %d", tc.name, len(body.Processes), tc.want)
		}
		if body.StoreUnavailable || body.ScopeViolation {
			t.Errorf("%s: unexpected flags %+v", tc.name, body)
		}
	}
}

func TestHandleGetProcesses_SortAndValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seed()
	admin := env.token("admin", "", "")

	rec := env.do(http.MethodGet, "/api/v1/processes?sort=cpu", admin, "")
	body := decode[processesResponse](t, rec)
	if len(body.Processes) != 3 || body.Processes[0].CPUPercent != 40 {
		t.Fatalf("sort=cpu: first = %+v", body.Processes)
	}
	if body.Totals.Running != 2 || body.Totals.Stopped != 1 {
		t.Errorf("totals = %+v", body.Totals)
	}

	for _, q := range []string{"?sort=bogus", "?limit=0", "?limit=abc"} {
		if rec := env.do(http.MethodGet, "/api/v1/processes"+q, admin, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHandleGetProcesses_StoreDownFlag(t *testing.T) {
	env := newTestEnv(t)
	env.seed()
	env.store.Close()

	rec := env.do(http.MethodGet, "/api/v1/processes", env.token("admin", "", ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode[processesResponse](t, rec); !body.StoreUnavailable || len(body.Processes) != 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleGetFleet(t *testing.T) {
	env := newTestEnv(t)
	env.seed()

	rec := env.do(http.MethodGet, "/api/v1/fleet", env.token("admin", "", ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode[fleetResponse](t, rec)
	if len(body.Groups) != 2 || len(body.Companies) != 2 {
		t.Fatalf("groups = %d, companies = %d", len(body.Groups), len(body.Companies))
	}

	rec = env.do(http.MethodGet, "/api/v1/fleet", env.token("company", "Acme", ""), "")
	body = decode[fleetResponse](t, rec)
	if len(body.Groups) != 1 || body.Groups[0].HospitalCode != "10670" || len(body.Companies) != 0 {
		t.Errorf("company view = %+v", body.View)
	}
}

// ---- GET /api/v1/alerts -----------------------------------------------------

func TestHandleGetAlerts_Scoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for _, evt := range []storage.AlertEvent{
		{Type: storage.AlertCPU, ProcessName: "HOSxPXE.exe", HospitalCode: "10670", CompanyName: "Acme", Timestamp: ts},
		{Type: storage.AlertCPU, ProcessName: "HOSxPXE.exe", HospitalCode: "10999", CompanyName: "Globex", Timestamp: ts},
		{Type: storage.AlertProcessStopped, ProcessName: "LabLink.exe", HospitalCode: "10670", CompanyName: "Acme", Timestamp: ts.Add(time.Minute)},
	} {
		if _, err := env.store.AppendAlert(ctx, evt); err != nil {
			t.Fatalf("AppendAlert: %v", err)
		}
	}

	cases := []struct {
		name   string
		bearer string
		query  string
		want   int
	}{
		{"admin", env.token("admin", "", ""), "", 3},
		{"admin limit", env.token("admin", "", ""), "?limit=1", 1},
		{"company", env.token("company", "Globex", ""), "", 1},
		{"hospital", env.token("hospital", "", "10670"), "", 2},
		{"hospital foreign", env.token("hospital", "", "10670"), "?hospital_code=10999", 0},
	}
	for _, tc := range cases {
		rec := env.do(http.MethodGet, "/api/v1/alerts"+tc.query, tc.bearer, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", tc.name, rec.Code)
			continue
		}
		if got := decode[[]storage.AlertEvent](t, rec); len(got) != tc.want {
			t.Errorf("%s: got %d alerts, want %d", tc.name, len(got), tc.want)
		}
	}
}

func TestHandleGetAlerts_LimitAppliesAfterScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	own := storage.AlertEvent{Type: storage.AlertCPU, ProcessName: "HOSxPXE.exe", HospitalCode: "10999", CompanyName: "Globex", Timestamp: ts}
	if _, err := env.store.AppendAlert(ctx, own); err != nil {
		t.Fatalf("AppendAlert: %v", err)
	}
	for i := 1; i <= 60; i++ {
		evt := storage.AlertEvent{Type: storage.AlertCPU, ProcessName: "HOSxPXE.exe", HospitalCode: "10670", CompanyName: "Acme", Timestamp: ts.Add(time.Duration(i) * time.Second)}
		if _, err := env.store.AppendAlert(ctx, evt); err != nil {
			t.Fatalf("AppendAlert: %v", err)
		}
	}

	for _, bearer := range []string{env.token("company", "Globex", ""), env.token("hospital", "", "10999")} {
		rec := env.do(http.MethodGet, "/api/v1/alerts?limit=10", bearer, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := decode[[]storage.AlertEvent](t, rec); len(got) != 1 || got[0].HospitalCode != "10999" {
			t.Errorf("alerts = %+v, want the one 10999 alert", got)
		}
	}
}

// ---- GET /api/v1/processes/{name}/history -----------------------------------

func TestHandleGetHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seed()

	rec := env.do(http.MethodGet, "/api/v1/processes/hosxpxe.exe/history?hospital_code=10670", env.token("company", "Acme", ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if pts := decode[[]storage.HistoryPoint](t, rec); len(pts) != 1 || pts[0].CPUPercent != 12.5 {
		t.Errorf("history = %+v", pts)
	}

	rec = env.do(http.MethodGet, "/api/v1/processes/HOSxPXE.exe/history?hospital_code=10999", env.token("company", "Acme", ""), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("out-of-scope history: expected 404, got %d", rec.Code)
	}
}

// ---- admin mutations --------------------------------------------------------

func TestHandlePatchMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.seed()
	admin := env.token("admin", "", "")

	rec := env.do(http.MethodPatch, "/api/v1/processes/HOSxPXE.exe/metadata?hospital_code=10670", admin,
		`{"warranty_expiry_date":"2030-01-01","program_path":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := decode[storage.ProcessRecord](t, rec); got.WarrantyExpiryDate != "2030-01-01" || got.HospitalName != "Central" {
		t.Errorf("record = %+v", got)
	}

	if rec := env.do(http.MethodPatch, "/api/v1/processes/Unknown.exe/metadata?hospital_code=10670", admin, `{}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown process: expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPatch, "/api/v1/processes/HOSxPXE.exe/metadata?hospital_code=10670", admin, `{"pid":1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: expected 400, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPatch, "/api/v1/processes/HOSxPXE.exe/metadata?hospital_code=10670", env.token("hospital", "", "10670"), `{}`); rec.Code != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", rec.Code)
	}

	entries, err := audit.Verify(env.auditPath)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	if len(entries) != 1 || entries[0].Event.Action != audit.ActionMetadataUpdate || entries[0].Event.Actor != "user-admin" {
		t.Fatalf("audit entries = %+v", entries)
	}
	if entries[0].Event.Target != "hosxpxe.exe@10670" {
		t.Errorf("audit target = %q", entries[0].Event.Target)
	}
}

func TestHandlePatchMetadata_AssignHospital(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Format(time.RFC3339)
	env.ingest(`{"hostname":"WARD-7","recorded_at":"` + now + `","processes":[{"process_name":"Svc.exe","status":"running"}]}`)
	admin := env.token("admin", "", "")

	rec := env.do(http.MethodPatch, "/api/v1/processes/svc.exe/metadata", admin, `{"hospital_code":"10670","hospital_name":"Central"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := decode[storage.ProcessRecord](t, rec); got.HospitalCode != "10670" {
		t.Fatalf("record = %+v", got)
	}

	rec = env.do(http.MethodGet, "/api/v1/processes", env.token("hospital", "", "10670"), "")
	if body := decode[processesResponse](t, rec); len(body.Processes) != 1 {
		t.Fatalf("hospital view = %+v, want the assigned process", body.Processes)
	}

	// A later ping without metadata keeps updating the assigned record.
	env.ingest(`{"hostname":"WARD-7","processes":[{"process_name":"Svc.exe","status":"running","cpu_percent":50}]}`)
	recs, _ := env.store.ListRecords(context.Background(), storage.RecordQuery{})
	if len(recs) != 1 || recs[0].HospitalCode != "10670" || recs[0].CPUPercent != 50 {
		t.Fatalf("records = %+v", recs)
	}

	rec = env.do(http.MethodPatch, "/api/v1/processes/svc.exe/metadata?hospital_code=10670", admin, `{"hospital_code":"20000"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reassign: expected 409, got %d", rec.Code)
	}
}

func TestHandleDeleteProcess(t *testing.T) {
	env := newTestEnv(t)
	env.seed()
	admin := env.token("admin", "", "")

	rec := env.do(http.MethodDelete, "/api/v1/processes/LabLink.exe?hospital_code=10670", admin, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/processes/LabLink.exe?hospital_code=10670", admin, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}

	body := decode[processesResponse](t, env.do(http.MethodGet, "/api/v1/processes", admin, ""))
	if len(body.Processes) != 2 {
		t.Errorf("after delete: %d processes, want 2", len(body.Processes))
	}

	entries, err := audit.Verify(env.auditPath)
	if err != nil || len(entries) != 1 || entries[0].Event.Action != audit.ActionProcessRemove {
		t.Fatalf("audit entries = %+v, err %v", entries, err)
	}
}

func TestHandleThresholds(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("admin", "", "")

	rec := env.do(http.MethodGet, "/api/v1/thresholds", env.token("hospital", "", "10670"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", rec.Code)
	}
	if got := decode[storage.ThresholdConfig](t, rec); got != storage.DefaultThresholds() {
		t.Errorf("GET = %+v, want defaults", got)
	}

	updated := storage.DefaultThresholds()
	updated.CPU.Threshold = 95
	updated.ProcessStopped = storage.StoppedRule{Enabled: true, Minutes: 1}
	raw, _ := json.Marshal(updated)

	if rec := env.do(http.MethodPut, "/api/v1/thresholds", env.token("company", "Acme", ""), string(raw)); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin PUT: expected 403, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, "/api/v1/thresholds", admin, string(raw)); rec.Code != http.StatusOK {
		t.Fatalf("PUT: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	stored, _ := env.store.LoadThresholds(context.Background())
	if stored != updated {
		t.Errorf("stored = %+v, want %+v", stored, updated)
	}

	invalid := updated
	invalid.RAM.Threshold = 120
	raw, _ = json.Marshal(invalid)
	if rec := env.do(http.MethodPut, "/api/v1/thresholds", admin, string(raw)); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid PUT: expected 400, got %d", rec.Code)
	}

	entries, err := audit.Verify(env.auditPath)
	if err != nil || len(entries) != 1 || entries[0].Event.Action != audit.ActionThresholdsUpdate {
		t.Fatalf("audit entries = %+v, err %v", entries, err)
	}
}

func TestPushSubscriptions_ScopedToSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.do(http.MethodGet, "/api/v1/push/vapid-public-key", env.token("hospital", "", "10670"), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "BTestPublicKey") {
		t.Fatalf("vapid key: %d %s", rec.Code, rec.Body)
	}

	sub := `{"endpoint":"https://push.example/abc","expirationTime":null,"keys":{"p256dh":"BKey","auth":"secret"}}`
	rec = env.do(http.MethodPost, "/api/v1/push/subscriptions", env.token("hospital", "", "10670"), sub)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	company := `{"endpoint":"https://push.example/acme","keys":{"p256dh":"BKey2","auth":"secret2"}}`
	if rec := env.do(http.MethodPost, "/api/v1/push/subscriptions", env.token("company", "Acme", ""), company); rec.Code != http.StatusCreated {
		t.Fatalf("company subscribe: %d %s", rec.Code, rec.Body)
	}

	subs, err := env.store.ListPushSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListPushSubscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %+v", subs)
	}
	if subs[0].HospitalCode != "10670" || subs[0].P256dh != "BKey" {
		t.Errorf("hospital subscription = %+v", subs[0])
	}
	if subs[1].CompanyName != "Acme" || subs[1].HospitalCode != "" {
		t.Errorf("company subscription = %+v", subs[1])
	}

	bad := env.do(http.MethodPost, "/api/v1/push/subscriptions", env.token("admin", "", ""), `{"endpoint":"ftp://x","keys":{"p256dh":"k","auth":"a"}}`)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad endpoint: expected 400, got %d", bad.Code)
	}

	del := env.do(http.MethodDelete, "/api/v1/push/subscriptions", env.token("hospital", "", "10670"), `{"endpoint":"https://push.example/abc"}`)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", del.Code)
	}
	del = env.do(http.MethodDelete, "/api/v1/push/subscriptions", env.token("hospital", "", "10670"), `{"endpoint":"https://push.example/abc"}`)
	if del.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", del.Code)
	}
}
