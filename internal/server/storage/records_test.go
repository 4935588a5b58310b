package storage

import (
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func baseRecord(at time.Time) ProcessRecord {
	return ProcessRecord{
		ProcessName:  "BMSHOSxPLISServices",
		Hostname:     "lab-pc-01",
		PID:          ptr(4412),
		Status:       StatusRunning,
		CPUPercent:   12.5,
		MemoryMB:     256,
		HospitalCode: "10670",
		RecordedAt:   at,
	}
}

func TestApplySnapshot_FirstWriteStampsLastStarted(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	out, applied := ApplySnapshot(nil, baseRecord(at))
	if !applied {
		t.Fatal("first write must be applied")
	}
	if out.LastStarted == nil || !out.LastStarted.Equal(at) {
		t.Fatalf("LastStarted = %v, want %v", out.LastStarted, at)
	}
	if out.LastStopped != nil {
		t.Fatalf("LastStopped = %v, want nil", out.LastStopped)
	}
}

func TestApplySnapshot_OlderSnapshotIgnored(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	prev, _ := ApplySnapshot(nil, baseRecord(at))

	older := baseRecord(at.Add(-time.Minute))
	older.CPUPercent = 99
	out, applied := ApplySnapshot(&prev, older)
	if applied {
		t.Fatal("older snapshot must not be applied")
	}
	if out.CPUPercent != 12.5 {
		t.Fatalf("CPUPercent = %v, want stored value 12.5", out.CPUPercent)
	}
}

func TestApplySnapshot_EqualTimestampApplies(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	prev, _ := ApplySnapshot(nil, baseRecord(at))

	same := baseRecord(at)
	same.CPUPercent = 40
	out, applied := ApplySnapshot(&prev, same)
	if !applied || out.CPUPercent != 40 {
		t.Fatalf("applied=%v cpu=%v, want true/40", applied, out.CPUPercent)
	}
}

func TestApplySnapshot_MetadataFillIfAbsent(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	first := baseRecord(at)
	first.HospitalName = "Chiang Mai Hospital"
	prev, _ := ApplySnapshot(nil, first)

	next := baseRecord(at.Add(time.Second))
	next.Hostname = "other-pc"
	next.HospitalName = "Renamed By Agent"
	next.CompanyName = "BMS"
	out, _ := ApplySnapshot(&prev, next)

	if out.HospitalName != "Chiang Mai Hospital" {
		t.Errorf("HospitalName = %q, stored metadata must not be overwritten", out.HospitalName)
	}
	if out.Hostname != "lab-pc-01" {
		t.Errorf("Hostname = %q, want lab-pc-01", out.Hostname)
	}
	if out.CompanyName != "BMS" {
		t.Errorf("CompanyName = %q, absent metadata must be filled", out.CompanyName)
	}
}

func TestApplySnapshot_StatusTransitions(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	prev, _ := ApplySnapshot(nil, baseRecord(t0))

	stopped := baseRecord(t0.Add(time.Minute))
	stopped.Status = StatusStopped
	stopped.PID = nil
	out, _ := ApplySnapshot(&prev, stopped)
	if out.LastStopped == nil || !out.LastStopped.Equal(t0.Add(time.Minute)) {
		t.Fatalf("LastStopped = %v, want %v", out.LastStopped, t0.Add(time.Minute))
	}
	if out.LastStarted == nil || !out.LastStarted.Equal(t0) {
		t.Fatalf("LastStarted = %v, want preserved %v", out.LastStarted, t0)
	}

	restarted := baseRecord(t0.Add(2 * time.Minute))
	out2, _ := ApplySnapshot(&out, restarted)
	if out2.LastStarted == nil || !out2.LastStarted.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("LastStarted = %v, want %v", out2.LastStarted, t0.Add(2*time.Minute))
	}
	if out2.LastStopped == nil || !out2.LastStopped.Equal(t0.Add(time.Minute)) {
		t.Fatalf("LastStopped = %v, want preserved", out2.LastStopped)
	}
}

func TestApplyMetadata_OverwritesAndClears(t *testing.T) {
	rec := baseRecord(time.Now())
	rec.HospitalName = "Old"
	rec.ProgramPath = `C:\BMS\app.exe`

	out := ApplyMetadata(rec, MetadataUpdate{HospitalName: ptr("New"), ProgramPath: ptr("")})
	if out.HospitalName != "New" {
		t.Errorf("HospitalName = %q, want New", out.HospitalName)
	}
	if out.ProgramPath != "" {
		t.Errorf("ProgramPath = %q, want cleared", out.ProgramPath)
	}
	if rec.HospitalName != "Old" {
		t.Error("ApplyMetadata must not mutate its input")
	}
}

func TestIdentityKey_CaseInsensitive(t *testing.T) {
	a := ProcessRecord{ProcessName: "  Gateway.EXE", HospitalCode: "1"}
	b := ProcessRecord{ProcessName: "gateway.exe", HospitalCode: "1"}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %v vs %v", a.Key(), b.Key())
	}
	if got := (IdentityKey{Name: "x"}).String(); got != "x@unassigned" {
		t.Fatalf("String() = %q", got)
	}
}

func TestClone_DoesNotAlias(t *testing.T) {
	rec := baseRecord(time.Now())
	rec.BMSStatus = &BMSStatus{GatewayStatus: LinkConnected}
	c := rec.Clone()
	*c.PID = 1
	c.BMSStatus.GatewayStatus = LinkDisconnected
	if *rec.PID != 4412 || rec.BMSStatus.GatewayStatus != LinkConnected {
		t.Fatal("Clone aliases pointer fields")
	}
}

func TestParseLinkStatus(t *testing.T) {
	cases := map[string]LinkStatus{
		"connected":     LinkConnected,
		" Disconnected": LinkDisconnected,
		"":              LinkUnknown,
		"weird":         LinkUnknown,
	}
	for in, want := range cases {
		if got := ParseLinkStatus(in); got != want {
			t.Errorf("ParseLinkStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAlertKeyString(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	evt := AlertEvent{Type: AlertCPU, ProcessName: "app", Timestamp: ts}
	want := "2024-03-01T01:00:00Z_app_cpu"
	if got := evt.Key().String(); got != want {
		t.Fatalf("Key().String() = %q, want %q", got, want)
	}
	evt.HospitalCode = "10670"
	if got := evt.Key().String(); got != want+"_10670" {
		t.Fatalf("Key().String() = %q, want hospital suffix", got)
	}
}
