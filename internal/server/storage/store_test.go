package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// backends returns a fresh instance of every backend that runs without
// external services. The postgres backend is covered by the integration
// suite.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	lite, err := OpenSQLite(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = lite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": lite,
	}
}

func TestStore_UpsertAndList(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			rec := baseRecord(at)
			rec.WindowInfo = &WindowInfo{Version: "1.2.3", WindowTitle: "LIS"}
			rec.BMSStatus = &BMSStatus{GatewayStatus: LinkConnected, HosxpDBStatus: LinkDisconnected}
			rec.RestartSchedule = &Schedule{Type: "daily", DailyTime: "03:00", Enabled: true}

			res, err := s.UpsertRecord(ctx, rec)
			if err != nil {
				t.Fatalf("UpsertRecord: %v", err)
			}
			if !res.Created || !res.Applied {
				t.Fatalf("result = %+v, want created and applied", res)
			}

			got, err := s.ListRecords(ctx, RecordQuery{})
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			g := got[0]
			if g.ProcessName != rec.ProcessName || g.Hostname != rec.Hostname {
				t.Errorf("identity mismatch: %+v", g)
			}
			if g.PID == nil || *g.PID != 4412 {
				t.Errorf("PID = %v, want 4412", g.PID)
			}
			if !g.RecordedAt.Equal(at) {
				t.Errorf("RecordedAt = %v, want %v", g.RecordedAt, at)
			}
			if g.WindowInfo == nil || g.WindowInfo.Version != "1.2.3" {
				t.Errorf("WindowInfo = %+v", g.WindowInfo)
			}
			if g.BMSStatus == nil || g.BMSStatus.HosxpDBStatus != LinkDisconnected {
				t.Errorf("BMSStatus = %+v", g.BMSStatus)
			}
			if g.RestartSchedule == nil || g.RestartSchedule.DailyTime != "03:00" {
				t.Errorf("RestartSchedule = %+v", g.RestartSchedule)
			}
			if g.LastStarted == nil || !g.LastStarted.Equal(at) {
				t.Errorf("LastStarted = %v", g.LastStarted)
			}
		})
	}
}

func TestStore_LastWriteWinsByRecordedAt(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			newer := baseRecord(at)
			newer.CPUPercent = 30
			if _, err := s.UpsertRecord(ctx, newer); err != nil {
				t.Fatal(err)
			}
			older := baseRecord(at.Add(-time.Minute))
			older.CPUPercent = 90
			res, err := s.UpsertRecord(ctx, older)
			if err != nil {
				t.Fatal(err)
			}
			if res.Applied {
				t.Fatal("older snapshot reported as applied")
			}

			got, _ := s.ListRecords(ctx, RecordQuery{})
			if len(got) != 1 || got[0].CPUPercent != 30 {
				t.Fatalf("got %+v, want single record with cpu 30", got)
			}
		})
	}
}

func TestStore_CaseInsensitiveIdentity(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			a := baseRecord(at)
			a.ProcessName = "Gateway.exe"
			b := baseRecord(at.Add(time.Second))
			b.ProcessName = "GATEWAY.EXE"
			for _, r := range []ProcessRecord{a, b} {
				if _, err := s.UpsertRecord(ctx, r); err != nil {
					t.Fatal(err)
				}
			}
			got, _ := s.ListRecords(ctx, RecordQuery{})
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1 record per identity key", len(got))
			}
		})
	}
}

func TestStore_ConcurrentUpsertsSameKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					r := baseRecord(base.Add(time.Duration(i) * time.Second))
					r.CPUPercent = float64(i)
					if _, err := s.UpsertRecord(ctx, r); err != nil {
						t.Errorf("UpsertRecord %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()

			got, _ := s.ListRecords(ctx, RecordQuery{})
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if got[0].CPUPercent != 19 {
				t.Fatalf("CPUPercent = %v, want newest snapshot (19)", got[0].CPUPercent)
			}
		})
	}
}

func TestStore_ListFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Now().UTC()

			a := baseRecord(at)
			a.HospitalCode, a.CompanyName = "111", "BMS"
			b := baseRecord(at)
			b.HospitalCode, b.CompanyName = "222", "Other"
			for _, r := range []ProcessRecord{a, b} {
				if _, err := s.UpsertRecord(ctx, r); err != nil {
					t.Fatal(err)
				}
			}
			byCode, _ := s.ListRecords(ctx, RecordQuery{HospitalCode: "222"})
			if len(byCode) != 1 || byCode[0].HospitalCode != "222" {
				t.Fatalf("hospital filter: %+v", byCode)
			}
			byCompany, _ := s.ListRecords(ctx, RecordQuery{CompanyName: "BMS"})
			if len(byCompany) != 1 || byCompany[0].CompanyName != "BMS" {
				t.Fatalf("company filter: %+v", byCompany)
			}
		})
	}
}

func TestStore_MetadataAndDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := baseRecord(time.Now().UTC())
			if _, err := s.UpsertRecord(ctx, rec); err != nil {
				t.Fatal(err)
			}

			if _, err := s.UpdateMetadata(ctx, IdentityKey{Name: "missing"}, MetadataUpdate{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateMetadata(missing) err = %v, want ErrNotFound", err)
			}

			updated, err := s.UpdateMetadata(ctx, rec.Key(), MetadataUpdate{WarrantyExpiryDate: ptr("2025-01-31")})
			if err != nil {
				t.Fatalf("UpdateMetadata: %v", err)
			}
			if updated.WarrantyExpiryDate != "2025-01-31" {
				t.Fatalf("WarrantyExpiryDate = %q", updated.WarrantyExpiryDate)
			}

			ok, err := s.DeleteRecord(ctx, rec.Key())
			if err != nil || !ok {
				t.Fatalf("DeleteRecord = %v, %v", ok, err)
			}
			ok, _ = s.DeleteRecord(ctx, rec.Key())
			if ok {
				t.Fatal("second delete reported a row")
			}
		})
	}
}

func TestStore_ResolveHospitalCode(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			old := baseRecord(at)
			old.HospitalCode = "10001"
			newer := baseRecord(at.Add(time.Minute))
			newer.HospitalCode = "10002"
			unassigned := baseRecord(at.Add(time.Hour))
			unassigned.HospitalCode = ""
			for _, r := range []ProcessRecord{old, newer, unassigned} {
				if _, err := s.UpsertRecord(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			host := HostKey{Name: "bmshosxplisservices", Hostname: "lab-pc-01"}
			code, err := s.ResolveHospitalCode(ctx, host)
			if err != nil {
				t.Fatalf("ResolveHospitalCode: %v", err)
			}
			if code != "10002" {
				t.Fatalf("code = %q, want the most recent assigned record's 10002", code)
			}

			code, err = s.ResolveHospitalCode(ctx, HostKey{Name: "bmshosxplisservices", Hostname: "other-pc"})
			if err != nil || code != "" {
				t.Fatalf("unknown host = %q, %v, want empty", code, err)
			}
		})
	}
}

func TestStore_AssignHospitalCode(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			rec := baseRecord(at)
			rec.HospitalCode = ""
			rec.CompanyName = "BMS"
			if _, err := s.UpsertRecord(ctx, rec); err != nil {
				t.Fatal(err)
			}

			moved, err := s.UpdateMetadata(ctx, rec.Key(), MetadataUpdate{
				HospitalCode: ptr("10670"),
				HospitalName: ptr("Central"),
			})
			if err != nil {
				t.Fatalf("UpdateMetadata: %v", err)
			}
			if moved.HospitalCode != "10670" || moved.HospitalName != "Central" || moved.CompanyName != "BMS" {
				t.Fatalf("moved = %+v", moved)
			}

			all, err := s.ListRecords(ctx, RecordQuery{})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 || all[0].HospitalCode != "10670" {
				t.Fatalf("records = %+v, want one row under 10670", all)
			}
			pts, err := s.QueryHistory(ctx, HistoryQuery{Key: moved.Key()})
			if err != nil || len(pts) != 1 {
				t.Fatalf("history under new key = %d points, %v, want 1", len(pts), err)
			}

			if _, err := s.UpdateMetadata(ctx, moved.Key(), MetadataUpdate{HospitalCode: ptr("99999")}); !errors.Is(err, ErrAlreadyAssigned) {
				t.Fatalf("reassign err = %v, want ErrAlreadyAssigned", err)
			}
			if _, err := s.UpdateMetadata(ctx, moved.Key(), MetadataUpdate{HospitalCode: ptr("10670")}); err != nil {
				t.Fatalf("same code is a no-op, got %v", err)
			}
		})
	}
}

func TestStore_AssignHospitalCodeMergesIntoExistingRow(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			assigned := baseRecord(at)
			assigned.HospitalName = "Central"
			assigned.CPUPercent = 10
			stray := baseRecord(at.Add(2 * time.Second))
			stray.HospitalCode = ""
			stray.CPUPercent = 95
			for _, r := range []ProcessRecord{assigned, stray} {
				if _, err := s.UpsertRecord(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.UpdateMetadata(ctx, stray.Key(), MetadataUpdate{HospitalCode: ptr("10670")})
			if err != nil {
				t.Fatalf("UpdateMetadata: %v", err)
			}
			if got.CPUPercent != 95 || got.HospitalName != "Central" {
				t.Fatalf("merged = %+v, want newer metrics and existing metadata", got)
			}
			all, _ := s.ListRecords(ctx, RecordQuery{})
			if len(all) != 1 {
				t.Fatalf("records = %d, want 1", len(all))
			}
		})
	}
}

func TestStore_HistoryAndPrune(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				r := baseRecord(base.Add(time.Duration(i) * time.Minute))
				r.CPUPercent = float64(i * 10)
				if _, err := s.UpsertRecord(ctx, r); err != nil {
					t.Fatal(err)
				}
			}
			first := baseRecord(base)
			key := first.Key()

			pts, err := s.QueryHistory(ctx, HistoryQuery{Key: key, Limit: 3})
			if err != nil {
				t.Fatalf("QueryHistory: %v", err)
			}
			if len(pts) != 3 || pts[0].CPUPercent != 40 {
				t.Fatalf("history = %+v, want 3 points newest first", pts)
			}

			n, err := s.PruneHistory(ctx, base.Add(2*time.Minute))
			if err != nil {
				t.Fatalf("PruneHistory: %v", err)
			}
			if n != 2 {
				t.Fatalf("pruned %d, want 2", n)
			}
			pts, _ = s.QueryHistory(ctx, HistoryQuery{Key: key})
			if len(pts) != 3 {
				t.Fatalf("remaining = %d, want 3", len(pts))
			}
		})
	}
}

func TestStore_AppendAlertIdempotent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
			th := 80.0
			evt := AlertEvent{
				Type: AlertCPU, ProcessName: "app", HospitalCode: "111",
				Message: "CPU usage is 85.0% (threshold: 80%)", Value: 85, Threshold: &th, Timestamp: ts,
			}
			first, err := s.AppendAlert(ctx, evt)
			if err != nil || !first {
				t.Fatalf("first append = %v, %v", first, err)
			}
			second, err := s.AppendAlert(ctx, evt)
			if err != nil || second {
				t.Fatalf("duplicate append = %v, %v, want false", second, err)
			}

			sameCycleOtherSite := evt
			sameCycleOtherSite.HospitalCode = "333"
			if ok, err := s.AppendAlert(ctx, sameCycleOtherSite); err != nil || !ok {
				t.Fatalf("same cycle, other hospital = %v, %v, want inserted", ok, err)
			}

			other := evt
			other.HospitalCode = "222"
			other.Timestamp = ts.Add(time.Second)
			if _, err := s.AppendAlert(ctx, other); err != nil {
				t.Fatal(err)
			}

			all, _ := s.RecentAlerts(ctx, AlertQuery{})
			if len(all) != 3 || !all[0].Timestamp.Equal(ts.Add(time.Second)) {
				t.Fatalf("alerts = %+v, want 3 newest first", all)
			}
			scoped, _ := s.RecentAlerts(ctx, AlertQuery{HospitalCode: "111"})
			if len(scoped) != 1 || scoped[0].Threshold == nil || *scoped[0].Threshold != 80 {
				t.Fatalf("scoped alerts = %+v", scoped)
			}
		})
	}
}

func TestStore_RecentAlertsScopedBeforeLimit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			quiet := AlertEvent{Type: AlertCPU, ProcessName: "app", HospitalCode: "10999", CompanyName: "Quiet Co", Message: "m", Timestamp: ts}
			if _, err := s.AppendAlert(ctx, quiet); err != nil {
				t.Fatal(err)
			}
			for i := 1; i <= 20; i++ {
				loud := AlertEvent{Type: AlertCPU, ProcessName: "app", HospitalCode: "10670", CompanyName: "Loud Co", Message: "m", Timestamp: ts.Add(time.Duration(i) * time.Second)}
				if _, err := s.AppendAlert(ctx, loud); err != nil {
					t.Fatal(err)
				}
			}

			byHospital, err := s.RecentAlerts(ctx, AlertQuery{HospitalCode: "10999", Limit: 5})
			if err != nil || len(byHospital) != 1 {
				t.Fatalf("hospital alerts = %d, %v, want 1", len(byHospital), err)
			}
			byCompany, err := s.RecentAlerts(ctx, AlertQuery{CompanyName: "Quiet Co", Limit: 5})
			if err != nil || len(byCompany) != 1 || byCompany[0].HospitalCode != "10999" {
				t.Fatalf("company alerts = %+v, %v, want the one Quiet Co alert", byCompany, err)
			}
		})
	}
}

func TestStore_Thresholds(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			got, err := s.LoadThresholds(ctx)
			if err != nil {
				t.Fatalf("LoadThresholds: %v", err)
			}
			if got != DefaultThresholds() {
				t.Fatalf("defaults = %+v", got)
			}
			cfg := DefaultThresholds()
			cfg.CPU.Threshold = 95
			cfg.ProcessStopped = StoppedRule{Enabled: true, Seconds: 30}
			if err := s.SaveThresholds(ctx, cfg); err != nil {
				t.Fatalf("SaveThresholds: %v", err)
			}
			got, _ = s.LoadThresholds(ctx)
			if got != cfg {
				t.Fatalf("round trip = %+v, want %+v", got, cfg)
			}
		})
	}
}

func TestMemory_ClosedIsUnavailable(t *testing.T) {
	m := NewMemory()
	_ = m.Close()
	_, err := m.ListRecords(context.Background(), RecordQuery{})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.Op != "list records" {
		t.Fatalf("err = %#v, want UnavailableError for list records", err)
	}
}

func TestSQLite_ClosedIsUnavailable(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Ping after close = %v, want ErrStoreUnavailable", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "", ""); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestStore_PushSubscriptions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

			a := PushSubscription{Endpoint: "https://push.example/a", P256dh: "k1", Auth: "s1", HospitalCode: "10670", CreatedAt: first}
			b := PushSubscription{Endpoint: "https://push.example/b", P256dh: "k2", Auth: "s2", CreatedAt: first.Add(time.Minute)}
			for _, sub := range []PushSubscription{a, b} {
				if err := s.SavePushSubscription(ctx, sub); err != nil {
					t.Fatalf("SavePushSubscription: %v", err)
				}
			}

			// Re-subscribing replaces the keys but keeps the position.
			a.P256dh, a.CreatedAt = "k1-rotated", first.Add(time.Hour)
			if err := s.SavePushSubscription(ctx, a); err != nil {
				t.Fatalf("SavePushSubscription: %v", err)
			}

			got, err := s.ListPushSubscriptions(ctx)
			if err != nil {
				t.Fatalf("ListPushSubscriptions: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
			if got[0].Endpoint != a.Endpoint || got[0].P256dh != "k1-rotated" || got[0].HospitalCode != "10670" {
				t.Errorf("first = %+v", got[0])
			}
			if !got[0].CreatedAt.Equal(first) {
				t.Errorf("created_at = %v, want %v", got[0].CreatedAt, first)
			}

			ok, err := s.DeletePushSubscription(ctx, a.Endpoint)
			if err != nil || !ok {
				t.Fatalf("DeletePushSubscription = %v, %v", ok, err)
			}
			if ok, _ := s.DeletePushSubscription(ctx, a.Endpoint); ok {
				t.Error("second delete reported a row")
			}
			got, _ = s.ListPushSubscriptions(ctx)
			if len(got) != 1 || got[0].Endpoint != b.Endpoint {
				t.Errorf("after delete = %+v", got)
			}
		})
	}
}
