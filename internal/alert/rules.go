package alert

import (
	"fmt"
	"strconv"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// metricAlerts applies the level-triggered threshold rules to one running,
// online record. Comparisons are strict. Timestamps are left for the caller.
func metricAlerts(rec *storage.ProcessRecord, cfg storage.ThresholdConfig) []storage.AlertEvent {
	var out []storage.AlertEvent
	add := func(typ storage.AlertType, value, threshold float64, msg string) {
		th := threshold
		out = append(out, newEvent(rec, typ, msg, value, &th))
	}

	if cfg.CPU.Enabled && rec.CPUPercent > cfg.CPU.Threshold {
		add(storage.AlertCPU, rec.CPUPercent, cfg.CPU.Threshold,
			fmt.Sprintf("CPU usage is %s%% (threshold: %s%%)", num(rec.CPUPercent), num(cfg.CPU.Threshold)))
	}
	if cfg.RAM.Enabled && rec.MemoryPercent > cfg.RAM.Threshold {
		add(storage.AlertRAM, rec.MemoryPercent, cfg.RAM.Threshold,
			fmt.Sprintf("RAM usage is %s%% (threshold: %s%%)", num(rec.MemoryPercent), num(cfg.RAM.Threshold)))
	}
	if disk := rec.DiskIO(); cfg.DiskIO.Enabled && disk > cfg.DiskIO.Threshold {
		add(storage.AlertDiskIO, disk, cfg.DiskIO.Threshold,
			fmt.Sprintf("Disk I/O is %.2f MB/s (threshold: %s MB/s)", disk, num(cfg.DiskIO.Threshold)))
	}
	if netIO := rec.NetworkIO(); cfg.Network.Enabled && netIO > cfg.Network.Threshold {
		add(storage.AlertNetwork, netIO, cfg.Network.Threshold,
			fmt.Sprintf("Network usage is %.2f MB/s (threshold: %s MB/s)", netIO, num(cfg.Network.Threshold)))
	}
	return out
}

func newEvent(rec *storage.ProcessRecord, typ storage.AlertType, msg string, value float64, threshold *float64) storage.AlertEvent {
	return storage.AlertEvent{
		Type:         typ,
		ProcessName:  rec.ProcessName,
		HospitalCode: rec.HospitalCode,
		HospitalName: rec.HospitalName,
		CompanyName:  rec.CompanyName,
		Hostname:     rec.Hostname,
		Message:      msg,
		Value:        value,
		Threshold:    threshold,
	}
}

// num formats v with the fewest digits that round-trip, so 80 prints as "80"
// and 85.3 as "85.3".
func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
