package notify

import (
	"fmt"
	"time"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

const (
	colorRed    = "#FF0000"
	colorOrange = "#FF6D00"
	colorYellow = "#FFD600"
	colorGreen  = "#00C853"
)

var typeLabels = map[storage.AlertType]string{
	storage.AlertCPU:               "CPU",
	storage.AlertRAM:               "RAM",
	storage.AlertDiskIO:            "Disk I/O",
	storage.AlertNetwork:           "Network",
	storage.AlertProcessStopped:    "Process stopped",
	storage.AlertProcessStarted:    "Process started",
	storage.AlertBMSDBDisconnected: "BMS database disconnected",
	storage.AlertBMSDBReconnected:  "BMS database reconnected",
}

// Format renders evt for people, with times shown in loc (UTC when nil).
func Format(evt storage.AlertEvent, loc *time.Location) Message {
	if loc == nil {
		loc = time.UTC
	}
	label, ok := typeLabels[evt.Type]
	if !ok {
		label = string(evt.Type)
	}

	site := evt.HospitalName
	if site == "" {
		site = evt.HospitalCode
	}
	if site == "" {
		site = storage.UnassignedHospital
	}

	at := evt.Timestamp.In(loc)
	fields := []Field{{Label: "Hospital", Value: site}}
	if evt.Hostname != "" {
		fields = append(fields, Field{Label: "Host", Value: evt.Hostname})
	}
	fields = append(fields,
		Field{Label: "Program", Value: evt.ProcessName},
		Field{Label: "Detail", Value: evt.Message},
		Field{Label: "Time", Value: at.Format("2006-01-02 15:04:05")},
	)

	return Message{
		Subject: fmt.Sprintf("[%s] %s: %s", site, label, evt.ProcessName),
		Text:    evt.Message,
		Color:   colorFor(evt.Type),
		Fields:  fields,
		At:      at,

		Kind:         string(evt.Type),
		HospitalCode: evt.HospitalCode,
		CompanyName:  evt.CompanyName,
	}
}

func colorFor(t storage.AlertType) string {
	switch t {
	case storage.AlertProcessStarted, storage.AlertBMSDBReconnected:
		return colorGreen
	case storage.AlertCPU, storage.AlertRAM:
		return colorOrange
	case storage.AlertDiskIO, storage.AlertNetwork:
		return colorYellow
	default:
		return colorRed
	}
}

// plainText renders msg as subject, blank line, then one "Label: value" line
// per field.
func plainText(msg Message) string {
	s := msg.Subject + "\n"
	for _, f := range msg.Fields {
		s += "\n" + f.Label + ": " + f.Value
	}
	return s
}
