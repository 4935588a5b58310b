package projector

import (
	"errors"
	"strings"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// ErrScopeViolation is returned when a session's scope cannot be resolved.
// Callers must answer with an empty result, never an unrestricted one.
var ErrScopeViolation = errors.New("projector: session scope cannot be resolved")

// Role is a dashboard session role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCompany  Role = "company"
	RoleHospital Role = "hospital"
)

// Session is the authenticated viewer. Company is required for RoleCompany
// and HospitalCode for RoleHospital.
type Session struct {
	Subject      string `json:"sub,omitempty"`
	Role         Role   `json:"role"`
	Company      string `json:"company,omitempty"`
	HospitalCode string `json:"hospital_code,omitempty"`
}

// Validate reports ErrScopeViolation for an unknown role or a scoped role
// without its assignment.
func (s Session) Validate() error {
	switch s.Role {
	case RoleAdmin:
		return nil
	case RoleCompany:
		if strings.TrimSpace(s.Company) == "" {
			return ErrScopeViolation
		}
		return nil
	case RoleHospital:
		if strings.TrimSpace(s.HospitalCode) == "" {
			return ErrScopeViolation
		}
		return nil
	default:
		return ErrScopeViolation
	}
}

// IsAdmin reports whether s is unrestricted.
func (s Session) IsAdmin() bool { return s.Role == RoleAdmin }

// Filter is a caller-supplied narrowing. Empty fields match everything.
type Filter struct {
	HospitalCode string
	CompanyName  string
}

// scope is the effective restriction after combining a session and a filter.
type scope struct {
	hospital string
	company  string
	empty    bool // filter and session are disjoint
}

// resolve intersects the session's scope with f. A filter can only narrow
// the session; one pointing outside it yields an empty scope.
func resolve(s Session, f Filter) (scope, error) {
	if err := s.Validate(); err != nil {
		return scope{empty: true}, err
	}
	sc := scope{hospital: f.HospitalCode, company: f.CompanyName}
	switch s.Role {
	case RoleCompany:
		if sc.company != "" && sc.company != s.Company {
			sc.empty = true
		}
		sc.company = s.Company
	case RoleHospital:
		if sc.hospital != "" && sc.hospital != s.HospitalCode {
			sc.empty = true
		}
		sc.hospital = s.HospitalCode
	}
	return sc, nil
}

func (sc scope) match(hospitalCode, company string) bool {
	if sc.empty {
		return false
	}
	if sc.hospital != "" && hospitalCode != sc.hospital {
		return false
	}
	if sc.company != "" && company != sc.company {
		return false
	}
	return true
}

// Allows reports whether s may see rec.
func (s Session) Allows(rec *storage.ProcessRecord) bool {
	sc, err := resolve(s, Filter{})
	return err == nil && sc.match(rec.HospitalCode, rec.CompanyName)
}

// ScopeRecords returns the records of recs visible to s under f.
func ScopeRecords(recs []storage.ProcessRecord, s Session, f Filter) ([]storage.ProcessRecord, error) {
	sc, err := resolve(s, f)
	if err != nil {
		return nil, err
	}
	var out []storage.ProcessRecord
	for i := range recs {
		if sc.match(recs[i].HospitalCode, recs[i].CompanyName) {
			out = append(out, recs[i])
		}
	}
	return out, nil
}

// ScopeAlerts applies the record scope rules to alert events.
func ScopeAlerts(alerts []storage.AlertEvent, s Session, f Filter) ([]storage.AlertEvent, error) {
	sc, err := resolve(s, f)
	if err != nil {
		return nil, err
	}
	out := make([]storage.AlertEvent, 0, len(alerts))
	for _, a := range alerts {
		if sc.match(a.HospitalCode, a.CompanyName) {
			out = append(out, a)
		}
	}
	return out, nil
}

// AlertQueryFor returns the store query selecting the alerts s may see under
// f, so a limit applies after scoping. visible is false when the filter lies
// outside the session's scope and nothing can match.
func AlertQueryFor(s Session, f Filter) (q storage.AlertQuery, visible bool, err error) {
	sc, err := resolve(s, f)
	if err != nil {
		return storage.AlertQuery{}, false, err
	}
	if sc.empty {
		return storage.AlertQuery{}, false, nil
	}
	return storage.AlertQuery{HospitalCode: sc.hospital, CompanyName: sc.company}, true, nil
}
