package reservation

// Role enumerates the club roles relevant to reservation access.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "INSTITUTION_ADMIN"
	RoleCoach Role = "COACH"
	RoleSocio Role = "SOCIO"
)

// Viewer identifies who is looking at a reservation.
type Viewer struct {
	UserID           string
	MembershipNumber string
	Role             Role
}

// IsAdmin reports whether the viewer holds the institution admin role.
func (v Viewer) IsAdmin() bool {
	return v.Role == RoleAdmin
}

// Owns reports whether the viewer owns the reservation, matching by user
// id or membership number.
func (v Viewer) Owns(r Reservation) bool {
	if r.UserID != "" && v.UserID != "" && r.UserID == v.UserID {
		return true
	}
	if r.MembershipNumber != "" && v.MembershipNumber != "" && r.MembershipNumber == v.MembershipNumber {
		return true
	}
	return false
}

// Redact returns the projection of r the viewer is allowed to see.
// Private reservations show a redacted record to anyone but the owner or
// an admin: the type is replaced and identity fields are withheld.
func Redact(r Reservation, v Viewer) Reservation {
	if !r.IsPrivateInfo || v.IsAdmin() || v.Owns(r) {
		return r
	}
	redacted := r
	redacted.Type = TypePrivate
	redacted.UserID = ""
	redacted.MembershipNumber = ""
	redacted.Notes = ""
	return redacted
}

// Filters narrows a reservation listing. Zero values mean "no filter".
type Filters struct {
	Date    string `json:"date,omitempty"`
	CourtID int64  `json:"court,omitempty"`
	Status  Status `json:"status,omitempty"`
	UserID  string `json:"user,omitempty"`
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return f == Filters{}
}

// Match reports whether the reservation passes every set filter.
func (f Filters) Match(r Reservation) bool {
	if f.Date != "" && r.Day() != f.Date {
		return false
	}
	if f.CourtID != 0 && r.CourtID != f.CourtID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	return true
}
