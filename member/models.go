package member

import "time"

// Profile captures the member directory data exposed via the API layer.
// Identity fields come from the users table, the rest from member_profiles.
type Profile struct {
	UserID           string
	FullName         string
	Email            string
	CompanyName      string
	Phone            *string
	TradeSpecialties []string
	Certifications   []string
	ServiceAddress   *string
	ServiceCity      *string
	ServiceState     *string
	ServiceLat       *float64
	ServiceLng       *float64
	ServiceRadiusMi  int
	CRMContactID     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UpdateParams carries the caller-editable profile fields. Nil pointers mean
// "leave unchanged"; empty strings clear the value.
type UpdateParams struct {
	CompanyName      *string
	Phone            *string
	TradeSpecialties []string
	Certifications   []string
	ServiceAddress   *string
	ServiceCity      *string
	ServiceState     *string
	ServiceRadiusMi  *int
}
