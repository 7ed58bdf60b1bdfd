package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/ttacon/libphonenumber"
)

// ErrInvalidPhone signals the submitted phone number failed validation.
var ErrInvalidPhone = errors.New("member: invalid phone number")

// Geocoder resolves a street address to coordinates. The mapping vendor is
// opaque; only the coordinates come back.
type Geocoder interface {
	Geocode(ctx context.Context, address, city, state string) (lat, lng float64, err error)
}

// Enqueuer hands a message to the transactional outbox for asynchronous
// delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload map[string]any) error
}

// Service exposes member directory and profile operations.
type Service struct {
	repo     Repository
	geocoder Geocoder
	outbox   Enqueuer
	region   string
}

// NewService builds a Service. geocoder and outbox may be nil; the related
// enrichment steps are skipped when they are.
func NewService(repo Repository, geocoder Geocoder, outbox Enqueuer) *Service {
	return &Service{
		repo:     repo,
		geocoder: geocoder,
		outbox:   outbox,
		region:   "US",
	}
}

// GetByUserID returns the member profile for the given user.
func (s *Service) GetByUserID(ctx context.Context, userID string) (Profile, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// List returns up to limit contractor profiles for the directory.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// Update validates and applies profile changes for the given user. Phone
// numbers are normalized to E.164; a changed service address is geocoded so
// opportunity matching can rank by distance. The CRM contact is refreshed
// through the outbox after the write lands.
func (s *Service) Update(ctx context.Context, userID string, params UpdateParams) (Profile, error) {
	set := ProfileUpdate{
		CompanyName:      params.CompanyName,
		TradeSpecialties: params.TradeSpecialties,
		Certifications:   params.Certifications,
		ServiceAddress:   params.ServiceAddress,
		ServiceCity:      params.ServiceCity,
		ServiceState:     params.ServiceState,
		ServiceRadiusMi:  params.ServiceRadiusMi,
	}

	if params.Phone != nil && *params.Phone != "" {
		normalized, err := s.normalizePhone(*params.Phone)
		if err != nil {
			return Profile{}, err
		}
		set.Phone = &normalized
	}

	if s.geocoder != nil && params.ServiceAddress != nil && *params.ServiceAddress != "" {
		city := deref(params.ServiceCity)
		state := deref(params.ServiceState)
		lat, lng, err := s.geocoder.Geocode(ctx, *params.ServiceAddress, city, state)
		if err != nil {
			return Profile{}, fmt.Errorf("member: geocode service address: %w", err)
		}
		set.ServiceLat = &lat
		set.ServiceLng = &lng
	}

	profile, err := s.repo.Update(ctx, userID, set)
	if err != nil {
		return Profile{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"user_id":      profile.UserID,
			"email":        profile.Email,
			"full_name":    profile.FullName,
			"company_name": profile.CompanyName,
		}
		if profile.Phone != nil {
			payload["phone"] = *profile.Phone
		}
		if err := s.outbox.Enqueue(ctx, "crm.contact.upsert", payload); err != nil {
			return Profile{}, fmt.Errorf("member: enqueue crm sync: %w", err)
		}
	}

	return profile, nil
}

// RecordCRMContact stores the vendor-assigned contact id after a successful
// CRM upsert. Called by the outbox relay, not the request path.
func (s *Service) RecordCRMContact(ctx context.Context, userID, crmContactID string) error {
	return s.repo.SetCRMContactID(ctx, userID, crmContactID)
}

func (s *Service) normalizePhone(raw string) (string, error) {
	parsed, err := libphonenumber.Parse(raw, s.region)
	if err != nil {
		return "", ErrInvalidPhone
	}
	if !libphonenumber.IsValidNumber(parsed) {
		return "", ErrInvalidPhone
	}
	return libphonenumber.Format(parsed, libphonenumber.E164), nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
