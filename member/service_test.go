package member

import (
	"context"
	"errors"
	"testing"
)

func TestService_UpdateNormalizesPhone(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo, nil, nil)

	phone := "(415) 555-2671"
	_, err := svc.Update(context.Background(), "user-1", UpdateParams{Phone: &phone})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if repo.lastSet.Phone == nil || *repo.lastSet.Phone != "+14155552671" {
		t.Fatalf("expected E.164 phone, got %v", repo.lastSet.Phone)
	}
}

func TestService_UpdateRejectsBadPhone(t *testing.T) {
	svc := NewService(&fakeRepo{}, nil, nil)

	phone := "not-a-number"
	_, err := svc.Update(context.Background(), "user-1", UpdateParams{Phone: &phone})
	if !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestService_UpdateGeocodesAddress(t *testing.T) {
	repo := &fakeRepo{}
	geo := &stubGeocoder{lat: 37.8044, lng: -122.2712}
	svc := NewService(repo, geo, nil)

	addr := "1970 Broadway"
	city := "Oakland"
	state := "CA"
	_, err := svc.Update(context.Background(), "user-1", UpdateParams{
		ServiceAddress: &addr,
		ServiceCity:    &city,
		ServiceState:   &state,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if repo.lastSet.ServiceLat == nil || *repo.lastSet.ServiceLat != 37.8044 {
		t.Fatalf("expected geocoded latitude, got %v", repo.lastSet.ServiceLat)
	}
	if geo.calls != 1 {
		t.Fatalf("expected one geocode call, got %d", geo.calls)
	}
}

func TestService_UpdateGeocodeFailure(t *testing.T) {
	svc := NewService(&fakeRepo{}, &stubGeocoder{err: errors.New("vendor down")}, nil)

	addr := "1970 Broadway"
	_, err := svc.Update(context.Background(), "user-1", UpdateParams{ServiceAddress: &addr})
	if err == nil {
		t.Fatal("expected geocode failure to surface")
	}
}

func TestService_UpdateEnqueuesCRMSync(t *testing.T) {
	repo := &fakeRepo{profile: Profile{UserID: "user-1", Email: "carla@example.com", FullName: "Carla Ortiz"}}
	out := &captureEnqueuer{}
	svc := NewService(repo, nil, out)

	company := "Ortiz Electric"
	if _, err := svc.Update(context.Background(), "user-1", UpdateParams{CompanyName: &company}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(out.topics) != 1 || out.topics[0] != "crm.contact.upsert" {
		t.Fatalf("expected crm.contact.upsert enqueue, got %v", out.topics)
	}
	if out.payloads[0]["email"] != "carla@example.com" {
		t.Fatalf("unexpected payload: %+v", out.payloads[0])
	}
}

type fakeRepo struct {
	profile Profile
	lastSet ProfileUpdate
	err     error
}

func (f *fakeRepo) GetByUserID(ctx context.Context, userID string) (Profile, error) {
	return f.profile, f.err
}

func (f *fakeRepo) List(ctx context.Context, limit int) ([]Profile, error) {
	return []Profile{f.profile}, f.err
}

func (f *fakeRepo) Update(ctx context.Context, userID string, set ProfileUpdate) (Profile, error) {
	f.lastSet = set
	if f.err != nil {
		return Profile{}, f.err
	}
	p := f.profile
	if p.UserID == "" {
		p.UserID = userID
	}
	return p, nil
}

func (f *fakeRepo) SetCRMContactID(ctx context.Context, userID, crmContactID string) error {
	return f.err
}

type stubGeocoder struct {
	lat, lng float64
	err      error
	calls    int
}

func (s *stubGeocoder) Geocode(ctx context.Context, address, city, state string) (float64, float64, error) {
	s.calls++
	return s.lat, s.lng, s.err
}

type captureEnqueuer struct {
	topics   []string
	payloads []map[string]any
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
	return nil
}
