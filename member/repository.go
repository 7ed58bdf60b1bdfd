package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested member does not exist.
var ErrNotFound = errors.New("member: not found")

// Repository provides access to member profiles.
type Repository interface {
	GetByUserID(ctx context.Context, userID string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	Update(ctx context.Context, userID string, set ProfileUpdate) (Profile, error)
	SetCRMContactID(ctx context.Context, userID, crmContactID string) error
}

// ProfileUpdate is the resolved write set applied to member_profiles. The
// service fills it after validation and geocoding.
type ProfileUpdate struct {
	CompanyName      *string
	Phone            *string
	TradeSpecialties []string
	Certifications   []string
	ServiceAddress   *string
	ServiceCity      *string
	ServiceState     *string
	ServiceLat       *float64
	ServiceLng       *float64
	ServiceRadiusMi  *int
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const profileColumns = `
	p.user_id, u.full_name, u.email, p.company_name, p.phone,
	p.trade_specialties, p.certifications,
	p.service_address, p.service_city, p.service_state,
	p.service_lat, p.service_lng, p.service_radius_mi,
	p.crm_contact_id, p.created_at, p.updated_at
`

// GetByUserID fetches a member profile joined with its identity row.
func (r *PGRepository) GetByUserID(ctx context.Context, userID string) (Profile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM member_profiles p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1
	`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("member: query by user id: %w", err)
	}
	return profile, nil
}

// List fetches up to limit member profiles ordered by company name.
func (r *PGRepository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `
		SELECT ` + profileColumns + `
		FROM member_profiles p
		JOIN users u ON u.id = p.user_id
		WHERE u.role = 'contractor'
		ORDER BY p.company_name ASC, u.full_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("member: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("member: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("member: iterate profiles: %w", err)
	}

	return profiles, nil
}

// Update applies the resolved write set and returns the updated profile.
func (r *PGRepository) Update(ctx context.Context, userID string, set ProfileUpdate) (Profile, error) {
	query := `
		UPDATE member_profiles p
		SET company_name      = COALESCE($2, p.company_name),
		    phone             = COALESCE($3, p.phone),
		    trade_specialties = COALESCE($4, p.trade_specialties),
		    certifications    = COALESCE($5, p.certifications),
		    service_address   = COALESCE($6, p.service_address),
		    service_city      = COALESCE($7, p.service_city),
		    service_state     = COALESCE($8, p.service_state),
		    service_lat       = COALESCE($9, p.service_lat),
		    service_lng       = COALESCE($10, p.service_lng),
		    service_radius_mi = COALESCE($11, p.service_radius_mi),
		    updated_at        = get_tx_timestamp()
		FROM users u
		WHERE p.user_id = $1 AND u.id = p.user_id
		RETURNING ` + profileColumns + `
	`

	row := r.pool.QueryRow(ctx, query,
		userID,
		set.CompanyName,
		set.Phone,
		set.TradeSpecialties,
		set.Certifications,
		set.ServiceAddress,
		set.ServiceCity,
		set.ServiceState,
		set.ServiceLat,
		set.ServiceLng,
		set.ServiceRadiusMi,
	)

	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("member: update profile: %w", err)
	}
	return profile, nil
}

// SetCRMContactID records the identifier the CRM assigned to this member.
func (r *PGRepository) SetCRMContactID(ctx context.Context, userID, crmContactID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE member_profiles
		SET crm_contact_id = $2, updated_at = get_tx_timestamp()
		WHERE user_id = $1
	`, userID, crmContactID)
	if err != nil {
		return fmt.Errorf("member: set crm contact id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.UserID,
		&p.FullName,
		&p.Email,
		&p.CompanyName,
		&p.Phone,
		&p.TradeSpecialties,
		&p.Certifications,
		&p.ServiceAddress,
		&p.ServiceCity,
		&p.ServiceState,
		&p.ServiceLat,
		&p.ServiceLng,
		&p.ServiceRadiusMi,
		&p.CRMContactID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}
