package main

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"namcportal/auth"
	"namcportal/dispute"
	"namcportal/escrow"
	"namcportal/member"
	"namcportal/project"
)

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func fmtDecimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: fmtTime(u.CreatedAt),
	}
}

type profileResponse struct {
	UserID           string   `json:"userId"`
	FullName         string   `json:"fullName"`
	Email            string   `json:"email"`
	CompanyName      string   `json:"companyName"`
	Phone            *string  `json:"phone,omitempty"`
	TradeSpecialties []string `json:"tradeSpecialties"`
	Certifications   []string `json:"certifications"`
	ServiceAddress   *string  `json:"serviceAddress,omitempty"`
	ServiceCity      *string  `json:"serviceCity,omitempty"`
	ServiceState     *string  `json:"serviceState,omitempty"`
	ServiceLat       *float64 `json:"serviceLat,omitempty"`
	ServiceLng       *float64 `json:"serviceLng,omitempty"`
	ServiceRadiusMi  int      `json:"serviceRadiusMi"`
	CreatedAt        string   `json:"createdAt"`
	UpdatedAt        string   `json:"updatedAt"`
}

func toProfileResponse(p member.Profile) profileResponse {
	return profileResponse{
		UserID:           p.UserID,
		FullName:         p.FullName,
		Email:            p.Email,
		CompanyName:      p.CompanyName,
		Phone:            p.Phone,
		TradeSpecialties: p.TradeSpecialties,
		Certifications:   p.Certifications,
		ServiceAddress:   p.ServiceAddress,
		ServiceCity:      p.ServiceCity,
		ServiceState:     p.ServiceState,
		ServiceLat:       p.ServiceLat,
		ServiceLng:       p.ServiceLng,
		ServiceRadiusMi:  p.ServiceRadiusMi,
		CreatedAt:        fmtTime(p.CreatedAt),
		UpdatedAt:        fmtTime(p.UpdatedAt),
	}
}

type projectResponse struct {
	ID              string   `json:"id"`
	ClientUserID    string   `json:"clientUserId"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Budget          string   `json:"budget"`
	TradeCategories []string `json:"tradeCategories"`
	City            string   `json:"city"`
	State           string   `json:"state"`
	Lat             *float64 `json:"lat,omitempty"`
	Lng             *float64 `json:"lng,omitempty"`
	BidDeadline     *string  `json:"bidDeadline,omitempty"`
	Status          string   `json:"status"`
	CancelReason    *string  `json:"cancelReason,omitempty"`
	CreatedAt       string   `json:"createdAt"`
}

func toProjectResponse(p project.Opportunity) projectResponse {
	return projectResponse{
		ID:              p.ID,
		ClientUserID:    p.ClientUserID,
		Title:           p.Title,
		Description:     p.Description,
		Budget:          p.Budget.String(),
		TradeCategories: p.TradeCategories,
		City:            p.City,
		State:           p.State,
		Lat:             p.Lat,
		Lng:             p.Lng,
		BidDeadline:     fmtTimePtr(p.BidDeadline),
		Status:          string(p.Status),
		CancelReason:    p.CancelReason,
		CreatedAt:       fmtTime(p.CreatedAt),
	}
}

type matchResponse struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"projectId"`
	ContractorUserID string  `json:"contractorUserId"`
	State            string  `json:"state"`
	Score            float64 `json:"score"`
	CreatedAt        string  `json:"createdAt"`
}

func toMatchResponse(m project.Match) matchResponse {
	return matchResponse{
		ID:               m.ID,
		ProjectID:        m.ProjectID,
		ContractorUserID: m.ContractorUserID,
		State:            string(m.State),
		Score:            m.Score,
		CreatedAt:        fmtTime(m.CreatedAt),
	}
}

type escrowResponse struct {
	ID                string `json:"id"`
	ProjectID         string `json:"projectId"`
	ClientUserID      string `json:"clientUserId"`
	ContractorUserID  string `json:"contractorUserId"`
	TotalProjectValue string `json:"totalProjectValue"`
	FundedAmount      string `json:"fundedAmount"`
	ReleasedAmount    string `json:"releasedAmount"`
	RetentionPct      string `json:"retentionPct"`
	RetentionHeld     string `json:"retentionHeld"`
	Available         string `json:"available"`
	Status            string `json:"status"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	return escrowResponse{
		ID:                rec.ID,
		ProjectID:         rec.ProjectID,
		ClientUserID:      rec.ClientUserID,
		ContractorUserID:  rec.ContractorUserID,
		TotalProjectValue: rec.TotalProjectValue.String(),
		FundedAmount:      rec.FundedAmount.String(),
		ReleasedAmount:    rec.ReleasedAmount.String(),
		RetentionPct:      rec.RetentionPct.String(),
		RetentionHeld:     rec.RetentionHeld.String(),
		Available:         rec.Available().String(),
		Status:            string(rec.Status),
		CreatedAt:         fmtTime(rec.CreatedAt),
		UpdatedAt:         fmtTime(rec.UpdatedAt),
	}
}

type fundingResponse struct {
	ID              string `json:"id"`
	EscrowID        string `json:"escrowId"`
	Amount          string `json:"amount"`
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
	CreatedAt       string `json:"createdAt"`
}

func toFundingResponse(f escrow.Funding) fundingResponse {
	return fundingResponse{
		ID:              f.ID,
		EscrowID:        f.EscrowID,
		Amount:          f.Amount.String(),
		PaymentIntentID: f.PaymentIntentID,
		Status:          string(f.Status),
		CreatedAt:       fmtTime(f.CreatedAt),
	}
}

type payoutResponse struct {
	ID            string  `json:"id"`
	EscrowID      string  `json:"escrowId"`
	Kind          string  `json:"kind"`
	MilestoneID   *string `json:"milestoneId,omitempty"`
	TaskPaymentID *string `json:"taskPaymentId,omitempty"`
	Amount        string  `json:"amount"`
	TransferRef   string  `json:"transferRef"`
	CreatedAt     string  `json:"createdAt"`
}

func toPayoutResponse(p escrow.Payout) payoutResponse {
	return payoutResponse{
		ID:            p.ID,
		EscrowID:      p.EscrowID,
		Kind:          string(p.Kind),
		MilestoneID:   p.MilestoneID,
		TaskPaymentID: p.TaskPaymentID,
		Amount:        p.Amount.String(),
		TransferRef:   p.TransferRef,
		CreatedAt:     fmtTime(p.CreatedAt),
	}
}

type milestoneResponse struct {
	ID            string   `json:"id"`
	EscrowID      string   `json:"escrowId"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	PaymentAmount string   `json:"paymentAmount"`
	Deliverables  []string `json:"deliverables"`
	DueDate       *string  `json:"dueDate,omitempty"`
	SortOrder     int      `json:"sortOrder"`
	Status        string   `json:"status"`
	CompletedAt   *string  `json:"completedAt,omitempty"`
	PaidAmount    *string  `json:"paidAmount,omitempty"`
	Retention     *string  `json:"retention,omitempty"`
	PayoutRef     *string  `json:"payoutRef,omitempty"`
	PaidAt        *string  `json:"paidAt,omitempty"`
	CreatedAt     string   `json:"createdAt"`
}

func toMilestoneResponse(m escrow.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:            m.ID,
		EscrowID:      m.EscrowID,
		Title:         m.Title,
		Description:   m.Description,
		PaymentAmount: m.PaymentAmount.String(),
		Deliverables:  m.Deliverables,
		DueDate:       fmtTimePtr(m.DueDate),
		SortOrder:     m.SortOrder,
		Status:        string(m.Status),
		CompletedAt:   fmtTimePtr(m.CompletedAt),
		PaidAmount:    fmtDecimalPtr(m.PaidAmount),
		Retention:     fmtDecimalPtr(m.RetentionAmount),
		PayoutRef:     m.PayoutRef,
		PaidAt:        fmtTimePtr(m.PaidAt),
		CreatedAt:     fmtTime(m.CreatedAt),
	}
}

type taskResponse struct {
	ID               string  `json:"id"`
	EscrowID         string  `json:"escrowId"`
	TaskName         string  `json:"taskName"`
	Amount           string  `json:"amount"`
	QualityThreshold int     `json:"qualityThreshold"`
	QualityScore     *int    `json:"qualityScore,omitempty"`
	EvidenceURL      *string `json:"evidenceUrl,omitempty"`
	EvidenceText     *string `json:"evidenceText,omitempty"`
	VerificationNote *string `json:"verificationNote,omitempty"`
	Status           string  `json:"status"`
	PayoutRef        *string `json:"payoutRef,omitempty"`
	CreatedAt        string  `json:"createdAt"`
}

func toTaskResponse(t escrow.TaskPayment) taskResponse {
	return taskResponse{
		ID:               t.ID,
		EscrowID:         t.EscrowID,
		TaskName:         t.TaskName,
		Amount:           t.Amount.String(),
		QualityThreshold: t.QualityThreshold,
		QualityScore:     t.QualityScore,
		EvidenceURL:      t.EvidenceURL,
		EvidenceText:     t.EvidenceText,
		VerificationNote: t.VerificationNote,
		Status:           string(t.Status),
		PayoutRef:        t.PayoutRef,
		CreatedAt:        fmtTime(t.CreatedAt),
	}
}

type eventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

func toEventResponse(e escrow.Event) eventResponse {
	payload := json.RawMessage(e.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return eventResponse{
		Seq:       e.Seq,
		Type:      e.Type,
		ActorID:   e.ActorID,
		Payload:   payload,
		CreatedAt: fmtTime(e.CreatedAt),
	}
}

type disputeResponse struct {
	ID                   string  `json:"id"`
	EscrowID             string  `json:"escrowId"`
	MilestoneID          *string `json:"milestoneId,omitempty"`
	TaskPaymentID        *string `json:"taskPaymentId,omitempty"`
	RaisedByUserID       string  `json:"raisedByUserId"`
	RespondentUserID     string  `json:"respondentUserId"`
	Reason               string  `json:"reason"`
	Amount               *string `json:"amount,omitempty"`
	Status               string  `json:"status"`
	MediationRequestedAt *string `json:"mediationRequestedAt,omitempty"`
	Resolution           *string `json:"resolution,omitempty"`
	ResolvedAt           *string `json:"resolvedAt,omitempty"`
	CreatedAt            string  `json:"createdAt"`
	UpdatedAt            string  `json:"updatedAt"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	return disputeResponse{
		ID:                   d.ID,
		EscrowID:             d.EscrowID,
		MilestoneID:          d.MilestoneID,
		TaskPaymentID:        d.TaskPaymentID,
		RaisedByUserID:       d.RaisedByUserID,
		RespondentUserID:     d.RespondentUserID,
		Reason:               d.Reason,
		Amount:               fmtDecimalPtr(d.Amount),
		Status:               string(d.Status),
		MediationRequestedAt: fmtTimePtr(d.MediationRequestedAt),
		Resolution:           d.Resolution,
		ResolvedAt:           fmtTimePtr(d.ResolvedAt),
		CreatedAt:            fmtTime(d.CreatedAt),
		UpdatedAt:            fmtTime(d.UpdatedAt),
	}
}
