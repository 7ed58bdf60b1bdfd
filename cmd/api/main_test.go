package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"namcportal/auth"
	"namcportal/dispute"
	"namcportal/escrow"
	"namcportal/member"
	"namcportal/project"
)

type stubMemberRepo struct {
	profile  member.Profile
	profiles []member.Profile
	err      error
}

func (s *stubMemberRepo) GetByUserID(_ context.Context, _ string) (member.Profile, error) {
	return s.profile, s.err
}

func (s *stubMemberRepo) List(_ context.Context, limit int) ([]member.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 || limit > len(s.profiles) {
		limit = len(s.profiles)
	}
	out := make([]member.Profile, limit)
	copy(out, s.profiles[:limit])
	return out, nil
}

func (s *stubMemberRepo) Update(_ context.Context, _ string, _ member.ProfileUpdate) (member.Profile, error) {
	return s.profile, s.err
}

func (s *stubMemberRepo) SetCRMContactID(_ context.Context, _, _ string) error {
	return s.err
}

type stubEscrowQueries struct {
	record     escrow.Record
	records    []escrow.Record
	total      int
	events     []escrow.Event
	milestones []escrow.Milestone
	tasks      []escrow.TaskPayment
	err        error
}

func (s *stubEscrowQueries) GetByID(_ context.Context, _ string, _ escrow.Viewer) (escrow.Record, error) {
	return s.record, s.err
}

func (s *stubEscrowQueries) ListForViewer(_ context.Context, _ escrow.Viewer, _ escrow.ListFilters) ([]escrow.Record, int, error) {
	return s.records, s.total, s.err
}

func (s *stubEscrowQueries) ListEvents(_ context.Context, _ string, _ escrow.Viewer) ([]escrow.Event, error) {
	return s.events, s.err
}

func (s *stubEscrowQueries) ListMilestones(_ context.Context, _ string, _ escrow.Viewer) ([]escrow.Milestone, error) {
	return s.milestones, s.err
}

func (s *stubEscrowQueries) ListTasks(_ context.Context, _ string, _ escrow.Viewer) ([]escrow.TaskPayment, error) {
	return s.tasks, s.err
}

type stubEscrowService struct {
	createRecord escrow.Record
	createErr    error
	funding      escrow.Funding
	fundErr      error
	changed      escrow.Record
	changeErr    error
	released     escrow.RetentionReleased
	releaseErr   error
	confirmErr   error
}

func (s *stubEscrowService) CreateProjectEscrow(_ context.Context, _ escrow.CreateEscrowParams) (escrow.Record, error) {
	return s.createRecord, s.createErr
}

func (s *stubEscrowService) FundEscrow(_ context.Context, _ escrow.FundParams) (escrow.Funding, error) {
	return s.funding, s.fundErr
}

func (s *stubEscrowService) ProcessChangeOrder(_ context.Context, _ escrow.ChangeOrderParams) (escrow.Record, error) {
	return s.changed, s.changeErr
}

func (s *stubEscrowService) ReleaseRetention(_ context.Context, _ escrow.ReleaseRetentionParams) (escrow.RetentionReleased, error) {
	return s.released, s.releaseErr
}

func (s *stubEscrowService) HandleFundingSucceeded(_ context.Context, _ escrow.FundingSucceededParams) error {
	return s.confirmErr
}

type stubMilestoneService struct {
	created    escrow.Milestone
	createErr  error
	completion escrow.MilestoneCompletion
	complErr   error
}

func (s *stubMilestoneService) Create(_ context.Context, _ escrow.CreateMilestoneParams) (escrow.Milestone, error) {
	return s.created, s.createErr
}

func (s *stubMilestoneService) Complete(_ context.Context, _ escrow.CompleteMilestoneParams) (escrow.MilestoneCompletion, error) {
	return s.completion, s.complErr
}

type stubTaskService struct {
	created      escrow.TaskPayment
	createErr    error
	attached     escrow.TaskPayment
	attachErr    error
	verification escrow.TaskVerification
	verifyErr    error
}

func (s *stubTaskService) Create(_ context.Context, _ escrow.CreateTaskParams) (escrow.TaskPayment, error) {
	return s.created, s.createErr
}

func (s *stubTaskService) AttachEvidence(_ context.Context, _ escrow.AttachEvidenceParams) (escrow.TaskPayment, error) {
	return s.attached, s.attachErr
}

func (s *stubTaskService) Verify(_ context.Context, _ escrow.VerifyTaskParams) (escrow.TaskVerification, error) {
	return s.verification, s.verifyErr
}

type stubMatchService struct {
	listMatches       []project.Match
	listErr           error
	createMatch       project.Match
	createErr         error
	contractorMatches []project.Match
	contractorErr     error
	updateResult      project.MatchUpdateResult
	updateErr         error
}

func (s *stubMatchService) List(_ context.Context, _, _ string, _ bool) ([]project.Match, error) {
	return s.listMatches, s.listErr
}

func (s *stubMatchService) Create(_ context.Context, _ project.CreateMatchParams) (project.Match, error) {
	return s.createMatch, s.createErr
}

func (s *stubMatchService) ListForContractor(_ context.Context, _ string) ([]project.Match, error) {
	return s.contractorMatches, s.contractorErr
}

func (s *stubMatchService) UpdateState(_ context.Context, _ project.UpdateMatchParams) (project.MatchUpdateResult, error) {
	return s.updateResult, s.updateErr
}

type stubDisputeService struct {
	createRecord    dispute.Record
	createErr       error
	mediationRecord dispute.Record
	mediationErr    error
	resolveRecord   dispute.Record
	resolveErr      error
}

func (s *stubDisputeService) Create(_ context.Context, _ dispute.CreateParams) (dispute.Record, error) {
	return s.createRecord, s.createErr
}

func (s *stubDisputeService) RequestMediation(_ context.Context, _ dispute.MediationParams) (dispute.Record, error) {
	return s.mediationRecord, s.mediationErr
}

func (s *stubDisputeService) Resolve(_ context.Context, _ dispute.ResolveParams) (dispute.Record, error) {
	return s.resolveRecord, s.resolveErr
}

type stubDisputeQueries struct {
	record  dispute.Record
	records []dispute.Record
	err     error
}

func (s *stubDisputeQueries) GetByID(_ context.Context, _ string, _ dispute.Viewer) (dispute.Record, error) {
	return s.record, s.err
}

func (s *stubDisputeQueries) List(_ context.Context, _ dispute.Viewer, _ dispute.ListFilters) ([]dispute.Record, error) {
	return s.records, s.err
}

func authedRequest(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func TestHandleMemberDetail_Success(t *testing.T) {
	now := time.Date(2025, 2, 14, 9, 30, 0, 0, time.UTC)
	phone := "+14155550123"
	server := &Server{
		memberService: member.NewService(&stubMemberRepo{
			profile: member.Profile{
				UserID:           "u1",
				FullName:         "Dana Harris",
				Email:            "dana@harrisbuilds.com",
				CompanyName:      "Harris Construction",
				Phone:            &phone,
				TradeSpecialties: []string{"electrical"},
				CreatedAt:        now,
				UpdatedAt:        now,
			},
		}, nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/members/u1", nil)
	rec := httptest.NewRecorder()

	server.handleMemberDetail(rec, authedRequest(req, "viewer-1", auth.RoleContractor))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp profileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.UserID != "u1" || resp.CompanyName != "Harris Construction" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.Phone == nil || *resp.Phone != phone {
		t.Fatalf("expected phone %s, got %v", phone, resp.Phone)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleMemberDetail_NotFound(t *testing.T) {
	server := &Server{
		memberService: member.NewService(&stubMemberRepo{err: member.ErrNotFound}, nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/members/missing", nil)
	rec := httptest.NewRecorder()

	server.handleMemberDetail(rec, authedRequest(req, "viewer-1", auth.RoleContractor))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleMemberDetail_InvalidPath(t *testing.T) {
	server := &Server{
		memberService: member.NewService(&stubMemberRepo{}, nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/members/", nil)
	rec := httptest.NewRecorder()

	server.handleMemberDetail(rec, authedRequest(req, "viewer-1", auth.RoleContractor))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleMembers_List(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		memberService: member.NewService(&stubMemberRepo{
			profiles: []member.Profile{
				{UserID: "u1", FullName: "Alpha Electric", CreatedAt: now, UpdatedAt: now},
				{UserID: "u2", FullName: "Beta Plumbing", CreatedAt: now, UpdatedAt: now},
			},
		}, nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/members?limit=1", nil)
	rec := httptest.NewRecorder()

	server.handleMembers(rec, authedRequest(req, "viewer-1", auth.RoleContractor))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []profileResponse `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].UserID != "u1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleMembers_WrongMethod(t *testing.T) {
	server := &Server{
		memberService: member.NewService(&stubMemberRepo{}, nil, nil),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/members", nil)
	rec := httptest.NewRecorder()

	server.handleMembers(rec, authedRequest(req, "viewer-1", auth.RoleContractor))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleGetEscrow_Success(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	server := &Server{
		escrowQueries: &stubEscrowQueries{
			record: escrow.Record{
				ID:                "e1",
				ProjectID:         "p1",
				ClientUserID:      "client-1",
				ContractorUserID:  "contractor-1",
				TotalProjectValue: decimal.NewFromInt(100000),
				FundedAmount:      decimal.NewFromInt(40000),
				ReleasedAmount:    decimal.NewFromInt(9500),
				RetentionPct:      decimal.NewFromInt(5),
				RetentionHeld:     decimal.NewFromInt(500),
				Status:            escrow.StatusActive,
				CreatedAt:         now,
				UpdatedAt:         now,
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/e1", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "e1" || resp.Status != "active" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.Available != "30000" {
		t.Fatalf("expected available 30000, got %s", resp.Available)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleGetEscrow_NotParty(t *testing.T) {
	server := &Server{
		escrowQueries: &stubEscrowQueries{err: escrow.ErrNotParty},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/e1", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, authedRequest(req, "outsider", auth.RoleContractor))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetEscrow_UnexpectedError(t *testing.T) {
	server := &Server{
		escrowQueries: &stubEscrowQueries{err: errors.New("boom")},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/e1", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleEscrowDetail_InvalidPath(t *testing.T) {
	server := &Server{escrowQueries: &stubEscrowQueries{}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/e1/bogus", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleListEscrows_Envelope(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		escrowQueries: &stubEscrowQueries{
			records: []escrow.Record{
				{ID: "e1", Status: escrow.StatusFunded, CreatedAt: now, UpdatedAt: now},
			},
			total: 7,
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows?status=funded&page=2", nil)
	rec := httptest.NewRecorder()

	server.handleEscrows(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []escrowResponse `json:"items"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 7 || payload.Items[0].ID != "e1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleFundEscrow_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		escrowService: &stubEscrowService{
			funding: escrow.Funding{
				ID:              "f1",
				EscrowID:        "e1",
				Amount:          decimal.NewFromInt(25000),
				PaymentIntentID: "pi_123",
				Status:          escrow.FundingPending,
				CreatedAt:       now,
			},
		},
	}

	body := strings.NewReader(`{"amount":"25000"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows/e1/fund", body)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp fundingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "f1" || resp.PaymentIntentID != "pi_123" || resp.Status != "pending" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
}

func TestHandleFundEscrow_Frozen(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{fundErr: escrow.ErrEscrowFrozen},
	}

	body := strings.NewReader(`{"amount":"100"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows/e1/fund", body)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleCreateMilestone_ForbidNonAdmin(t *testing.T) {
	server := &Server{milestoneService: &stubMilestoneService{}}

	body := strings.NewReader(`{"title":"Foundation","amount":"10000"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows/e1/milestones", body)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, authedRequest(req, "contractor-1", auth.RoleContractor))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCompleteMilestone_Paid(t *testing.T) {
	now := time.Now().UTC()
	paid := decimal.NewFromInt(9500)
	server := &Server{
		milestoneService: &stubMilestoneService{
			completion: escrow.MilestoneCompletion{
				Milestone: escrow.Milestone{
					ID:         "m1",
					EscrowID:   "e1",
					Title:      "Foundation",
					Status:     escrow.MilestonePaid,
					PaidAmount: &paid,
					CreatedAt:  now,
					UpdatedAt:  now,
				},
				Escrow: escrow.Record{ID: "e1", Status: escrow.StatusActive, CreatedAt: now, UpdatedAt: now},
				Payout: &escrow.Payout{
					ID:          "po1",
					EscrowID:    "e1",
					Kind:        escrow.PayoutMilestone,
					Amount:      paid,
					TransferRef: "tr_m1",
					CreatedAt:   now,
				},
			},
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/milestones/m1/complete", strings.NewReader(`{"verificationNote":"inspected"}`))
	rec := httptest.NewRecorder()

	server.handleMilestoneDetail(rec, authedRequest(req, "admin-1", auth.RoleAdmin))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Milestone milestoneResponse `json:"milestone"`
		Escrow    escrowResponse    `json:"escrow"`
		Payout    *payoutResponse   `json:"payout"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Milestone.Status != "paid" || payload.Payout == nil || payload.Payout.TransferRef != "tr_m1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleVerifyTask_Rejected(t *testing.T) {
	now := time.Now().UTC()
	score := 55
	server := &Server{
		taskService: &stubTaskService{
			verification: escrow.TaskVerification{
				Task: escrow.TaskPayment{
					ID:           "t1",
					EscrowID:     "e1",
					TaskName:     "Drywall patch",
					Status:       escrow.TaskRejected,
					QualityScore: &score,
					CreatedAt:    now,
					UpdatedAt:    now,
				},
				Escrow:   escrow.Record{ID: "e1", Status: escrow.StatusFunded, CreatedAt: now, UpdatedAt: now},
				Approved: false,
			},
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/verify", strings.NewReader(`{"qualityScore":55}`))
	rec := httptest.NewRecorder()

	server.handleTaskDetail(rec, authedRequest(req, "admin-1", auth.RoleAdmin))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Task     taskResponse    `json:"task"`
		Approved bool            `json:"approved"`
		Payout   *payoutResponse `json:"payout"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Approved || payload.Task.Status != "rejected" || payload.Payout != nil {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleCreateProject_ForbidContractorRole(t *testing.T) {
	server := &Server{}

	body := strings.NewReader(`{"title":"Lobby remodel","budget":"50000","tradeCategories":["general"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/projects", body)
	rec := httptest.NewRecorder()

	server.handleProjects(rec, authedRequest(req, "contractor-1", auth.RoleContractor))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleContractorMatches_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		matchService: &stubMatchService{
			contractorMatches: []project.Match{
				{ID: "m1", ProjectID: "p1", ContractorUserID: "contractor-1", State: project.MatchStateInvited, Score: 0.82, CreatedAt: now},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/matches", nil)
	rec := httptest.NewRecorder()

	server.handleContractorMatches(rec, authedRequest(req, "contractor-1", auth.RoleContractor))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []matchResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "m1" {
		t.Fatalf("unexpected matches payload: %+v", payload)
	}
}

func TestHandleUpdateMatch_InvalidState(t *testing.T) {
	server := &Server{matchService: &stubMatchService{}}

	req := httptest.NewRequest(http.MethodPatch, "/api/projects/p1/matches/m1", strings.NewReader(`{"state":"pending"}`))
	rec := httptest.NewRecorder()

	server.handleUpdateMatch(rec, authedRequest(req, "contractor-1", auth.RoleContractor), "p1", "m1")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleUpdateMatch_AcceptReturnsEscrow(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		matchService: &stubMatchService{
			updateResult: project.MatchUpdateResult{
				Match: project.Match{ID: "m1", ProjectID: "p1", ContractorUserID: "contractor-1", State: project.MatchStateAccepted, CreatedAt: now},
				Escrow: &escrow.Record{
					ID:               "e1",
					ProjectID:        "p1",
					ContractorUserID: "contractor-1",
					Status:           escrow.StatusPending,
					CreatedAt:        now,
					UpdatedAt:        now,
				},
			},
		},
	}

	req := httptest.NewRequest(http.MethodPatch, "/api/projects/p1/matches/m1", strings.NewReader(`{"state":"accepted"}`))
	rec := httptest.NewRecorder()

	server.handleUpdateMatch(rec, authedRequest(req, "contractor-1", auth.RoleContractor), "p1", "m1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Match  matchResponse   `json:"match"`
		Escrow *escrowResponse `json:"escrow"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Match.State != "accepted" || payload.Escrow == nil || payload.Escrow.ID != "e1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleListDisputes_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		disputeQueries: &stubDisputeQueries{
			records: []dispute.Record{
				{ID: "d1", EscrowID: "e1", RaisedByUserID: "client-1", RespondentUserID: "contractor-1", Status: dispute.StatusOpen, CreatedAt: now, UpdatedAt: now},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/disputes", nil)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []disputeResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "d1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleCreateDispute_Forbidden(t *testing.T) {
	server := &Server{
		disputeService: &stubDisputeService{createErr: dispute.ErrForbidden},
	}

	body := strings.NewReader(`{"escrowId":"e1","reason":"work not performed"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes", body)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, authedRequest(req, "outsider", auth.RoleContractor))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleResolveDispute_BadStatus(t *testing.T) {
	server := &Server{
		disputeService: &stubDisputeService{resolveErr: dispute.ErrBadStatus},
	}

	body := strings.NewReader(`{"resolution":"split the difference"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", body)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, authedRequest(req, "admin-1", auth.RoleAdmin))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePaymentsWebhook_BadSignature(t *testing.T) {
	server := &Server{webhookSecret: "whsec_test"}

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "bogus")
	rec := httptest.NewRecorder()

	server.handlePaymentsWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePaymentsWebhook_WrongMethod(t *testing.T) {
	server := &Server{webhookSecret: "whsec_test"}

	req := httptest.NewRequest(http.MethodGet, "/api/payments/webhook", nil)
	rec := httptest.NewRecorder()

	server.handlePaymentsWebhook(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

// signedWebhookRequest builds a webhook POST whose payload is signed the way
// the payment processor signs deliveries.
func signedWebhookRequest(secret, eventType, intentID string) *http.Request {
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","object":"event","api_version":%q,"type":%q,"data":{"object":{"id":%q,"object":"payment_intent"}}}`,
		stripe.APIVersion, eventType, intentID,
	))
	now := time.Now()
	mac := webhook.ComputeSignature(now, payload, secret)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(mac)))
	return req
}

func TestHandlePaymentsWebhook_AppliesFunding(t *testing.T) {
	server := &Server{webhookSecret: "whsec_test", escrowService: &stubEscrowService{}}

	rec := httptest.NewRecorder()
	server.handlePaymentsWebhook(rec, signedWebhookRequest("whsec_test", "payment_intent.succeeded", "pi_123"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload["received"] {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandlePaymentsWebhook_AcknowledgesUnknownIntent(t *testing.T) {
	server := &Server{
		webhookSecret: "whsec_test",
		escrowService: &stubEscrowService{confirmErr: escrow.ErrFundingNotFound},
	}

	rec := httptest.NewRecorder()
	server.handlePaymentsWebhook(rec, signedWebhookRequest("whsec_test", "payment_intent.succeeded", "pi_unknown"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown intent, got %d", rec.Code)
	}
}

func TestHandlePaymentsWebhook_RetriesOnApplyFailure(t *testing.T) {
	server := &Server{
		webhookSecret: "whsec_test",
		escrowService: &stubEscrowService{confirmErr: errors.New("db down")},
	}

	rec := httptest.NewRecorder()
	server.handlePaymentsWebhook(rec, signedWebhookRequest("whsec_test", "payment_intent.succeeded", "pi_123"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandlePaymentsWebhook_IgnoresOtherEventTypes(t *testing.T) {
	// escrowService stays nil; applying an event we ignore would panic.
	server := &Server{webhookSecret: "whsec_test"}

	rec := httptest.NewRecorder()
	server.handlePaymentsWebhook(rec, signedWebhookRequest("whsec_test", "payment_intent.created", "pi_123"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandlePaymentsReport_ForbidNonAdmin(t *testing.T) {
	server := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/api/reports/payments", nil)
	rec := httptest.NewRecorder()

	server.handlePaymentsReport(rec, authedRequest(req, "client-1", auth.RoleClient))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireAuth_MissingCookie(t *testing.T) {
	server := &Server{cookieName: "namc_session"}
	handler := server.requireAuth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/escrows", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
