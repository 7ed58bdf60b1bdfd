package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"namcportal/auth"
	"namcportal/dispute"
	"namcportal/escrow"
	"namcportal/member"
	"namcportal/project"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

var validate = validator.New()

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Logout(ctx context.Context, token string) error
	Authenticate(ctx context.Context, token string) (auth.Session, error)
}

type memberService interface {
	GetByUserID(ctx context.Context, userID string) (member.Profile, error)
	List(ctx context.Context, limit int) ([]member.Profile, error)
	Update(ctx context.Context, userID string, params member.UpdateParams) (member.Profile, error)
}

type projectService interface {
	Create(ctx context.Context, params project.CreateParams) (project.Opportunity, error)
	GetByID(ctx context.Context, id string) (project.Opportunity, error)
	List(ctx context.Context, filters project.Filters) (project.ListResult, error)
	Cancel(ctx context.Context, params project.CancelParams) (project.Opportunity, error)
}

type matchService interface {
	List(ctx context.Context, projectID, viewerID string, viewerIsAdmin bool) ([]project.Match, error)
	Create(ctx context.Context, params project.CreateMatchParams) (project.Match, error)
	ListForContractor(ctx context.Context, contractorID string) ([]project.Match, error)
	UpdateState(ctx context.Context, params project.UpdateMatchParams) (project.MatchUpdateResult, error)
}

type escrowService interface {
	CreateProjectEscrow(ctx context.Context, params escrow.CreateEscrowParams) (escrow.Record, error)
	FundEscrow(ctx context.Context, params escrow.FundParams) (escrow.Funding, error)
	ProcessChangeOrder(ctx context.Context, params escrow.ChangeOrderParams) (escrow.Record, error)
	ReleaseRetention(ctx context.Context, params escrow.ReleaseRetentionParams) (escrow.RetentionReleased, error)
	HandleFundingSucceeded(ctx context.Context, params escrow.FundingSucceededParams) error
}

type milestoneService interface {
	Create(ctx context.Context, params escrow.CreateMilestoneParams) (escrow.Milestone, error)
	Complete(ctx context.Context, params escrow.CompleteMilestoneParams) (escrow.MilestoneCompletion, error)
}

type taskService interface {
	Create(ctx context.Context, params escrow.CreateTaskParams) (escrow.TaskPayment, error)
	AttachEvidence(ctx context.Context, params escrow.AttachEvidenceParams) (escrow.TaskPayment, error)
	Verify(ctx context.Context, params escrow.VerifyTaskParams) (escrow.TaskVerification, error)
}

type escrowQueries interface {
	GetByID(ctx context.Context, escrowID string, viewer escrow.Viewer) (escrow.Record, error)
	ListForViewer(ctx context.Context, viewer escrow.Viewer, filters escrow.ListFilters) ([]escrow.Record, int, error)
	ListEvents(ctx context.Context, escrowID string, viewer escrow.Viewer) ([]escrow.Event, error)
	ListMilestones(ctx context.Context, escrowID string, viewer escrow.Viewer) ([]escrow.Milestone, error)
	ListTasks(ctx context.Context, escrowID string, viewer escrow.Viewer) ([]escrow.TaskPayment, error)
}

type disputeService interface {
	Create(ctx context.Context, params dispute.CreateParams) (dispute.Record, error)
	RequestMediation(ctx context.Context, params dispute.MediationParams) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
}

type disputeQueries interface {
	GetByID(ctx context.Context, disputeID string, viewer dispute.Viewer) (dispute.Record, error)
	List(ctx context.Context, viewer dispute.Viewer, filters dispute.ListFilters) ([]dispute.Record, error)
}

type reportService interface {
	PaymentActivityWorkbook(ctx context.Context, filters escrow.PaymentActivityFilters) (*excelize.File, error)
}

// Server holds the portal's services and exposes them as JSON endpoints
// under /api. Handlers authorize from context values the auth middleware
// sets, call one service method, and translate sentinel errors to statuses.
type Server struct {
	authService      authService
	memberService    memberService
	projectService   projectService
	matchService     matchService
	escrowService    escrowService
	milestoneService milestoneService
	taskService      taskService
	escrowQueries    escrowQueries
	disputeService   disputeService
	disputeQueries   disputeQueries
	reportService    reportService

	pool          *pgxpool.Pool
	cookieName    string
	sessionTTL    time.Duration
	webhookSecret string
	logger        *logrus.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/logout", s.requireAuth(s.handleLogout))

	mux.HandleFunc("/api/members", s.requireAuth(s.handleMembers))
	mux.HandleFunc("/api/members/", s.requireAuth(s.handleMemberDetail))
	mux.HandleFunc("/api/profile", s.requireAuth(s.handleProfile))

	mux.HandleFunc("/api/projects", s.requireAuth(s.handleProjects))
	mux.HandleFunc("/api/projects/", s.requireAuth(s.handleProjectDetail))
	mux.HandleFunc("/api/matches", s.requireAuth(s.handleContractorMatches))

	mux.HandleFunc("/api/escrows", s.requireAuth(s.handleEscrows))
	mux.HandleFunc("/api/escrows/", s.requireAuth(s.handleEscrowDetail))
	mux.HandleFunc("/api/milestones/", s.requireAuth(s.handleMilestoneDetail))
	mux.HandleFunc("/api/tasks/", s.requireAuth(s.handleTaskDetail))

	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))

	mux.HandleFunc("/api/payments/webhook", s.handlePaymentsWebhook)
	mux.HandleFunc("/api/reports/payments", s.requireAuth(s.handlePaymentsReport))

	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// requireAuth resolves the session cookie and stashes the caller's identity
// in the request context. Everything behind it can assume both values are
// present.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.cookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		session, err := s.authService.Authenticate(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			s.logError(r, "authenticate", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, session.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, session.Role)
		next(w, r.WithContext(ctx))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.logger == nil {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	})
}

// userID and userRole read what requireAuth stashed. Handlers invoked
// directly in tests inject the same keys.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func userRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON parses the body into v and runs the validator over it. Both
// malformed JSON and a missing required field surface as one client error.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}

func (s *Server) logError(r *http.Request, op string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"module": "api",
		"func":   op,
		"method": r.Method,
		"path":   r.URL.Path,
	}).Error(err.Error())
}

// errorStatus pairs every service sentinel with its HTTP translation. First
// match wins; anything unmatched is a logged 500.
var errorStatus = []struct {
	err    error
	status int
	msg    string
}{
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid credentials"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
	{auth.ErrWeakPassword, http.StatusBadRequest, "password must be at least 8 characters"},
	{auth.ErrDuplicateEmail, http.StatusConflict, "email already registered"},
	{auth.ErrUserNotFound, http.StatusNotFound, "not found"},

	{member.ErrNotFound, http.StatusNotFound, "not found"},
	{member.ErrInvalidPhone, http.StatusBadRequest, "invalid phone number"},

	{project.ErrNotFound, http.StatusNotFound, "not found"},
	{project.ErrMatchNotFound, http.StatusNotFound, "not found"},
	{project.ErrMatchForbidden, http.StatusNotFound, "not found"},
	{project.ErrMatchDuplicate, http.StatusConflict, "contractor already matched"},
	{project.ErrMatchInvalidScore, http.StatusBadRequest, "score must be between 0 and 1"},
	{project.ErrMatchInvalidState, http.StatusBadRequest, "invalid match state"},
	{project.ErrMatchInvalidTransition, http.StatusConflict, "invalid match transition"},
	{project.ErrProjectNotOpen, http.StatusConflict, "project not open"},
	{project.ErrContractorRequired, http.StatusBadRequest, "contractor user id required"},
	{project.ErrCancelForbidden, http.StatusForbidden, "forbidden"},
	{project.ErrCancelInvalidState, http.StatusConflict, "project cannot be cancelled"},

	{escrow.ErrNotFound, http.StatusNotFound, "not found"},
	{escrow.ErrMilestoneNotFound, http.StatusNotFound, "not found"},
	{escrow.ErrTaskNotFound, http.StatusNotFound, "not found"},
	{escrow.ErrNotParty, http.StatusNotFound, "not found"},
	{escrow.ErrProjectNotAwardable, http.StatusConflict, "project not awardable"},
	{escrow.ErrContractorMismatch, http.StatusConflict, "escrow belongs to another contractor"},
	{escrow.ErrExcessFunding, http.StatusConflict, "funding exceeds remaining balance"},
	{escrow.ErrEscrowNotFunded, http.StatusConflict, "escrow not funded"},
	{escrow.ErrEscrowFrozen, http.StatusConflict, "escrow frozen by open dispute"},
	{escrow.ErrEscrowClosed, http.StatusConflict, "escrow closed"},
	{escrow.ErrInvalidTransition, http.StatusConflict, "invalid status transition"},
	{escrow.ErrInsufficientFunds, http.StatusConflict, "insufficient funded balance"},
	{escrow.ErrMilestoneBudgetExceeded, http.StatusBadRequest, "milestone amounts exceed project value"},
	{escrow.ErrMilestoneAlreadyPaid, http.StatusConflict, "milestone already paid"},
	{escrow.ErrMilestonesOutstanding, http.StatusConflict, "milestones outstanding"},
	{escrow.ErrTasksOutstanding, http.StatusConflict, "task payments outstanding"},
	{escrow.ErrTaskSettled, http.StatusConflict, "task payment already settled"},
	{escrow.ErrDuplicateRelease, http.StatusConflict, "release already recorded"},
	{escrow.ErrChangeOrderTooLow, http.StatusBadRequest, "change order below committed amounts"},
	{escrow.ErrProcessorUnavailable, http.StatusServiceUnavailable, "payment processor unavailable"},

	{dispute.ErrNotFound, http.StatusNotFound, "not found"},
	{dispute.ErrForbidden, http.StatusNotFound, "not found"},
	{dispute.ErrAlreadyOpen, http.StatusConflict, "dispute already open"},
	{dispute.ErrBadReference, http.StatusBadRequest, "referenced item not part of escrow"},
	{dispute.ErrBadStatus, http.StatusBadRequest, "invalid status transition"},
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	for _, entry := range errorStatus {
		if errors.Is(err, entry.err) {
			writeError(w, entry.status, entry.msg)
			return
		}
	}
	s.logError(r, op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// pathSegments splits the request path after the prefix: for
// /api/escrows/e1/milestones it returns ["e1", "milestones"].
func pathSegments(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
