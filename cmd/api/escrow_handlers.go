package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"namcportal/auth"
	"namcportal/escrow"
)

func (s *Server) viewer(r *http.Request) escrow.Viewer {
	return escrow.Viewer{UserID: userID(r), Role: userRole(r)}
}

type createEscrowRequest struct {
	ProjectID        string `json:"projectId" validate:"required"`
	ContractorUserID string `json:"contractorUserId" validate:"required"`
	TotalValue       string `json:"totalValue"`
	RetentionPct     string `json:"retentionPct"`
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListEscrows(w, r)
	case http.MethodPost:
		s.handleCreateEscrow(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := escrow.ListFilters{Status: escrow.Status(q.Get("status"))}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	records, total, err := s.escrowQueries.ListForViewer(r.Context(), s.viewer(r), filters)
	if err != nil {
		s.writeServiceError(w, r, "handleListEscrows", err)
		return
	}

	items := make([]escrowResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toEscrowResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// handleCreateEscrow is the admin path for agreements recorded outside
// matching. Accepting a match opens the escrow automatically.
func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var total decimal.Decimal
	if req.TotalValue != "" {
		var err error
		if total, err = decimal.NewFromString(req.TotalValue); err != nil {
			writeError(w, http.StatusBadRequest, "invalid total value")
			return
		}
	}

	retention := escrow.DefaultRetentionPct
	if req.RetentionPct != "" {
		var err error
		if retention, err = decimal.NewFromString(req.RetentionPct); err != nil {
			writeError(w, http.StatusBadRequest, "invalid retention percentage")
			return
		}
	}

	rec, err := s.escrowService.CreateProjectEscrow(r.Context(), escrow.CreateEscrowParams{
		ProjectID:        req.ProjectID,
		ContractorUserID: req.ContractorUserID,
		TotalValue:       total,
		RetentionPct:     retention,
		ActorID:          userID(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleCreateEscrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/escrows/")
	switch {
	case len(segments) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetEscrow(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "fund":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleFundEscrow(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "change-order":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleChangeOrder(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "release-retention":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleReleaseRetention(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleListEscrowEvents(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "milestones":
		switch r.Method {
		case http.MethodGet:
			s.handleListEscrowMilestones(w, r, segments[0])
		case http.MethodPost:
			s.handleCreateMilestone(w, r, segments[0])
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case len(segments) == 2 && segments[1] == "tasks":
		switch r.Method {
		case http.MethodGet:
			s.handleListEscrowTasks(w, r, segments[0])
		case http.MethodPost:
			s.handleCreateTask(w, r, segments[0])
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	default:
		writeError(w, http.StatusBadRequest, "invalid path")
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request, escrowID string) {
	rec, err := s.escrowQueries.GetByID(r.Context(), escrowID, s.viewer(r))
	if err != nil {
		s.writeServiceError(w, r, "handleGetEscrow", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

type fundEscrowRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request, escrowID string) {
	var req fundEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	funding, err := s.escrowService.FundEscrow(r.Context(), escrow.FundParams{
		EscrowID:  escrowID,
		Amount:    amount,
		ActorID:   userID(r),
		ActorRole: userRole(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleFundEscrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, toFundingResponse(funding))
}

type changeOrderRequest struct {
	AmountDelta string `json:"amountDelta" validate:"required"`
	Description string `json:"description"`
}

func (s *Server) handleChangeOrder(w http.ResponseWriter, r *http.Request, escrowID string) {
	var req changeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	delta, err := decimal.NewFromString(req.AmountDelta)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount delta")
		return
	}

	rec, err := s.escrowService.ProcessChangeOrder(r.Context(), escrow.ChangeOrderParams{
		EscrowID:    escrowID,
		AmountDelta: delta,
		Description: req.Description,
		ActorID:     userID(r),
		ActorRole:   userRole(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleChangeOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleReleaseRetention(w http.ResponseWriter, r *http.Request, escrowID string) {
	released, err := s.escrowService.ReleaseRetention(r.Context(), escrow.ReleaseRetentionParams{
		EscrowID:  escrowID,
		ActorID:   userID(r),
		ActorRole: userRole(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleReleaseRetention", err)
		return
	}

	resp := map[string]any{"escrow": toEscrowResponse(released.Record)}
	if released.Payout != nil {
		resp["payout"] = toPayoutResponse(*released.Payout)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEscrowEvents(w http.ResponseWriter, r *http.Request, escrowID string) {
	events, err := s.escrowQueries.ListEvents(r.Context(), escrowID, s.viewer(r))
	if err != nil {
		s.writeServiceError(w, r, "handleListEscrowEvents", err)
		return
	}

	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListEscrowMilestones(w http.ResponseWriter, r *http.Request, escrowID string) {
	milestones, err := s.escrowQueries.ListMilestones(r.Context(), escrowID, s.viewer(r))
	if err != nil {
		s.writeServiceError(w, r, "handleListEscrowMilestones", err)
		return
	}

	items := make([]milestoneResponse, 0, len(milestones))
	for _, m := range milestones {
		items = append(items, toMilestoneResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createMilestoneRequest struct {
	Title        string   `json:"title" validate:"required"`
	Description  string   `json:"description"`
	Amount       string   `json:"amount" validate:"required"`
	Deliverables []string `json:"deliverables"`
	DueDate      *string  `json:"dueDate"`
	SortOrder    int      `json:"sortOrder"`
}

func (s *Server) handleCreateMilestone(w http.ResponseWriter, r *http.Request, escrowID string) {
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createMilestoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	var dueDate *time.Time
	if req.DueDate != nil && *req.DueDate != "" {
		parsed, err := time.Parse(time.RFC3339, *req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid due date")
			return
		}
		dueDate = &parsed
	}

	milestone, err := s.milestoneService.Create(r.Context(), escrow.CreateMilestoneParams{
		EscrowID:     escrowID,
		Title:        req.Title,
		Description:  req.Description,
		Amount:       amount,
		Deliverables: req.Deliverables,
		DueDate:      dueDate,
		SortOrder:    req.SortOrder,
		ActorID:      userID(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleCreateMilestone", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMilestoneResponse(milestone))
}

func (s *Server) handleListEscrowTasks(w http.ResponseWriter, r *http.Request, escrowID string) {
	tasks, err := s.escrowQueries.ListTasks(r.Context(), escrowID, s.viewer(r))
	if err != nil {
		s.writeServiceError(w, r, "handleListEscrowTasks", err)
		return
	}

	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createTaskRequest struct {
	TaskName         string `json:"taskName" validate:"required"`
	Amount           string `json:"amount" validate:"required"`
	QualityThreshold int    `json:"qualityThreshold" validate:"min=0,max=100"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, escrowID string) {
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	task, err := s.taskService.Create(r.Context(), escrow.CreateTaskParams{
		EscrowID:         escrowID,
		TaskName:         req.TaskName,
		Amount:           amount,
		QualityThreshold: req.QualityThreshold,
		ActorID:          userID(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleCreateTask", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

type completeMilestoneRequest struct {
	VerificationNote string `json:"verificationNote"`
}

func (s *Server) handleMilestoneDetail(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/milestones/")
	if len(segments) != 2 || segments[1] != "complete" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	// Body is optional; completion without a note is fine.
	var req completeMilestoneRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	completion, err := s.milestoneService.Complete(r.Context(), escrow.CompleteMilestoneParams{
		MilestoneID:      segments[0],
		VerificationNote: req.VerificationNote,
		ActorID:          userID(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleMilestoneDetail", err)
		return
	}

	resp := map[string]any{
		"milestone": toMilestoneResponse(completion.Milestone),
		"escrow":    toEscrowResponse(completion.Escrow),
	}
	if completion.Payout != nil {
		resp["payout"] = toPayoutResponse(*completion.Payout)
	}
	writeJSON(w, http.StatusOK, resp)
}

type attachEvidenceRequest struct {
	PhotoURL string `json:"photoUrl" validate:"required,url"`
}

type verifyTaskRequest struct {
	QualityScore int    `json:"qualityScore" validate:"min=0,max=100"`
	Note         string `json:"note"`
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/tasks/")
	if len(segments) != 2 {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch segments[1] {
	case "evidence":
		s.handleAttachEvidence(w, r, segments[0])
	case "verify":
		s.handleVerifyTask(w, r, segments[0])
	default:
		writeError(w, http.StatusBadRequest, "invalid path")
	}
}

func (s *Server) handleAttachEvidence(w http.ResponseWriter, r *http.Request, taskID string) {
	var req attachEvidenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.taskService.AttachEvidence(r.Context(), escrow.AttachEvidenceParams{
		TaskPaymentID: taskID,
		PhotoURL:      req.PhotoURL,
		ActorID:       userID(r),
		ActorIsAdmin:  userRole(r) == auth.RoleAdmin,
	})
	if err != nil {
		s.writeServiceError(w, r, "handleAttachEvidence", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleVerifyTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req verifyTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	verification, err := s.taskService.Verify(r.Context(), escrow.VerifyTaskParams{
		TaskPaymentID: taskID,
		QualityScore:  req.QualityScore,
		Note:          req.Note,
		ActorID:       userID(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleVerifyTask", err)
		return
	}

	resp := map[string]any{
		"task":     toTaskResponse(verification.Task),
		"escrow":   toEscrowResponse(verification.Escrow),
		"approved": verification.Approved,
	}
	if verification.Payout != nil {
		resp["payout"] = toPayoutResponse(*verification.Payout)
	}
	writeJSON(w, http.StatusOK, resp)
}
