package main

import (
	"net/http"

	"github.com/shopspring/decimal"

	"namcportal/dispute"
)

func (s *Server) disputeViewer(r *http.Request) dispute.Viewer {
	return dispute.Viewer{UserID: userID(r), Role: userRole(r)}
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDisputes(w, r)
	case http.MethodPost:
		s.handleCreateDispute(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := dispute.ListFilters{
		EscrowID: q.Get("escrowId"),
		Status:   dispute.Status(q.Get("status")),
	}

	records, err := s.disputeQueries.List(r.Context(), s.disputeViewer(r), filters)
	if err != nil {
		s.writeServiceError(w, r, "handleListDisputes", err)
		return
	}

	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createDisputeRequest struct {
	EscrowID      string  `json:"escrowId" validate:"required"`
	MilestoneID   *string `json:"milestoneId"`
	TaskPaymentID *string `json:"taskPaymentId"`
	Reason        string  `json:"reason" validate:"required"`
	Amount        *string `json:"amount"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var amount *decimal.Decimal
	if req.Amount != nil && *req.Amount != "" {
		parsed, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}
		amount = &parsed
	}

	rec, err := s.disputeService.Create(r.Context(), dispute.CreateParams{
		EscrowID:      req.EscrowID,
		MilestoneID:   req.MilestoneID,
		TaskPaymentID: req.TaskPaymentID,
		Reason:        req.Reason,
		Amount:        amount,
		ActorID:       userID(r),
		ActorRole:     userRole(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleCreateDispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/disputes/")
	switch {
	case len(segments) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetDispute(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "mediation":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRequestMediation(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "resolve":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleResolveDispute(w, r, segments[0])

	default:
		writeError(w, http.StatusBadRequest, "invalid path")
	}
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, disputeID string) {
	rec, err := s.disputeQueries.GetByID(r.Context(), disputeID, s.disputeViewer(r))
	if err != nil {
		s.writeServiceError(w, r, "handleGetDispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleRequestMediation(w http.ResponseWriter, r *http.Request, disputeID string) {
	rec, err := s.disputeService.RequestMediation(r.Context(), dispute.MediationParams{
		DisputeID: disputeID,
		ActorID:   userID(r),
		ActorRole: userRole(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleRequestMediation", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution" validate:"required"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, disputeID string) {
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:  disputeID,
		Resolution: req.Resolution,
		ActorID:    userID(r),
		ActorRole:  userRole(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleResolveDispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}
