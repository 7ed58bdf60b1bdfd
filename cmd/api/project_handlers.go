package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"namcportal/auth"
	"namcportal/project"
)

type createProjectRequest struct {
	Title           string   `json:"title" validate:"required"`
	Description     string   `json:"description"`
	Budget          string   `json:"budget" validate:"required"`
	TradeCategories []string `json:"tradeCategories" validate:"required,min=1"`
	City            string   `json:"city"`
	State           string   `json:"state"`
	Lat             *float64 `json:"lat"`
	Lng             *float64 `json:"lng"`
	BidDeadline     *string  `json:"bidDeadline"`
	// ClientUserID lets an admin post on a client's behalf; ignored for
	// client callers, who always post their own.
	ClientUserID string `json:"clientUserId"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListProjects(w, r)
	case http.MethodPost:
		s.handleCreateProject(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := project.Filters{
		Status: project.Status(q.Get("status")),
		Trade:  q.Get("trade"),
		City:   q.Get("city"),
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("pageSize"))
	if q.Get("mine") == "true" {
		filters.ClientUserID = userID(r)
	}

	result, err := s.projectService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, "handleListProjects", err)
		return
	}

	items := make([]projectResponse, 0, len(result.Items))
	for _, p := range result.Items {
		items = append(items, toProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	role := userRole(r)
	if role != auth.RoleClient && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	budget, err := decimal.NewFromString(req.Budget)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid budget")
		return
	}

	var deadline *time.Time
	if req.BidDeadline != nil && *req.BidDeadline != "" {
		parsed, err := time.Parse(time.RFC3339, *req.BidDeadline)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bid deadline")
			return
		}
		deadline = &parsed
	}

	clientID := userID(r)
	if role == auth.RoleAdmin && req.ClientUserID != "" {
		clientID = req.ClientUserID
	}

	created, err := s.projectService.Create(r.Context(), project.CreateParams{
		ClientUserID:    clientID,
		Title:           req.Title,
		Description:     req.Description,
		Budget:          budget,
		TradeCategories: req.TradeCategories,
		City:            req.City,
		State:           req.State,
		Lat:             req.Lat,
		Lng:             req.Lng,
		BidDeadline:     deadline,
	})
	if err != nil {
		s.writeServiceError(w, r, "handleCreateProject", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectResponse(created))
}

func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/projects/")
	switch {
	case len(segments) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetProject(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleCancelProject(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "matches":
		switch r.Method {
		case http.MethodGet:
			s.handleListMatches(w, r, segments[0])
		case http.MethodPost:
			s.handleCreateMatch(w, r, segments[0])
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case len(segments) == 3 && segments[1] == "matches":
		if r.Method != http.MethodPatch {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleUpdateMatch(w, r, segments[0], segments[2])

	default:
		writeError(w, http.StatusBadRequest, "invalid path")
	}
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	opp, err := s.projectService.GetByID(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, r, "handleGetProject", err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(opp))
}

type cancelProjectRequest struct {
	Reason *string `json:"reason"`
}

func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request, projectID string) {
	// Body is optional; cancelling without a reason is fine.
	var req cancelProjectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opp, err := s.projectService.Cancel(r.Context(), project.CancelParams{
		ProjectID: projectID,
		ActorID:   userID(r),
		ActorRole: userRole(r),
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, "handleCancelProject", err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(opp))
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request, projectID string) {
	matches, err := s.matchService.List(r.Context(), projectID, userID(r), userRole(r) == auth.RoleAdmin)
	if err != nil {
		s.writeServiceError(w, r, "handleListMatches", err)
		return
	}

	items := make([]matchResponse, 0, len(matches))
	for _, m := range matches {
		items = append(items, toMatchResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createMatchRequest struct {
	ContractorUserID string  `json:"contractorUserId" validate:"required"`
	Score            float64 `json:"score" validate:"min=0,max=1"`
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request, projectID string) {
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	match, err := s.matchService.Create(r.Context(), project.CreateMatchParams{
		ProjectID:        projectID,
		ContractorUserID: req.ContractorUserID,
		Score:            req.Score,
		State:            project.MatchStateInvited,
	})
	if err != nil {
		s.writeServiceError(w, r, "handleCreateMatch", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMatchResponse(match))
}

type updateMatchRequest struct {
	State string `json:"state" validate:"required,oneof=accepted declined"`
}

// handleUpdateMatch lets the invited contractor accept or decline.
// Acceptance awards the project and opens its escrow in one transaction;
// the new escrow rides along in the response.
func (s *Server) handleUpdateMatch(w http.ResponseWriter, r *http.Request, projectID, matchID string) {
	if userRole(r) != auth.RoleContractor {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req updateMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.matchService.UpdateState(r.Context(), project.UpdateMatchParams{
		MatchID:      matchID,
		ContractorID: userID(r),
		NewState:     project.MatchState(req.State),
		Pool:         s.pool,
	})
	if err != nil {
		s.writeServiceError(w, r, "handleUpdateMatch", err)
		return
	}

	resp := map[string]any{"match": toMatchResponse(result.Match)}
	if result.Escrow != nil {
		resp["escrow"] = toEscrowResponse(*result.Escrow)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContractorMatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if userRole(r) != auth.RoleContractor {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	matches, err := s.matchService.ListForContractor(r.Context(), userID(r))
	if err != nil {
		s.writeServiceError(w, r, "handleContractorMatches", err)
		return
	}

	items := make([]matchResponse, 0, len(matches))
	for _, m := range matches {
		items = append(items, toMatchResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
