package main

import (
	"net/http"
	"strconv"

	"namcportal/auth"
	"namcportal/member"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"fullName" validate:"required"`
	Role     string `json:"role" validate:"omitempty,oneof=contractor client"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     auth.Role(req.Role),
	})
	if err != nil {
		s.writeServiceError(w, r, "handleRegister", err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), auth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeServiceError(w, r, "handleLogin", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    result.Token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, toUserResponse(result.User))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if cookie, err := r.Cookie(s.cookieName); err == nil && cookie.Value != "" {
		if err := s.authService.Logout(r.Context(), cookie.Value); err != nil {
			s.writeServiceError(w, r, "handleLogout", err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	profiles, err := s.memberService.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, "handleMembers", err)
		return
	}

	items := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toProfileResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleMemberDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	segments := pathSegments(r, "/api/members/")
	if len(segments) != 1 || segments[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	profile, err := s.memberService.GetByUserID(r.Context(), segments[0])
	if err != nil {
		s.writeServiceError(w, r, "handleMemberDetail", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

type updateProfileRequest struct {
	CompanyName      *string  `json:"companyName"`
	Phone            *string  `json:"phone"`
	TradeSpecialties []string `json:"tradeSpecialties"`
	Certifications   []string `json:"certifications"`
	ServiceAddress   *string  `json:"serviceAddress"`
	ServiceCity      *string  `json:"serviceCity"`
	ServiceState     *string  `json:"serviceState"`
	ServiceRadiusMi  *int     `json:"serviceRadiusMi" validate:"omitempty,min=1,max=500"`
}

// handleProfile serves the caller's own profile: GET reads it, PATCH updates
// it. Other members' profiles are read through /api/members/{id}.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profile, err := s.memberService.GetByUserID(r.Context(), userID(r))
		if err != nil {
			s.writeServiceError(w, r, "handleProfile", err)
			return
		}
		writeJSON(w, http.StatusOK, toProfileResponse(profile))

	case http.MethodPatch:
		var req updateProfileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		profile, err := s.memberService.Update(r.Context(), userID(r), member.UpdateParams{
			CompanyName:      req.CompanyName,
			Phone:            req.Phone,
			TradeSpecialties: req.TradeSpecialties,
			Certifications:   req.Certifications,
			ServiceAddress:   req.ServiceAddress,
			ServiceCity:      req.ServiceCity,
			ServiceState:     req.ServiceState,
			ServiceRadiusMi:  req.ServiceRadiusMi,
		})
		if err != nil {
			s.writeServiceError(w, r, "handleProfile", err)
			return
		}
		writeJSON(w, http.StatusOK, toProfileResponse(profile))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
