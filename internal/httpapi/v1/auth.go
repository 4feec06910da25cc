package v1

import (
	"encoding/json"
	"net/http"
)

// register creates a new user account.
// POST /auth/register
func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req credentialsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	u, err := s.authSvc.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusCreated, registerResponse{Success: true, UserID: u.ID, Username: u.Username})
}

// login authenticates and issues a bearer token.
// POST /auth/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req credentialsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	tok, u, err := s.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, loginResponse{
		Success:     true,
		UserID:      u.ID,
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt,
	})
}
