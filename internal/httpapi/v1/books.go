package v1

import (
	"encoding/json"
	"net/http"

	chi "github.com/go-chi/chi/v5"
)

// postBook creates a shared book owned by the caller.
// POST /v1/books
func (s *Server) postBook(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req postBookRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	b, err := s.bookSvc.Create(r.Context(), callerID(r), req.Name)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusCreated, bookResponse{ID: b.ID, Name: b.Name, OwnerID: b.OwnerID, CreatedAt: b.CreatedAt})
}

// listBooks returns the shared books the caller belongs to.
// GET /v1/books
func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookSvc.List(r.Context(), callerID(r))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	out := make([]bookResponse, 0, len(list))
	for _, b := range list {
		out = append(out, bookResponse{ID: b.ID, Name: b.Name, OwnerID: b.OwnerID, CreatedAt: b.CreatedAt})
	}
	toJSON(w, http.StatusOK, listBooksResponse{Success: true, Books: out})
}

// postMember adds a member to a shared book.
// POST /v1/books/{id}/members
func (s *Server) postMember(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	bookID := parseInt64(chi.URLParam(r, "id"))
	if bookID == 0 {
		badRequest(w, "invalid book id")
		return
	}
	var req postMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID <= 0 {
		badRequest(w, "userId is required")
		return
	}
	if err := s.bookSvc.AddMember(r.Context(), callerID(r), bookID, req.UserID); err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusCreated, map[string]any{"success": true})
}

// deleteMember deactivates a membership.
// DELETE /v1/books/{id}/members/{userId}
func (s *Server) deleteMember(w http.ResponseWriter, r *http.Request) {
	bookID := parseInt64(chi.URLParam(r, "id"))
	userID := parseInt64(chi.URLParam(r, "userId"))
	if bookID == 0 || userID == 0 {
		badRequest(w, "invalid book or user id")
		return
	}
	if err := s.bookSvc.RemoveMember(r.Context(), callerID(r), bookID, userID); err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, map[string]any{"success": true})
}
