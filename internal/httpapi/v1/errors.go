package v1

import (
	"errors"
	"net/http"

	"github.com/marchholt/billsync/internal/errs"
)

// errorResponse is the standard error payload for the API. Keeping failures
// parseable lets clients retry a push safely instead of guessing at an
// opaque server error.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func writeErr(w http.ResponseWriter, status int, msg, code string) {
	toJSON(w, status, errorResponse{Success: false, Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeErr(w, http.StatusBadRequest, msg, "")
}

func unauthorized(w http.ResponseWriter) {
	writeErr(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
}

// writeServiceErr maps sentinel errors from the service layer to HTTP status
// codes. Authorization failures are the only ones that abort a sync request
// as a whole; everything else is reported inline per operation.
func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		writeErr(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	case errors.Is(err, errs.ErrForbidden):
		writeErr(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, errs.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", "not_found")
	case errors.Is(err, errs.ErrAlreadyExists):
		writeErr(w, http.StatusConflict, "already_exists", "already_exists")
	case errors.Is(err, errs.ErrConflict):
		writeErr(w, http.StatusConflict, "conflict", "conflict")
	case errors.Is(err, errs.ErrInvalid):
		writeErr(w, http.StatusBadRequest, err.Error(), "invalid")
	default:
		writeErr(w, http.StatusInternalServerError, "internal error", "internal")
	}
}
