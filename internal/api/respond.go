package api

import (
	"net/http"
	"strconv"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/output"
)

// RespondError writes an error response with the specified HTTP status code.
func RespondError(w http.ResponseWriter, statusCode int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	output.WriteJSONError(w, err)
}

// RespondBadRequest writes a 400 Bad Request error response.
func RespondBadRequest(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusBadRequest, err)
}

// RespondNotFound writes a 404 Not Found error response.
func RespondNotFound(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusNotFound, err)
}

// RespondInternalError writes a 500 Internal Server Error response.
func RespondInternalError(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusInternalServerError, err)
}

// RespondErrorWithData writes an error response that includes partial data.
func RespondErrorWithData(w http.ResponseWriter, statusCode int, err error, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	output.WriteJSONErrorWithData(w, err, data)
}

// RespondSuccess writes a 200 OK response with data.
func RespondSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	output.WriteJSONData(w, data)
}

// RespondNoContent writes a 204 No Content response.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// RespondAppError maps a kinded error to its HTTP status code.
// Rate-limit errors propagate the upstream Retry-After when known.
func RespondAppError(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		RespondError(w, http.StatusBadRequest, err)
	case apperr.KindNotFound:
		RespondNotFound(w, err)
	case apperr.KindConflict:
		RespondError(w, http.StatusConflict, err)
	case apperr.KindUpstreamAuth:
		RespondError(w, http.StatusBadGateway, err)
	case apperr.KindRateLimit:
		if after := apperr.RetryAfter(err); after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(after))
		}
		RespondError(w, http.StatusTooManyRequests, err)
	case apperr.KindTransient:
		RespondError(w, http.StatusServiceUnavailable, err)
	default:
		RespondInternalError(w, err)
	}
}
