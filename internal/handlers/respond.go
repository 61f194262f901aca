package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/services"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: chimiddleware.GetReqID(r.Context()),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	resp := errorResp(code, message, r)
	resp.Error.Fields = fields
	return resp
}

// handleServiceError maps service errors to client-facing responses.
// Storage and upstream failures never leak their cause.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation   *services.ValidationError
		conflict     *services.ConflictError
		unauthorized *services.UnauthorizedError
		storage      *services.StorageError
		upstream     *services.UpstreamError
	)

	switch {
	case errors.Is(err, services.ErrTurnBusy):
		writeJSON(w, http.StatusInternalServerError, errorResp("TURN_BUSY", "A previous message is still being answered", r))
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", validation.Fields, r))
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusBadRequest, errorResp("USER_EXISTS", conflict.Message, r))
	case errors.As(err, &unauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResp("INVALID_CREDENTIALS", unauthorized.Message, r))
	case errors.As(err, &storage):
		writeJSON(w, http.StatusInternalServerError, errorResp("STORAGE_ERROR", "Internal server error", r))
	case errors.As(err, &upstream) && upstream.Timeout:
		writeJSON(w, http.StatusInternalServerError, errorResp("UPSTREAM_TIMEOUT", "The model did not answer in time", r))
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusInternalServerError, errorResp("UPSTREAM_ERROR", "Something went wrong with the model", r))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
