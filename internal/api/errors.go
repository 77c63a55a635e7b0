package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hackgods/appointment-booking-sync/internal/appointment"
	"github.com/hackgods/appointment-booking-sync/internal/auth"
	"github.com/hackgods/appointment-booking-sync/internal/events"
	"github.com/hackgods/appointment-booking-sync/internal/fhir"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleServiceError maps booking engine and collaborator errors onto HTTP answers.
func handleServiceError(w http.ResponseWriter, err error) {
	var (
		validation *appointment.ValidationError
		conflict   *appointment.SlotConflictError
		authErr    *auth.AuthError
		gap        *events.ReplayGapError
		outcome    *fhir.OutcomeError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:    "invalid_request",
			Details:  strings.Join(validation.Problems, "; "),
			Problems: validation.Problems,
		})
	case errors.As(err, &conflict):
		alternatives := conflict.Alternatives
		if alternatives == nil {
			alternatives = []appointment.Slot{}
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:        "slot_unavailable",
			Details:      err.Error(),
			Reason:       conflict.Reason,
			Alternatives: alternatives,
		})
	case errors.Is(err, appointment.ErrVersionConflict), errors.Is(err, fhir.ErrConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, strings.ToLower(authErr.Code), authErr.Error())
	case errors.Is(err, fhir.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "upstream_unauthorized", err.Error())
	case errors.As(err, &gap):
		writeError(w, http.StatusGone, "replay_gap", err.Error())
	case errors.As(err, &outcome):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
