package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/appointment-booking-sync/internal/appointment"
)

func listSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var query appointment.SlotQuery
		var err error

		if query.Start, err = parseTime(q, "start"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
			return
		}
		if query.End, err = parseTime(q, "end"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end", err.Error())
			return
		}
		if v := q.Get("min_duration"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "invalid_min_duration", "min_duration must be a duration such as 30m")
				return
			}
			query.MinDuration = d
		}
		if query.Limit, err = parseLimit(q); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		query.PractitionerID = q.Get("practitioner")
		query.ServiceType = q.Get("service_type")
		for _, s := range splitList(q.Get("status")) {
			query.Statuses = append(query.Statuses, appointment.SlotStatus(s))
		}

		slots, err := svc.GetAvailableSlots(r.Context(), query)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotListResponse{Slots: slots, Count: len(slots)})
	}
}

func createSlotHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		slot, err := svc.CreateSlot(r.Context(), appointment.Slot{
			ID:             req.ID,
			ScheduleID:     req.ScheduleID,
			PractitionerID: req.PractitionerID,
			ServiceType:    req.ServiceType,
			Start:          req.Start,
			End:            req.End,
			Status:         appointment.SlotStatus(req.Status),
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, slot)
	}
}

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.DurationMinutes < 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration", "durationMinutes must be positive")
			return
		}

		appt, err := svc.Book(r.Context(), req.booking())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, appt)
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, err := svc.GetAppointment(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := appointment.AppointmentQuery{
			PatientID:      q.Get("patient"),
			PractitionerID: q.Get("practitioner"),
			SlotID:         q.Get("slot"),
		}
		var err error
		if query.From, err = parseTime(q, "from"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", err.Error())
			return
		}
		if query.To, err = parseTime(q, "to"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", err.Error())
			return
		}
		if query.Limit, err = parseLimit(q); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		for _, s := range splitList(q.Get("status")) {
			st := appointment.AppointmentStatus(s)
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_status", "unknown appointment status "+strconv.Quote(s))
				return
			}
			query.Statuses = append(query.Statuses, st)
		}

		appts, err := svc.SearchAppointments(r.Context(), query)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AppointmentListResponse{Appointments: appts, Count: len(appts)})
	}
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		appt, err := svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func transitionAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "status is required")
			return
		}

		appt, err := svc.Transition(r.Context(), chi.URLParam(r, "id"), appointment.AppointmentStatus(req.Status))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &queryError{key: key, want: "an RFC 3339 timestamp"}
	}
	return t, nil
}

func parseLimit(q url.Values) (int, error) {
	v := q.Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &queryError{key: "limit", want: "a non-negative integer"}
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type queryError struct {
	key  string
	want string
}

func (e *queryError) Error() string { return e.key + " must be " + e.want }
