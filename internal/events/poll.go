package events

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// PollResponse is the body of GET /events.
type PollResponse struct {
	Instance string  `json:"instance"`
	Seq      uint64  `json:"seq"`
	Events   []Event `json:"events"`
}

type pollGapResponse struct {
	Error    string          `json:"error"`
	Instance string          `json:"instance"`
	Seq      uint64          `json:"seq"`
	Gap      *ReplayGapError `json:"gap"`
}

// PollHandler serves GET /events?since=N&instance=&patient=&practitioner=&types=a,b for
// clients without a push connection. A gap answers 410 Gone.
type PollHandler struct {
	dist *Distributor
}

func NewPollHandler(d *Distributor) *PollHandler {
	return &PollHandler{dist: d}
}

func (h *PollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}

	f := Filter{
		PatientID:      q.Get("patient"),
		PractitionerID: q.Get("practitioner"),
	}
	if v := q.Get("types"); v != "" {
		f.ResourceTypes = strings.Split(v, ",")
	}

	evts, seq, err := h.dist.Poll(q.Get("instance"), since, f)
	if err != nil {
		var gap *ReplayGapError
		if errors.As(err, &gap) {
			writeJSON(w, http.StatusGone, pollGapResponse{
				Error:    "replay_gap",
				Instance: h.dist.Instance(),
				Seq:      seq,
				Gap:      gap,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if evts == nil {
		evts = []Event{}
	}

	writeJSON(w, http.StatusOK, PollResponse{Instance: h.dist.Instance(), Seq: seq, Events: evts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
