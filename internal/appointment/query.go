package appointment

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

func (q SlotQuery) matches(s Slot) bool {
	if !q.Start.IsZero() && s.Start.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !s.Start.Before(q.End) {
		return false
	}
	if q.PractitionerID != "" && s.PractitionerID != q.PractitionerID {
		return false
	}
	if q.ServiceType != "" && s.ServiceType != q.ServiceType {
		return false
	}
	if len(q.Statuses) > 0 && !containsSlotStatus(q.Statuses, s.Status) {
		return false
	}
	if q.MinDuration > 0 && s.Duration() < q.MinDuration {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	return true
}

func (q AppointmentQuery) matches(a Appointment) bool {
	if q.PatientID != "" && a.PatientID() != q.PatientID {
		return false
	}
	if q.PractitionerID != "" && a.PractitionerID() != q.PractitionerID {
		return false
	}
	if q.SlotID != "" && a.SlotID != q.SlotID {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, st := range q.Statuses {
			if st == a.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.From.IsZero() && a.Start.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !a.Start.Before(q.To) {
		return false
	}
	return true
}

func containsSlotStatus(list []SlotStatus, s SlotStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortSlots orders by start time, then id.
func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return slots[i].ID < slots[j].ID
	})
}

// rankByDistance orders by |start - target|, then id.
func rankByDistance(slots []Slot, target time.Time) {
	sort.SliceStable(slots, func(i, j int) bool {
		di, dj := absDuration(slots[i].Start.Sub(target)), absDuration(slots[j].Start.Sub(target))
		if di != dj {
			return di < dj
		}
		return slots[i].ID < slots[j].ID
	})
}

func limitSlots(slots []Slot, limit int) []Slot {
	if limit > 0 && len(slots) > limit {
		return slots[:limit]
	}
	return slots
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// sqlWhere accumulates AND-ed conditions. Each condition holds one %s that is replaced
// by the driver's placeholder for the next argument.
type sqlWhere struct {
	clauses     []string
	args        []any
	placeholder func(n int) string
}

func (w *sqlWhere) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(cond, w.placeholder(len(w.args))))
}

func (w *sqlWhere) in(column string, vals []string) {
	if len(vals) == 0 {
		return
	}
	ph := make([]string, len(vals))
	for i, v := range vals {
		w.args = append(w.args, v)
		ph[i] = w.placeholder(len(w.args))
	}
	w.clauses = append(w.clauses, column+" IN ("+strings.Join(ph, ", ")+")")
}

func (w *sqlWhere) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }
func questionPlaceholder(int) string { return "?" }

func slotStatusStrings(ss []SlotStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func appointmentStatusStrings(ss []AppointmentStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
