package appointment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore is the single-node store. Times are kept as unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (r *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	r.now = now
	return r
}

const sqliteSlotCols = `id, schedule_id, practitioner_id, service_type, start_ns, end_ns, status, version, updated_at_ns`

const sqliteAppointmentCols = `id, status, slot_id, slot_version, start_ns, end_ns, participants,
	service_type, reason, cancellation_reason, version, created_at_ns, last_modified_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func scanSQLiteSlot(row rowScanner) (*Slot, error) {
	var (
		s                     Slot
		startNs, endNs, updNs int64
	)
	if err := row.Scan(&s.ID, &s.ScheduleID, &s.PractitionerID, &s.ServiceType, &startNs, &endNs, &s.Status, &s.Version, &updNs); err != nil {
		return nil, err
	}
	s.Start, s.End, s.UpdatedAt = fromNanos(startNs), fromNanos(endNs), fromNanos(updNs)
	return &s, nil
}

func scanSQLiteAppointment(row rowScanner) (*Appointment, error) {
	var (
		a                                Appointment
		slotID                           sql.NullString
		participants                     string
		startNs, endNs, createdNs, modNs int64
	)
	err := row.Scan(
		&a.ID, &a.Status, &slotID, &a.SlotVersion, &startNs, &endNs, &participants,
		&a.ServiceType, &a.Reason, &a.CancellationReason, &a.Version, &createdNs, &modNs,
	)
	if err != nil {
		return nil, err
	}
	a.SlotID = slotID.String
	a.Start, a.End = fromNanos(startNs), fromNanos(endNs)
	a.CreatedAt, a.LastModified = fromNanos(createdNs), fromNanos(modNs)
	if err := json.Unmarshal([]byte(participants), &a.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of %s: %w", a.ID, err)
	}
	return &a, nil
}

func (r *SQLiteStore) GetSlot(ctx context.Context, id string) (*Slot, error) {
	s, err := scanSQLiteSlot(r.db.QueryRowContext(ctx, `SELECT `+sqliteSlotCols+` FROM slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: ResourceSlot, ID: id}
	}
	return s, err
}

func (r *SQLiteStore) SearchSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	w := sqlWhere{placeholder: questionPlaceholder}
	if !q.Start.IsZero() {
		w.add("start_ns >= %s", q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		w.add("start_ns < %s", q.End.UnixNano())
	}
	if q.PractitionerID != "" {
		w.add("practitioner_id = %s", q.PractitionerID)
	}
	if q.ServiceType != "" {
		w.add("service_type = %s", q.ServiceType)
	}
	w.in("status", slotStatusStrings(q.Statuses))
	if q.MinDuration > 0 {
		w.add("(end_ns - start_ns) >= %s", q.MinDuration.Nanoseconds())
	}
	if !q.UpdatedBefore.IsZero() {
		w.add("updated_at_ns < %s", q.UpdatedBefore.UnixNano())
	}

	query := `SELECT ` + sqliteSlotCols + ` FROM slots` + w.String() + ` ORDER BY start_ns ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("search slots: %w", err)
	}
	defer rows.Close()

	result := make([]Slot, 0)
	for rows.Next() {
		s, err := scanSQLiteSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (r *SQLiteStore) CreateSlot(ctx context.Context, s *Slot) (*Slot, error) {
	c := *s
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = SlotFree
	}
	c.Version = 1
	c.UpdatedAt = r.now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO slots (id, schedule_id, practitioner_id, service_type, start_ns, end_ns, status, version, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		c.ID, c.ScheduleID, c.PractitionerID, c.ServiceType, c.Start.UnixNano(), c.End.UnixNano(), string(c.Status), c.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ConflictError{Resource: ResourceSlot, ID: c.ID}
	}
	c.Start, c.End = c.Start.UTC(), c.End.UTC()
	return &c, nil
}

func (r *SQLiteStore) UpdateSlotStatus(ctx context.Context, id string, expectedStatus SlotStatus, expectedVersion int64, to SlotStatus) (*Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE slots
		SET status = ?, version = version + 1, updated_at_ns = ?
		WHERE id = ? AND status = ? AND version = ?
		RETURNING `+sqliteSlotCols,
		string(to), r.now().UnixNano(), id, string(expectedStatus), expectedVersion)

	s, err := scanSQLiteSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missOrConflict(ctx, "slots", ResourceSlot, id, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("update slot status: %w", err)
	}
	return s, nil
}

func (r *SQLiteStore) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	c := cloneAppointment(*a)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}
	now := r.now().UTC()
	c.Version = 1
	c.CreatedAt, c.LastModified = now, now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO appointments (id, status, slot_id, slot_version, start_ns, end_ns, participants,
			patient_id, practitioner_id, service_type, reason, cancellation_reason, version, created_at_ns, last_modified_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		c.ID, string(c.Status), nullableString(c.SlotID), c.SlotVersion, c.Start.UnixNano(), c.End.UnixNano(), string(participants),
		c.PatientID(), c.PractitionerID(), c.ServiceType, c.Reason, c.CancellationReason, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	c.Start, c.End = c.Start.UTC(), c.End.UTC()
	return &c, nil
}

func (r *SQLiteStore) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	a, err := scanSQLiteAppointment(r.db.QueryRowContext(ctx, `SELECT `+sqliteAppointmentCols+` FROM appointments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: ResourceAppointment, ID: id}
	}
	return a, err
}

func (r *SQLiteStore) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	participants, err := json.Marshal(a.Participants)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE appointments
		SET status = ?, slot_id = ?, slot_version = ?, start_ns = ?, end_ns = ?, participants = ?,
		    patient_id = ?, practitioner_id = ?, service_type = ?, reason = ?, cancellation_reason = ?,
		    version = version + 1, last_modified_ns = ?
		WHERE id = ? AND version = ?
		RETURNING `+sqliteAppointmentCols,
		string(a.Status), nullableString(a.SlotID), a.SlotVersion, a.Start.UnixNano(), a.End.UnixNano(), string(participants),
		a.PatientID(), a.PractitionerID(), a.ServiceType, a.Reason, a.CancellationReason,
		r.now().UnixNano(), a.ID, expectedVersion)

	updated, err := scanSQLiteAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missOrConflict(ctx, "appointments", ResourceAppointment, a.ID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return updated, nil
}

func (r *SQLiteStore) SearchAppointments(ctx context.Context, q AppointmentQuery) ([]Appointment, error) {
	w := sqlWhere{placeholder: questionPlaceholder}
	if q.PatientID != "" {
		w.add("patient_id = %s", q.PatientID)
	}
	if q.PractitionerID != "" {
		w.add("practitioner_id = %s", q.PractitionerID)
	}
	if q.SlotID != "" {
		w.add("slot_id = %s", q.SlotID)
	}
	w.in("status", appointmentStatusStrings(q.Statuses))
	if !q.From.IsZero() {
		w.add("start_ns >= %s", q.From.UnixNano())
	}
	if !q.To.IsZero() {
		w.add("start_ns < %s", q.To.UnixNano())
	}

	query := `SELECT ` + sqliteAppointmentCols + ` FROM appointments` + w.String() + ` ORDER BY start_ns ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("search appointments: %w", err)
	}
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanSQLiteAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *SQLiteStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteStore) missOrConflict(ctx context.Context, table, resource, id string, expectedVersion int64) error {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+` WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("check %s %s: %w", resource, id, err)
	}
	if n == 0 {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return &ConflictError{Resource: resource, ID: id, ExpectedVersion: expectedVersion}
}
