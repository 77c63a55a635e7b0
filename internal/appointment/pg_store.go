package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore keeps slots and appointments in Postgres. Conditional writes are a single
// UPDATE ... WHERE version = $n RETURNING, so the row lock is the critical section.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const pgSlotCols = `id, schedule_id, practitioner_id, service_type, start_time, end_time, status, version, updated_at`

const pgAppointmentCols = `id, status, slot_id, slot_version, start_time, end_time, participants,
	service_type, reason, cancellation_reason, version, created_at, last_modified`

// Helpers

func scanPgSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.ScheduleID,
		&s.PractitionerID,
		&s.ServiceType,
		&s.Start,
		&s.End,
		&s.Status,
		&s.Version,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanPgAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a            Appointment
		slotID       *string
		participants []byte
	)
	err := row.Scan(
		&a.ID,
		&a.Status,
		&slotID,
		&a.SlotVersion,
		&a.Start,
		&a.End,
		&participants,
		&a.ServiceType,
		&a.Reason,
		&a.CancellationReason,
		&a.Version,
		&a.CreatedAt,
		&a.LastModified,
	)
	if err != nil {
		return nil, err
	}
	if slotID != nil {
		a.SlotID = *slotID
	}
	if err := json.Unmarshal(participants, &a.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of %s: %w", a.ID, err)
	}
	return &a, nil
}

// Store methods

func (r *PgStore) GetSlot(ctx context.Context, id string) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+pgSlotCols+` FROM slots WHERE id = $1`, id)
	s, err := scanPgSlot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: ResourceSlot, ID: id}
	}
	return s, err
}

func (r *PgStore) SearchSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	w := sqlWhere{placeholder: dollarPlaceholder}
	if !q.Start.IsZero() {
		w.add("start_time >= %s", q.Start)
	}
	if !q.End.IsZero() {
		w.add("start_time < %s", q.End)
	}
	if q.PractitionerID != "" {
		w.add("practitioner_id = %s", q.PractitionerID)
	}
	if q.ServiceType != "" {
		w.add("service_type = %s", q.ServiceType)
	}
	w.in("status", slotStatusStrings(q.Statuses))
	if q.MinDuration > 0 {
		w.add("EXTRACT(EPOCH FROM (end_time - start_time)) >= %s", q.MinDuration.Seconds())
	}
	if !q.UpdatedBefore.IsZero() {
		w.add("updated_at < %s", q.UpdatedBefore)
	}

	query := `SELECT ` + pgSlotCols + ` FROM slots` + w.String() + ` ORDER BY start_time ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("search slots: %w", err)
	}
	defer rows.Close()

	result := make([]Slot, 0)
	for rows.Next() {
		s, err := scanPgSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (r *PgStore) CreateSlot(ctx context.Context, s *Slot) (*Slot, error) {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := s.Status
	if status == "" {
		status = SlotFree
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO slots (id, schedule_id, practitioner_id, service_type, start_time, end_time, status, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now())
		ON CONFLICT (id) DO NOTHING
		RETURNING `+pgSlotCols,
		id, s.ScheduleID, s.PractitionerID, s.ServiceType, s.Start, s.End, status)

	created, err := scanPgSlot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ConflictError{Resource: ResourceSlot, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	return created, nil
}

func (r *PgStore) UpdateSlotStatus(ctx context.Context, id string, expectedStatus SlotStatus, expectedVersion int64, to SlotStatus) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		  AND version = $4
		RETURNING `+pgSlotCols,
		id, to, expectedStatus, expectedVersion)

	s, err := scanPgSlot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrConflict(ctx, "slots", ResourceSlot, id, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("update slot status: %w", err)
	}
	return s, nil
}

func (r *PgStore) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	participants, err := json.Marshal(a.Participants)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, status, slot_id, slot_version, start_time, end_time, participants,
			patient_id, practitioner_id, service_type, reason, cancellation_reason, version, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, now(), now())
		RETURNING `+pgAppointmentCols,
		id, a.Status, nullableString(a.SlotID), a.SlotVersion, a.Start, a.End, string(participants),
		a.PatientID(), a.PractitionerID(), a.ServiceType, a.Reason, a.CancellationReason)

	created, err := scanPgAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgStore) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+pgAppointmentCols+` FROM appointments WHERE id = $1`, id)
	a, err := scanPgAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: ResourceAppointment, ID: id}
	}
	return a, err
}

func (r *PgStore) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	participants, err := json.Marshal(a.Participants)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    slot_id = $4,
		    slot_version = $5,
		    start_time = $6,
		    end_time = $7,
		    participants = $8,
		    patient_id = $9,
		    practitioner_id = $10,
		    service_type = $11,
		    reason = $12,
		    cancellation_reason = $13,
		    version = version + 1,
		    last_modified = now()
		WHERE id = $1
		  AND version = $2
		RETURNING `+pgAppointmentCols,
		a.ID, expectedVersion, a.Status, nullableString(a.SlotID), a.SlotVersion, a.Start, a.End, string(participants),
		a.PatientID(), a.PractitionerID(), a.ServiceType, a.Reason, a.CancellationReason)

	updated, err := scanPgAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrConflict(ctx, "appointments", ResourceAppointment, a.ID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return updated, nil
}

func (r *PgStore) SearchAppointments(ctx context.Context, q AppointmentQuery) ([]Appointment, error) {
	w := sqlWhere{placeholder: dollarPlaceholder}
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
		w.add("start_time >= %s", q.From)
	}
	if !q.To.IsZero() {
		w.add("start_time < %s", q.To)
	}

	query := `SELECT ` + pgAppointmentCols + ` FROM appointments` + w.String() + ` ORDER BY start_time ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("search appointments: %w", err)
	}
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanPgAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// Ping is used by the readiness probe.
func (r *PgStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// missOrConflict tells a missing row from a failed expectation after a conditional
// write matched nothing.
func (r *PgStore) missOrConflict(ctx context.Context, table, resource, id string, expectedVersion int64) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s %s: %w", resource, id, err)
	}
	if !exists {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return &ConflictError{Resource: resource, ID: id, ExpectedVersion: expectedVersion}
}
