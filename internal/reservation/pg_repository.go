package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const orderColumns = `id, schedule_id, patient_id, status, payment_status,
	is_waitlist, waitlist_position, source_type, price_cents,
	priority, pass_count, is_calling, call_time,
	payment_time, cancel_time, expires_at, created_at, updated_at`

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var phone *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&phone,
		&p.Category,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Phone = phone
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var dept *string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&dept,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Department = dept
	return &d, nil
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.VisitDate,
		&s.Section,
		&s.TotalCapacity,
		&s.RemainingSlots,
		&s.PriceCents,
		&s.State,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var position *int
	var callTime, paymentTime, cancelTime, expiresAt *time.Time

	err := row.Scan(
		&o.ID,
		&o.ScheduleID,
		&o.PatientID,
		&o.Status,
		&o.PaymentStatus,
		&o.IsWaitlist,
		&position,
		&o.SourceType,
		&o.PriceCents,
		&o.Priority,
		&o.PassCount,
		&o.IsCalling,
		&callTime,
		&paymentTime,
		&cancelTime,
		&expiresAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	o.WaitlistPosition = position
	o.CallTime = callTime
	o.PaymentTime = paymentTime
	o.CancelTime = cancelTime
	o.ExpiresAt = expiresAt
	return &o, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, category, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetScheduleByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, visit_date, section, total_capacity, remaining_slots, price_cents, state, created_at, updated_at
		FROM schedules
		WHERE id = $1
	`, id)
	return scanSchedule(row)
}

func (r *PgRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (r *PgRepository) GetActiveOrderForPatient(ctx context.Context, scheduleID, patientID uuid.UUID) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE schedule_id = $1
		  AND patient_id = $2
		  AND status NOT IN ('cancelled', 'timeout', 'completed', 'no_show')
		LIMIT 1
	`, scheduleID, patientID)
	return scanOrder(row)
}

func (r *PgRepository) ReserveSlot(ctx context.Context, scheduleID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET remaining_slots = remaining_slots - 1,
		    updated_at = now()
		WHERE id = $1
		  AND remaining_slots > 0
	`, scheduleID)
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := r.scheduleExists(ctx, scheduleID); err != nil {
			return err
		}
		return ErrNoCapacity
	}
	return nil
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, scheduleID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET remaining_slots = remaining_slots + 1,
		    updated_at = now()
		WHERE id = $1
		  AND remaining_slots < total_capacity
	`, scheduleID)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := r.scheduleExists(ctx, scheduleID); err != nil {
			return err
		}
		return ErrCapacityOverflow
	}
	return nil
}

func (r *PgRepository) scheduleExists(ctx context.Context, id uuid.UUID) error {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM schedules WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrScheduleNotFound
	}
	return err
}

func (r *PgRepository) CreateOrder(ctx context.Context, o *Order) (*Order, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO orders (id, schedule_id, patient_id, status, payment_status,
			is_waitlist, waitlist_position, source_type, price_cents,
			priority, pass_count, is_calling, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, false, $11, now(), now())
		RETURNING `+orderColumns+`
	`, o.ID, o.ScheduleID, o.PatientID, o.Status, o.PaymentStatus,
		o.IsWaitlist, o.WaitlistPosition, o.SourceType, o.PriceCents,
		o.Priority, o.ExpiresAt)

	return scanOrder(row)
}

func (r *PgRepository) UpdateOrderState(ctx context.Context, id uuid.UUID, from, to StatePair, set StateSideEffects) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $2,
		    payment_status = $3,
		    payment_time = COALESCE($6, payment_time),
		    cancel_time = COALESCE($7, cancel_time),
		    expires_at = COALESCE($8, expires_at),
		    source_type = COALESCE($9, source_type),
		    is_calling = CASE WHEN $10 THEN false ELSE is_calling END,
		    is_waitlist = CASE WHEN $11 THEN false ELSE is_waitlist END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		  AND payment_status = $5
		RETURNING `+orderColumns+`
	`, id, to.Status, to.Payment, from.Status, from.Payment,
		set.PaymentTime, set.CancelTime, set.ExpiresAt, (*string)(set.SourceType), set.ClearCall, set.ClearWaitlist)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, r.orderConflictOrMissing(ctx, id)
		}
		return nil, err
	}
	return o, nil
}

// orderConflictOrMissing decides whether a zero-row CAS update lost a race
// or targeted an order that does not exist at all.
func (r *PgRepository) orderConflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM orders WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	return ErrStateConflict
}

func (r *PgRepository) NextWaitlistPosition(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	var next int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(waitlist_position), 0) + 1
		FROM orders
		WHERE schedule_id = $1
		  AND is_waitlist
	`, scheduleID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next waitlist position: %w", err)
	}
	return next, nil
}

func (r *PgRepository) FirstWaitlisted(ctx context.Context, scheduleID uuid.UUID) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE schedule_id = $1
		  AND status = 'waitlisted'
		ORDER BY waitlist_position ASC
		LIMIT 1
	`, scheduleID)
	return scanOrder(row)
}

func (r *PgRepository) CountWaitlisted(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM orders
		WHERE schedule_id = $1
		  AND status = 'waitlisted'
	`, scheduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waitlisted: %w", err)
	}
	return n, nil
}

func (r *PgRepository) FindExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending'
		  AND payment_status IN ('pending', 'failed')
		  AND NOT is_waitlist
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (r *PgRepository) NextCallable(ctx context.Context, scheduleID uuid.UUID) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE schedule_id = $1
		  AND status = 'confirmed'
		ORDER BY priority ASC, pass_count ASC, created_at ASC
		LIMIT 1
	`, scheduleID)
	return scanOrder(row)
}

func (r *PgRepository) CallingOrder(ctx context.Context, scheduleID uuid.UUID) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE schedule_id = $1
		  AND is_calling
		LIMIT 1
	`, scheduleID)
	return scanOrder(row)
}

func (r *PgRepository) MarkCalling(ctx context.Context, id uuid.UUID, at time.Time) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE orders
		SET is_calling = true,
		    call_time = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'confirmed'
		  AND NOT is_calling
		  AND NOT EXISTS (
		      SELECT 1 FROM orders o2
		      WHERE o2.schedule_id = orders.schedule_id
		        AND o2.is_calling
		  )
		RETURNING `+orderColumns+`
	`, id, at)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, r.orderConflictOrMissing(ctx, id)
		}
		return nil, err
	}
	return o, nil
}

func (r *PgRepository) ClearCalling(ctx context.Context, id uuid.UUID, incrementPass bool) (*Order, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE orders
		SET is_calling = false,
		    pass_count = pass_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		    updated_at = now()
		WHERE id = $1
		  AND is_calling
		RETURNING `+orderColumns+`
	`, id, incrementPass)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, r.orderConflictOrMissing(ctx, id)
		}
		return nil, err
	}
	return o, nil
}

func (r *PgRepository) GetOrderDetail(ctx context.Context, id uuid.UUID) (*OrderDetail, error) {
	o, err := r.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := OrderDetail{Order: *o}

	sched, err := r.GetScheduleByID(ctx, o.ScheduleID)
	if err != nil {
		return nil, err
	}
	detail.Schedule = sched

	patient, err := r.GetPatientByID(ctx, o.PatientID)
	if err != nil {
		return nil, err
	}
	detail.Patient = patient

	row := r.pool.QueryRow(ctx, `
		SELECT id, name, department, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, sched.DoctorID)
	doctor, err := scanDoctor(row)
	if err != nil {
		return nil, err
	}
	detail.Doctor = doctor

	return &detail, nil
}

func (r *PgRepository) ListOrdersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]OrderDetail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}

	result := make([]OrderDetail, 0, len(orders))
	for i := range orders {
		sched, err := r.GetScheduleByID(ctx, orders[i].ScheduleID)
		if err != nil && !errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		result = append(result, OrderDetail{Order: orders[i], Schedule: sched})
	}
	return result, nil
}

func (r *PgRepository) ListOrdersBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE schedule_id = $1
		ORDER BY created_at ASC
	`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, order_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.OrderID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
