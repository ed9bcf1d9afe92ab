package reservation_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/bjtu-hospital/outpatient-scheduling/internal/redis"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

// memRepo is an in-memory Repository with the same atomicity guarantees as
// the Postgres implementation: every method is a single critical section
// and the CAS methods fail with ErrStateConflict on a precondition miss.
type memRepo struct {
	mu        sync.Mutex
	patients  map[uuid.UUID]*reservation.Patient
	doctors   map[uuid.UUID]*reservation.Doctor
	schedules map[uuid.UUID]*reservation.Schedule
	orders    map[uuid.UUID]*reservation.Order
	events    []reservation.EventLog

	base time.Time
	seq  int
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients:  make(map[uuid.UUID]*reservation.Patient),
		doctors:   make(map[uuid.UUID]*reservation.Doctor),
		schedules: make(map[uuid.UUID]*reservation.Schedule),
		orders:    make(map[uuid.UUID]*reservation.Order),
		base:      time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) addPatient(category reservation.PatientCategory) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.patients[id] = &reservation.Patient{ID: id, Name: "patient", Category: category}
	return id
}

func (r *memRepo) addSchedule(capacity int, priceCents int64) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	doctorID := uuid.New()
	r.doctors[doctorID] = &reservation.Doctor{ID: doctorID, Name: "doctor"}
	r.schedules[id] = &reservation.Schedule{
		ID:             id,
		DoctorID:       doctorID,
		VisitDate:      r.base.AddDate(0, 0, 1),
		Section:        reservation.SectionMorning,
		TotalCapacity:  capacity,
		RemainingSlots: capacity,
		PriceCents:     priceCents,
		State:          reservation.ScheduleActive,
	}
	return id
}

func (r *memRepo) schedule(id uuid.UUID) reservation.Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.schedules[id]
}

func (r *memRepo) order(id uuid.UUID) reservation.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[id]
}

// expire backdates an order's payment deadline so the sweep picks it up.
func (r *memRepo) expire(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	past := time.Now().Add(-time.Minute)
	r.orders[id].ExpiresAt = &past
}

func (r *memRepo) nextTime() time.Time {
	r.seq++
	return r.base.Add(time.Duration(r.seq) * time.Millisecond)
}

// Repository implementation

func (r *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*reservation.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, reservation.ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetScheduleByID(_ context.Context, id uuid.UUID) (*reservation.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, reservation.ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) GetOrderByID(_ context.Context, id uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) GetOrderDetail(ctx context.Context, id uuid.UUID) (*reservation.OrderDetail, error) {
	o, err := r.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sched, err := r.GetScheduleByID(ctx, o.ScheduleID)
	if err != nil {
		return nil, err
	}
	patient, err := r.GetPatientByID(ctx, o.PatientID)
	if err != nil {
		return nil, err
	}
	return &reservation.OrderDetail{Order: *o, Schedule: sched, Patient: patient}, nil
}

func (r *memRepo) GetActiveOrderForPatient(_ context.Context, scheduleID, patientID uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.ScheduleID == scheduleID && o.PatientID == patientID && !o.Terminal() {
			cp := *o
			return &cp, nil
		}
	}
	return nil, reservation.ErrOrderNotFound
}

func (r *memRepo) ReserveSlot(_ context.Context, scheduleID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[scheduleID]
	if !ok {
		return reservation.ErrScheduleNotFound
	}
	if s.RemainingSlots <= 0 {
		return reservation.ErrNoCapacity
	}
	s.RemainingSlots--
	return nil
}

func (r *memRepo) ReleaseSlot(_ context.Context, scheduleID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[scheduleID]
	if !ok {
		return reservation.ErrScheduleNotFound
	}
	if s.RemainingSlots >= s.TotalCapacity {
		return reservation.ErrCapacityOverflow
	}
	s.RemainingSlots++
	return nil
}

func (r *memRepo) CreateOrder(_ context.Context, o *reservation.Order) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = r.nextTime()
	cp.UpdatedAt = cp.CreatedAt
	r.orders[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) UpdateOrderState(_ context.Context, id uuid.UUID, from, to reservation.StatePair, set reservation.StateSideEffects) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	if o.Status != from.Status || o.PaymentStatus != from.Payment {
		return nil, reservation.ErrStateConflict
	}

	o.Status = to.Status
	o.PaymentStatus = to.Payment
	if set.PaymentTime != nil {
		o.PaymentTime = set.PaymentTime
	}
	if set.CancelTime != nil {
		o.CancelTime = set.CancelTime
	}
	if set.ExpiresAt != nil {
		o.ExpiresAt = set.ExpiresAt
	}
	if set.SourceType != nil {
		o.SourceType = *set.SourceType
	}
	if set.ClearCall {
		o.IsCalling = false
	}
	if set.ClearWaitlist {
		o.IsWaitlist = false
	}
	o.UpdatedAt = r.nextTime()

	cp := *o
	return &cp, nil
}

func (r *memRepo) NextWaitlistPosition(_ context.Context, scheduleID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, o := range r.orders {
		if o.ScheduleID == scheduleID && o.IsWaitlist && o.WaitlistPosition != nil && *o.WaitlistPosition > max {
			max = *o.WaitlistPosition
		}
	}
	return max + 1, nil
}

func (r *memRepo) FirstWaitlisted(_ context.Context, scheduleID uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first *reservation.Order
	for _, o := range r.orders {
		if o.ScheduleID != scheduleID || o.Status != reservation.StatusWaitlisted {
			continue
		}
		if first == nil || *o.WaitlistPosition < *first.WaitlistPosition {
			first = o
		}
	}
	if first == nil {
		return nil, reservation.ErrOrderNotFound
	}
	cp := *first
	return &cp, nil
}

func (r *memRepo) CountWaitlisted(_ context.Context, scheduleID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.orders {
		if o.ScheduleID == scheduleID && o.Status == reservation.StatusWaitlisted {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) FindExpiredUnpaid(_ context.Context, now time.Time, limit int) ([]reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []reservation.Order
	for _, o := range r.orders {
		if len(result) >= limit {
			break
		}
		if o.Status != reservation.StatusPending || o.IsWaitlist {
			continue
		}
		if o.PaymentStatus != reservation.PaymentPending && o.PaymentStatus != reservation.PaymentFailed {
			continue
		}
		if o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (r *memRepo) NextCallable(_ context.Context, scheduleID uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *reservation.Order
	for _, o := range r.orders {
		if o.ScheduleID != scheduleID || o.Status != reservation.StatusConfirmed {
			continue
		}
		if best == nil || callsBefore(o, best) {
			best = o
		}
	}
	if best == nil {
		return nil, reservation.ErrOrderNotFound
	}
	cp := *best
	return &cp, nil
}

func callsBefore(a, b *reservation.Order) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.PassCount != b.PassCount {
		return a.PassCount < b.PassCount
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (r *memRepo) CallingOrder(_ context.Context, scheduleID uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.ScheduleID == scheduleID && o.IsCalling {
			cp := *o
			return &cp, nil
		}
	}
	return nil, reservation.ErrOrderNotFound
}

func (r *memRepo) MarkCalling(_ context.Context, id uuid.UUID, at time.Time) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	if o.Status != reservation.StatusConfirmed || o.IsCalling {
		return nil, reservation.ErrStateConflict
	}
	for _, other := range r.orders {
		if other.ScheduleID == o.ScheduleID && other.IsCalling {
			return nil, reservation.ErrStateConflict
		}
	}
	o.IsCalling = true
	t := at
	o.CallTime = &t
	cp := *o
	return &cp, nil
}

func (r *memRepo) ClearCalling(_ context.Context, id uuid.UUID, incrementPass bool) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	if !o.IsCalling {
		return nil, reservation.ErrStateConflict
	}
	o.IsCalling = false
	if incrementPass {
		o.PassCount++
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) ListOrdersByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]reservation.OrderDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []reservation.OrderDetail
	for _, o := range r.orders {
		if o.PatientID == patientID {
			result = append(result, reservation.OrderDetail{Order: *o})
		}
	}
	return result, nil
}

func (r *memRepo) ListOrdersBySchedule(_ context.Context, scheduleID uuid.UUID) ([]reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []reservation.Order
	for _, o := range r.orders {
		if o.ScheduleID == scheduleID {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (r *memRepo) InsertEvent(_ context.Context, ev reservation.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// memLocker serializes critical sections per schedule with an in-process
// mutex, standing in for the Redis lock.
type memLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

var _ redisclient.Locker = (*memLocker)(nil)

func (l *memLocker) WithScheduleLock(ctx context.Context, scheduleID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[scheduleID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[scheduleID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
