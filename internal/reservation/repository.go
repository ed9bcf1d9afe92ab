package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrDoctorNotFound   = errors.New("doctor not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrOrderNotFound    = errors.New("order not found")

	// ErrNoCapacity means the schedule has no remaining slots.
	ErrNoCapacity = errors.New("schedule has no remaining capacity")
	// ErrStateConflict means a compare-and-swap update found the order in a
	// different state than the caller expected: another actor won the race.
	ErrStateConflict = errors.New("order state changed concurrently")
	// ErrCapacityOverflow means a release would push remaining_slots past
	// total_capacity. Releasing more than was reserved is a logic error.
	ErrCapacityOverflow = errors.New("slot release exceeds total capacity")
)

// Repository contains all DB interactions needed by the services. Every
// state-changing method is a single atomic statement; the CAS methods fail
// with ErrStateConflict instead of overwriting a state another actor
// already moved.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetScheduleByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderDetail(ctx context.Context, id uuid.UUID) (*OrderDetail, error)

	// Duplicate check: any non-terminal order the patient holds for the schedule.
	GetActiveOrderForPatient(ctx context.Context, scheduleID, patientID uuid.UUID) (*Order, error)

	// Slot inventory. ReserveSlot decrements remaining_slots iff it is
	// positive (ErrNoCapacity otherwise); ReleaseSlot increments it iff the
	// result stays within total_capacity (ErrCapacityOverflow otherwise).
	ReserveSlot(ctx context.Context, scheduleID uuid.UUID) error
	ReleaseSlot(ctx context.Context, scheduleID uuid.UUID) error

	CreateOrder(ctx context.Context, o *Order) (*Order, error)

	// UpdateOrderState moves an order between joint states iff it is still
	// in the expected one. set carries side fields written in the same
	// statement (payment_time, cancel_time, source_type, expires_at).
	UpdateOrderState(ctx context.Context, id uuid.UUID, from, to StatePair, set StateSideEffects) (*Order, error)

	// Waitlist. NextWaitlistPosition is max(position)+1 for the schedule;
	// callers hold the schedule lock so the value cannot be claimed twice.
	NextWaitlistPosition(ctx context.Context, scheduleID uuid.UUID) (int, error)
	FirstWaitlisted(ctx context.Context, scheduleID uuid.UUID) (*Order, error)
	CountWaitlisted(ctx context.Context, scheduleID uuid.UUID) (int, error)

	// Reaper.
	FindExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]Order, error)

	// Call queue.
	NextCallable(ctx context.Context, scheduleID uuid.UUID) (*Order, error)
	CallingOrder(ctx context.Context, scheduleID uuid.UUID) (*Order, error)
	MarkCalling(ctx context.Context, id uuid.UUID, at time.Time) (*Order, error)
	ClearCalling(ctx context.Context, id uuid.UUID, incrementPass bool) (*Order, error)

	// Reads for the API layer.
	ListOrdersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]OrderDetail, error)
	ListOrdersBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]Order, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// StateSideEffects are the optional columns a CAS transition writes
// alongside the state pair. Nil fields are left untouched.
type StateSideEffects struct {
	PaymentTime   *time.Time
	CancelTime    *time.Time
	ExpiresAt     *time.Time
	SourceType    *SourceType
	ClearCall     bool // reset is_calling as part of the transition
	ClearWaitlist bool // converted orders start counting against capacity
}
