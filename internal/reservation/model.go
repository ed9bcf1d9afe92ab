package reservation

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusTimeout    OrderStatus = "timeout"
	StatusCompleted  OrderStatus = "completed"
	StatusNoShow     OrderStatus = "no_show"
	StatusWaitlisted OrderStatus = "waitlisted"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaying    PaymentStatus = "paying"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

type ScheduleState string

const (
	ScheduleActive    ScheduleState = "active"
	ScheduleWithdrawn ScheduleState = "withdrawn"
)

type TimeSection string

const (
	SectionMorning   TimeSection = "am"
	SectionAfternoon TimeSection = "pm"
)

type SourceType string

const (
	SourceNormal            SourceType = "normal"
	SourceWaitlistConverted SourceType = "waitlist_converted"
)

type PatientCategory string

const (
	CategoryNormal  PatientCategory = "normal"
	CategoryElderly PatientCategory = "elderly"
	CategoryStudent PatientCategory = "student"
	CategoryStaff   PatientCategory = "staff"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Phone     *string
	Category  PatientCategory
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID         uuid.UUID
	Name       string
	Department *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Schedule is a bookable doctor time-slot. RemainingSlots is mutated only
// through ReserveSlot/ReleaseSlot and never drops below zero or exceeds
// TotalCapacity.
type Schedule struct {
	ID             uuid.UUID
	DoctorID       uuid.UUID
	VisitDate      time.Time
	Section        TimeSection
	TotalCapacity  int
	RemainingSlots int
	PriceCents     int64
	State          ScheduleState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Order is a patient's claim against a schedule, either an active
// reservation or a waitlist entry. Orders are never deleted; terminal
// states are kept for audit.
type Order struct {
	ID               uuid.UUID
	ScheduleID       uuid.UUID
	PatientID        uuid.UUID
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	IsWaitlist       bool
	WaitlistPosition *int
	SourceType       SourceType
	PriceCents       int64

	// call-queue fields, meaningful only while Status is confirmed
	Priority  int
	PassCount int
	IsCalling bool
	CallTime  *time.Time

	PaymentTime *time.Time
	CancelTime  *time.Time
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// State returns the joint (status, payment) pair the state machine operates on.
func (o *Order) State() StatePair {
	return StatePair{Status: o.Status, Payment: o.PaymentStatus}
}

// Terminal reports whether the order has reached a final status.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusCancelled, StatusTimeout, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

type EventLog struct {
	ID        int64
	EventType string
	OrderID   *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

type OrderDetail struct {
	Order
	Schedule *Schedule
	Patient  *Patient
	Doctor   *Doctor
}
