package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

type BookRequest struct {
	ScheduleID string `json:"schedule_id"`
	PatientID  string `json:"patient_id"`
}

type JoinWaitlistRequest struct {
	PatientID string `json:"patient_id"`
}

type OrderResponse struct {
	ID               uuid.UUID  `json:"id"`
	ScheduleID       uuid.UUID  `json:"schedule_id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	Status           string     `json:"status"`
	PaymentStatus    string     `json:"payment_status"`
	IsWaitlist       bool       `json:"is_waitlist"`
	WaitlistPosition *int       `json:"waitlist_position,omitempty"`
	SourceType       string     `json:"source_type"`
	PriceCents       int64      `json:"price_cents"`
	Priority         int        `json:"priority"`
	PassCount        int        `json:"pass_count"`
	IsCalling        bool       `json:"is_calling"`
	CallTime         *time.Time `json:"call_time,omitempty"`
	PaymentTime      *time.Time `json:"payment_time,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type WaitlistStatusResponse struct {
	Waiting int `json:"waiting"`
}

type SweepResponse struct {
	Processed int `json:"processed"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toOrderResponse(o *reservation.Order) OrderResponse {
	return OrderResponse{
		ID:               o.ID,
		ScheduleID:       o.ScheduleID,
		PatientID:        o.PatientID,
		Status:           string(o.Status),
		PaymentStatus:    string(o.PaymentStatus),
		IsWaitlist:       o.IsWaitlist,
		WaitlistPosition: o.WaitlistPosition,
		SourceType:       string(o.SourceType),
		PriceCents:       o.PriceCents,
		Priority:         o.Priority,
		PassCount:        o.PassCount,
		IsCalling:        o.IsCalling,
		CallTime:         o.CallTime,
		PaymentTime:      o.PaymentTime,
		ExpiresAt:        o.ExpiresAt,
		CreatedAt:        o.CreatedAt,
	}
}
