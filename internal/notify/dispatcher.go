// Package notify is the outbound patient-notification collaborator. The
// core calls it fire-and-forget: delivery failure never rolls back the
// state transition that triggered the message.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventOrderCreated      = "ORDER_CREATED"
	EventOrderConfirmed    = "ORDER_CONFIRMED"
	EventOrderCancelled    = "ORDER_CANCELLED"
	EventOrderTimedOut     = "ORDER_TIMED_OUT"
	EventWaitlistJoined    = "WAITLIST_JOINED"
	EventWaitlistConverted = "WAITLIST_CONVERTED"
	EventPatientCalled     = "PATIENT_CALLED"
)

type Dispatcher interface {
	Notify(ctx context.Context, patientID uuid.UUID, eventKind string, payload map[string]any)
}

// LogDispatcher writes notifications to the structured log instead of an
// SMS/e-mail gateway. Real channels plug in behind the same interface.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{
		log: log.With().Str("component", "notify").Logger(),
	}
}

func (d *LogDispatcher) Notify(_ context.Context, patientID uuid.UUID, eventKind string, payload map[string]any) {
	// Best effort: dispatch without blocking the caller's transaction path.
	go func() {
		d.log.Info().
			Str("patient_id", patientID.String()).
			Str("event", eventKind).
			Interface("payload", payload).
			Msg("notification dispatched")
	}()
}

// NopDispatcher discards all notifications. Used in tests and tooling.
type NopDispatcher struct{}

func (NopDispatcher) Notify(context.Context, uuid.UUID, string, map[string]any) {}
