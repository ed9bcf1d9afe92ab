// Package callqueue sequences confirmed patients for consultation. It
// operates on ordering metadata only; capacity accounting stays with the
// reservation package.
package callqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/metrics"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/notify"
	redisclient "github.com/bjtu-hospital/outpatient-scheduling/internal/redis"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

const (
	EventPatientCalled = "PATIENT_CALLED"
	EventPatientPassed = "PATIENT_PASSED"
	EventVisitComplete = "VISIT_COMPLETED"
	EventPatientNoShow = "PATIENT_NO_SHOW"
)

var (
	// ErrCallInProgress means another order for the schedule is already
	// being called; at most one patient is summoned at a time.
	ErrCallInProgress = errors.New("a call is already in progress for this schedule")
	// ErrNothingToCall means no confirmed order is eligible.
	ErrNothingToCall = errors.New("no order eligible for calling")
	// ErrNotCalling means the order is not the one currently being called.
	ErrNotCalling = errors.New("order is not currently being called")
	// ErrPassLimitNotReached means the order has not been passed often
	// enough to be written off as a no-show.
	ErrPassLimitNotReached = errors.New("order has not reached the pass limit")
)

// Repository is the slice of the reservation store the call queue needs.
// *reservation.PgRepository satisfies it.
type Repository interface {
	GetOrderByID(ctx context.Context, id uuid.UUID) (*reservation.Order, error)
	NextCallable(ctx context.Context, scheduleID uuid.UUID) (*reservation.Order, error)
	CallingOrder(ctx context.Context, scheduleID uuid.UUID) (*reservation.Order, error)
	MarkCalling(ctx context.Context, id uuid.UUID, at time.Time) (*reservation.Order, error)
	ClearCalling(ctx context.Context, id uuid.UUID, incrementPass bool) (*reservation.Order, error)
	UpdateOrderState(ctx context.Context, id uuid.UUID, from, to reservation.StatePair, set reservation.StateSideEffects) (*reservation.Order, error)
	InsertEvent(ctx context.Context, ev reservation.EventLog) error
}

type Service struct {
	repo      Repository
	locker    redisclient.Locker
	notif     notify.Dispatcher
	passLimit int
	log       zerolog.Logger
}

func NewService(repo Repository, locker redisclient.Locker, notif notify.Dispatcher, passLimit int, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		locker:    locker,
		notif:     notif,
		passLimit: passLimit,
		log:       log.With().Str("component", "callqueue").Logger(),
	}
}

// CallNext selects the next confirmed patient for the schedule, ordered by
// priority, then pass count, then arrival. The schedule lock plus the
// single-caller predicate in MarkCalling guarantee at most one order has
// is_calling set per schedule.
func (s *Service) CallNext(ctx context.Context, scheduleID uuid.UUID) (*reservation.Order, error) {
	var called *reservation.Order

	err := s.locker.WithScheduleLock(ctx, scheduleID, func(lockCtx context.Context) error {
		current, err := s.repo.CallingOrder(lockCtx, scheduleID)
		if err != nil && !errors.Is(err, reservation.ErrOrderNotFound) {
			return fmt.Errorf("check calling order: %w", err)
		}
		if current != nil {
			return ErrCallInProgress
		}

		next, err := s.repo.NextCallable(lockCtx, scheduleID)
		if err != nil {
			if errors.Is(err, reservation.ErrOrderNotFound) {
				return ErrNothingToCall
			}
			return fmt.Errorf("next callable: %w", err)
		}

		marked, err := s.repo.MarkCalling(lockCtx, next.ID, time.Now())
		if err != nil {
			if errors.Is(err, reservation.ErrStateConflict) {
				return ErrCallInProgress
			}
			return fmt.Errorf("mark calling: %w", err)
		}

		called = marked
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrCallInProgress
		}
		return nil, err
	}

	metrics.RecordCallAction("call")
	s.logEvent(ctx, called.ID, EventPatientCalled, nil)
	s.notif.Notify(ctx, called.PatientID, notify.EventPatientCalled, map[string]any{
		"order_id": called.ID.String(),
	})

	return called, nil
}

// MarkPass records that the called patient did not respond. The pass count
// increment pushes the order to the back of its priority band; it stays
// eligible for a later call.
func (s *Service) MarkPass(ctx context.Context, orderID uuid.UUID) (*reservation.Order, error) {
	updated, err := s.repo.ClearCalling(ctx, orderID, true)
	if err != nil {
		if errors.Is(err, reservation.ErrStateConflict) {
			return nil, ErrNotCalling
		}
		return nil, err
	}

	metrics.RecordCallAction("pass")
	s.logEvent(ctx, updated.ID, EventPatientPassed, map[string]any{
		"pass_count": updated.PassCount,
	})

	return updated, nil
}

// MarkComplete finishes the consultation.
func (s *Service) MarkComplete(ctx context.Context, orderID uuid.UUID) (*reservation.Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.Status == reservation.StatusCompleted {
		return o, reservation.ErrAlreadyProcessed
	}

	updated, err := s.repo.UpdateOrderState(ctx, orderID, reservation.StateConfirmedPaid, reservation.StateCompleted, reservation.StateSideEffects{
		ClearCall: true,
	})
	if err != nil {
		if errors.Is(err, reservation.ErrStateConflict) {
			return nil, reservation.ErrInvalidTransition
		}
		return nil, err
	}

	metrics.RecordCallAction("complete")
	s.logEvent(ctx, updated.ID, EventVisitComplete, nil)

	return updated, nil
}

// MarkNoShow writes off a patient who was passed at least passLimit times.
// The slot is deliberately not released: capacity was consumed at booking
// time and a no-show forfeits it.
func (s *Service) MarkNoShow(ctx context.Context, orderID uuid.UUID) (*reservation.Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.Status == reservation.StatusNoShow {
		return o, reservation.ErrAlreadyProcessed
	}
	if o.PassCount < s.passLimit {
		return nil, ErrPassLimitNotReached
	}

	updated, err := s.repo.UpdateOrderState(ctx, orderID, reservation.StateConfirmedPaid, reservation.StateNoShow, reservation.StateSideEffects{
		ClearCall: true,
	})
	if err != nil {
		if errors.Is(err, reservation.ErrStateConflict) {
			return nil, reservation.ErrInvalidTransition
		}
		return nil, err
	}

	metrics.RecordCallAction("no_show")
	s.logEvent(ctx, updated.ID, EventPatientNoShow, map[string]any{
		"pass_count": updated.PassCount,
	})

	return updated, nil
}

func (s *Service) logEvent(ctx context.Context, orderID uuid.UUID, eventType string, payload map[string]any) {
	oid := orderID

	ev := reservation.EventLog{
		EventType: eventType,
		OrderID:   &oid,
		CreatedAt: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
		} else {
			ev.Payload = data
		}
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Str("order_id", orderID.String()).Msg("insert event log")
	}
}
