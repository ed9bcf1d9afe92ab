package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/config"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/metrics"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/notify"
	redisclient "github.com/bjtu-hospital/outpatient-scheduling/internal/redis"
)

const (
	EventOrderCreated      = "ORDER_CREATED"
	EventOrderConfirmed    = "ORDER_CONFIRMED"
	EventOrderCancelled    = "ORDER_CANCELLED"
	EventOrderTimedOut     = "ORDER_TIMED_OUT"
	EventWaitlistJoined    = "WAITLIST_JOINED"
	EventWaitlistConverted = "WAITLIST_CONVERTED"
	EventPaymentFailed     = "PAYMENT_FAILED"
)

// sweepBatchSize caps how many expired orders a single sweep loads.
const sweepBatchSize = 500

var (
	ErrScheduleWithdrawn    = errors.New("schedule is withdrawn")
	ErrScheduleBusy         = errors.New("schedule is busy, please retry")
	ErrDuplicateReservation = errors.New("patient already holds an order for this schedule")
	ErrInvalidTransition    = errors.New("invalid order state transition")
	ErrAlreadyProcessed     = errors.New("order already in requested state")
)

// PriceResolver is the pricing collaborator, consulted at order creation
// only. It must be a pure function over its inputs.
type PriceResolver interface {
	Price(ctx context.Context, schedule *Schedule, category PatientCategory) (int64, error)
}

type Service struct {
	repo   Repository
	locker redisclient.Locker
	pricer PriceResolver
	notif  notify.Dispatcher
	cfg    config.Config
	log    zerolog.Logger
}

func NewService(repo Repository, locker redisclient.Locker, pricer PriceResolver, notif notify.Dispatcher, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		pricer: pricer,
		notif:  notif,
		cfg:    cfg,
		log:    log.With().Str("component", "reservation").Logger(),
	}
}

// Book reserves a slot for a patient. The per-schedule lock makes the
// duplicate check, the capacity decrement and the order insert a single
// critical section, so two concurrent requests for the last unit cannot
// both succeed.
func (s *Service) Book(ctx context.Context, scheduleID, patientID uuid.UUID) (*Order, error) {
	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	schedule, err := s.repo.GetScheduleByID(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if schedule.State != ScheduleActive {
		return nil, ErrScheduleWithdrawn
	}

	price, err := s.pricer.Price(ctx, schedule, patient.Category)
	if err != nil {
		return nil, fmt.Errorf("resolve price: %w", err)
	}

	var created *Order

	err = s.locker.WithScheduleLock(ctx, scheduleID, func(lockCtx context.Context) error {
		if err := s.checkNoActiveOrder(lockCtx, scheduleID, patientID); err != nil {
			return err
		}

		if err := s.repo.ReserveSlot(lockCtx, scheduleID); err != nil {
			return err
		}

		expiresAt := time.Now().Add(s.cfg.PaymentTTL)
		o := &Order{
			ScheduleID:    scheduleID,
			PatientID:     patientID,
			Status:        StatusPending,
			PaymentStatus: PaymentPending,
			SourceType:    SourceNormal,
			PriceCents:    price,
			ExpiresAt:     &expiresAt,
		}

		ord, err := s.repo.CreateOrder(lockCtx, o)
		if err != nil {
			// give the unit back, the insert never happened
			if relErr := s.repo.ReleaseSlot(lockCtx, scheduleID); relErr != nil {
				s.log.Error().Err(relErr).Str("schedule_id", scheduleID.String()).Msg("release after failed insert")
			}
			return fmt.Errorf("create order: %w", err)
		}
		created = ord

		s.logEvent(lockCtx, created.ID, EventOrderCreated, map[string]any{
			"schedule_id": scheduleID.String(),
			"patient_id":  patientID.String(),
			"expires_at":  expiresAt,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			metrics.RecordBooking("busy")
			return nil, ErrScheduleBusy
		}
		if errors.Is(err, ErrNoCapacity) {
			metrics.RecordBooking("no_capacity")
			return nil, err
		}
		if errors.Is(err, ErrDuplicateReservation) {
			metrics.RecordBooking("duplicate")
			return nil, err
		}
		metrics.RecordBooking("error")
		return nil, err
	}

	metrics.RecordBooking("success")
	s.notif.Notify(ctx, patientID, notify.EventOrderCreated, map[string]any{
		"order_id": created.ID.String(),
	})

	return created, nil
}

// JoinWaitlist creates a waiting entry for a full schedule. No capacity is
// reserved; the position is assigned under the schedule lock so arrival
// order is never ambiguous.
func (s *Service) JoinWaitlist(ctx context.Context, scheduleID, patientID uuid.UUID) (*Order, error) {
	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	schedule, err := s.repo.GetScheduleByID(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if schedule.State != ScheduleActive {
		return nil, ErrScheduleWithdrawn
	}

	price, err := s.pricer.Price(ctx, schedule, patient.Category)
	if err != nil {
		return nil, fmt.Errorf("resolve price: %w", err)
	}

	var created *Order

	err = s.locker.WithScheduleLock(ctx, scheduleID, func(lockCtx context.Context) error {
		if err := s.checkNoActiveOrder(lockCtx, scheduleID, patientID); err != nil {
			return err
		}

		pos, err := s.repo.NextWaitlistPosition(lockCtx, scheduleID)
		if err != nil {
			return err
		}

		o := &Order{
			ScheduleID:       scheduleID,
			PatientID:        patientID,
			Status:           StatusWaitlisted,
			PaymentStatus:    PaymentPending,
			IsWaitlist:       true,
			WaitlistPosition: &pos,
			SourceType:       SourceNormal,
			PriceCents:       price,
		}

		ord, err := s.repo.CreateOrder(lockCtx, o)
		if err != nil {
			return fmt.Errorf("create waitlist order: %w", err)
		}
		created = ord

		s.logEvent(lockCtx, created.ID, EventWaitlistJoined, map[string]any{
			"schedule_id": scheduleID.String(),
			"patient_id":  patientID.String(),
			"position":    pos,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrScheduleBusy
		}
		return nil, err
	}

	s.notif.Notify(ctx, patientID, notify.EventWaitlistJoined, map[string]any{
		"order_id": created.ID.String(),
		"position": *created.WaitlistPosition,
	})

	return created, nil
}

func (s *Service) checkNoActiveOrder(ctx context.Context, scheduleID, patientID uuid.UUID) error {
	existing, err := s.repo.GetActiveOrderForPatient(ctx, scheduleID, patientID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return fmt.Errorf("check active order: %w", err)
	}
	if existing != nil {
		return ErrDuplicateReservation
	}
	return nil
}

// Cancel withdraws an order. Paid orders are refunded; non-waitlist
// cancellations free capacity and trigger the waitlist conversion cascade.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.Terminal() {
		return o, ErrAlreadyProcessed
	}

	var to StatePair
	switch o.State() {
	case StatePendingUnpaid, StatePendingPaying, StatePendingFailed, StateWaitlisted:
		to = StateCancelledUnpaid
	case StateConfirmedPaid:
		to = StateCancelledRefund
	default:
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	updated, err := s.transition(ctx, orderID, o.State(), to, StateSideEffects{
		CancelTime: &now,
		ClearCall:  true,
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventOrderCancelled, map[string]any{
		"from_status":    string(o.Status),
		"payment_status": string(to.Payment),
	})

	if !o.IsWaitlist {
		if err := s.repo.ReleaseSlot(ctx, o.ScheduleID); err != nil {
			s.log.Error().Err(err).Str("order_id", orderID.String()).Msg("release slot on cancel")
		} else {
			s.runConversionCascade(ctx, o.ScheduleID)
		}
	}

	s.notif.Notify(ctx, o.PatientID, notify.EventOrderCancelled, map[string]any{
		"order_id": updated.ID.String(),
	})

	return updated, nil
}

// BeginPayment moves an order into the paying state. Holding the paying
// state also shields the order from the timeout sweep, whose precondition
// requires an untouched payment status.
func (s *Service) BeginPayment(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch o.State() {
	case StatePendingPaying:
		return o, ErrAlreadyProcessed
	case StatePendingUnpaid, StatePendingFailed:
		return s.transition(ctx, orderID, o.State(), StatePendingPaying, StateSideEffects{})
	default:
		return nil, ErrInvalidTransition
	}
}

// CompletePayment confirms an order after a successful payment. Exactly one
// of payment and timeout wins; the loser's write is rejected by the state
// precondition, never overwritten.
func (s *Service) CompletePayment(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.State() == StateConfirmedPaid {
		return o, ErrAlreadyProcessed
	}

	// Implicit pay-begin for callers that skip it. A conflict here means
	// another actor moved the order; the confirm CAS below settles it.
	if o.State() == StatePendingUnpaid || o.State() == StatePendingFailed {
		if _, err := s.transition(ctx, orderID, o.State(), StatePendingPaying, StateSideEffects{}); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
	}

	now := time.Now()
	updated, err := s.transition(ctx, orderID, StatePendingPaying, StateConfirmedPaid, StateSideEffects{
		PaymentTime: &now,
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventOrderConfirmed, map[string]any{
		"paid_cents": updated.PriceCents,
	})
	s.notif.Notify(ctx, updated.PatientID, notify.EventOrderConfirmed, map[string]any{
		"order_id": updated.ID.String(),
	})

	return updated, nil
}

// FailPayment records a failed payment attempt. The order stays pending and
// keeps its slot until it is paid, cancelled or reclaimed by the sweep.
func (s *Service) FailPayment(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	updated, err := s.transition(ctx, orderID, StatePendingPaying, StatePendingFailed, StateSideEffects{})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventPaymentFailed, nil)
	return updated, nil
}

// RunTimeoutSweep reclaims capacity from unpaid orders whose payment window
// elapsed. It is stateless and idempotent: the external scheduler may call
// it as often as it likes. Returns how many orders were timed out.
func (s *Service) RunTimeoutSweep(ctx context.Context) (int, error) {
	start := time.Now()

	candidates, err := s.repo.FindExpiredUnpaid(ctx, start, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find expired unpaid orders: %w", err)
	}

	processed := 0
	for _, o := range candidates {
		updated, err := s.transition(ctx, o.ID, o.State(), StateTimedOut, StateSideEffects{})
		if err != nil {
			// Lost the race to a concurrent payment or cancel. Expected,
			// skip silently. Anything else is logged and must not abort
			// the rest of the batch.
			if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrOrderNotFound) {
				s.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("timeout transition failed")
			}
			continue
		}

		processed++
		metrics.RecordOrderTimedOut()
		s.logEvent(ctx, updated.ID, EventOrderTimedOut, map[string]any{
			"expired_at": o.ExpiresAt,
		})
		s.notif.Notify(ctx, updated.PatientID, notify.EventOrderTimedOut, map[string]any{
			"order_id": updated.ID.String(),
		})

		if err := s.repo.ReleaseSlot(ctx, o.ScheduleID); err != nil {
			s.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("release slot on timeout")
			continue
		}

		s.runConversionCascade(ctx, o.ScheduleID)
	}

	metrics.ObserveSweepDuration(time.Since(start))
	s.log.Info().Int("candidates", len(candidates)).Int("timed_out", processed).
		Dur("elapsed", time.Since(start)).Msg("timeout sweep complete")

	return processed, nil
}

// runConversionCascade drives waitlist conversions after a capacity-freeing
// event. Attempts are bounded so repeatedly failing conversions cannot spin
// the caller forever.
func (s *Service) runConversionCascade(ctx context.Context, scheduleID uuid.UUID) {
	for attempt := 0; attempt < s.cfg.MaxConversions; attempt++ {
		converted, err := s.ConvertFirstWaitlisted(ctx, scheduleID)
		if err != nil {
			s.log.Warn().Err(err).Str("schedule_id", scheduleID.String()).
				Int("attempt", attempt+1).Msg("waitlist conversion attempt failed")
			continue
		}
		if converted == nil {
			return
		}
	}
}

// ConvertFirstWaitlisted promotes the earliest waiting order into a payable
// reservation. Returns (nil, nil) when there is nothing to convert or no
// capacity remains, the stop signal for the cascade loop.
func (s *Service) ConvertFirstWaitlisted(ctx context.Context, scheduleID uuid.UUID) (*Order, error) {
	var converted *Order

	err := s.locker.WithScheduleLock(ctx, scheduleID, func(lockCtx context.Context) error {
		first, err := s.repo.FirstWaitlisted(lockCtx, scheduleID)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				return nil
			}
			return fmt.Errorf("first waitlisted: %w", err)
		}

		if err := s.repo.ReserveSlot(lockCtx, scheduleID); err != nil {
			if errors.Is(err, ErrNoCapacity) {
				return nil
			}
			return fmt.Errorf("reserve for conversion: %w", err)
		}

		expiresAt := time.Now().Add(s.cfg.PaymentTTL)
		src := SourceWaitlistConverted
		updated, err := s.transition(lockCtx, first.ID, StateWaitlisted, StatePendingUnpaid, StateSideEffects{
			ExpiresAt:     &expiresAt,
			SourceType:    &src,
			ClearWaitlist: true,
		})
		if err != nil {
			// The entry was withdrawn under us. Give the unit back and let
			// the caller retry with the next entry.
			if relErr := s.repo.ReleaseSlot(lockCtx, scheduleID); relErr != nil {
				s.log.Error().Err(relErr).Str("schedule_id", scheduleID.String()).Msg("release after failed conversion")
			}
			return fmt.Errorf("convert order %s: %w", first.ID, err)
		}

		converted = updated
		s.logEvent(lockCtx, updated.ID, EventWaitlistConverted, map[string]any{
			"schedule_id": scheduleID.String(),
			"position":    first.WaitlistPosition,
			"expires_at":  expiresAt,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrScheduleBusy
		}
		return nil, err
	}

	if converted != nil {
		metrics.RecordWaitlistConversion()
		s.notif.Notify(ctx, converted.PatientID, notify.EventWaitlistConverted, map[string]any{
			"order_id":   converted.ID.String(),
			"expires_at": converted.ExpiresAt,
		})
	}

	return converted, nil
}

// transition applies one CAS state change, validating the edge against the
// joint-state table first. A precondition miss surfaces as
// ErrInvalidTransition: the caller lost a race or used stale state.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from, to StatePair, set StateSideEffects) (*Order, error) {
	if !ValidState(to) || !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateOrderState(ctx, id, from, to, set)
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return updated, nil
}

// Reads

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*OrderDetail, error) {
	detail, err := s.repo.GetOrderDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *Service) ListOrdersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]OrderDetail, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	orders, err := s.repo.ListOrdersByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders by patient: %w", err)
	}
	return orders, nil
}

// CountWaitlisted reports how many entries are still waiting on a schedule.
func (s *Service) CountWaitlisted(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	n, err := s.repo.CountWaitlisted(ctx, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("count waitlisted: %w", err)
	}
	return n, nil
}

func (s *Service) ListOrdersBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]Order, error) {
	orders, err := s.repo.ListOrdersBySchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list orders by schedule: %w", err)
	}
	return orders, nil
}

func (s *Service) logEvent(ctx context.Context, orderID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
		data = nil
	}

	oid := orderID

	ev := EventLog{
		EventType: eventType,
		OrderID:   &oid,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Str("order_id", orderID.String()).Msg("insert event log")
	}
}
