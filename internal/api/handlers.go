package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/callqueue"
	redisclient "github.com/bjtu-hospital/outpatient-scheduling/internal/redis"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

func bookHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		scheduleID, err := uuid.Parse(req.ScheduleID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule_id", "schedule_id must be a valid UUID")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		order, err := svc.Book(r.Context(), scheduleID, patientID)
		if err != nil {
			handleReservationError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toOrderResponse(order))
	}
}

func joinWaitlistHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID, ok := parseIDParam(w, r, "invalid_schedule_id", "schedule id must be a valid UUID")
		if !ok {
			return
		}

		var req JoinWaitlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		order, err := svc.JoinWaitlist(r.Context(), scheduleID, patientID)
		if err != nil {
			handleReservationError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toOrderResponse(order))
	}
}

func cancelHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseIDParam(w, r, "invalid_order_id", "id must be a valid UUID")
		if !ok {
			return
		}

		order, err := svc.Cancel(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, reservation.ErrAlreadyProcessed) {
				// idempotent no-op, return the terminal order as-is
				writeJSON(w, http.StatusOK, toOrderResponse(order))
				return
			}
			handleReservationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func completePaymentHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseIDParam(w, r, "invalid_order_id", "id must be a valid UUID")
		if !ok {
			return
		}

		order, err := svc.CompletePayment(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, reservation.ErrAlreadyProcessed) {
				writeJSON(w, http.StatusOK, toOrderResponse(order))
				return
			}
			handleReservationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func failPaymentHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseIDParam(w, r, "invalid_order_id", "id must be a valid UUID")
		if !ok {
			return
		}

		order, err := svc.FailPayment(r.Context(), orderID)
		if err != nil {
			handleReservationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func getOrderHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseIDParam(w, r, "invalid_order_id", "id must be a valid UUID")
		if !ok {
			return
		}

		detail, err := svc.GetOrder(r.Context(), orderID)
		if err != nil {
			handleReservationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(&detail.Order))
	}
}

func listPatientOrdersHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parseIDParam(w, r, "invalid_patient_id", "id must be a valid UUID")
		if !ok {
			return
		}

		details, err := svc.ListOrdersByPatient(r.Context(), patientID, 0, 0)
		if err != nil {
			handleReservationError(w, err)
			return
		}

		resp := make([]OrderResponse, 0, len(details))
		for i := range details {
			resp = append(resp, toOrderResponse(&details[i].Order))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listScheduleOrdersHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID, ok := parseIDParam(w, r, "invalid_schedule_id", "id must be a valid UUID")
		if !ok {
			return
		}

		orders, err := svc.ListOrdersBySchedule(r.Context(), scheduleID)
		if err != nil {
			handleReservationError(w, err)
			return
		}

		resp := make([]OrderResponse, 0, len(orders))
		for i := range orders {
			resp = append(resp, toOrderResponse(&orders[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func waitlistStatusHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID, ok := parseIDParam(w, r, "invalid_schedule_id", "id must be a valid UUID")
		if !ok {
			return
		}

		waiting, err := svc.CountWaitlisted(r.Context(), scheduleID)
		if err != nil {
			handleReservationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, WaitlistStatusResponse{Waiting: waiting})
	}
}

func callNextHandler(svc *callqueue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID, ok := parseIDParam(w, r, "invalid_schedule_id", "id must be a valid UUID")
		if !ok {
			return
		}

		order, err := svc.CallNext(r.Context(), scheduleID)
		if err != nil {
			handleCallQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func markPassHandler(svc *callqueue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseIDParam(w, r, "invalid_order_id", "id must be a valid UUID")
		if !ok {
			return
		}

		order, err := svc.MarkPass(r.Context(), orderID)
		if err != nil {
			handleCallQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func markCompleteHandler(svc *callqueue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseIDParam(w, r, "invalid_order_id", "id must be a valid UUID")
		if !ok {
			return
		}

		order, err := svc.MarkComplete(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, reservation.ErrAlreadyProcessed) {
				writeJSON(w, http.StatusOK, toOrderResponse(order))
				return
			}
			handleCallQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func markNoShowHandler(svc *callqueue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseIDParam(w, r, "invalid_order_id", "id must be a valid UUID")
		if !ok {
			return
		}

		order, err := svc.MarkNoShow(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, reservation.ErrAlreadyProcessed) {
				writeJSON(w, http.StatusOK, toOrderResponse(order))
				return
			}
			handleCallQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func sweepHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processed, err := svc.RunTimeoutSweep(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "sweep_failed", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, SweepResponse{Processed: processed})
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request, code, details string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, details)
		return uuid.Nil, false
	}
	return id, true
}

func handleReservationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, reservation.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "schedule_not_found", err.Error())
	case errors.Is(err, reservation.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, reservation.ErrScheduleWithdrawn):
		writeError(w, http.StatusConflict, "schedule_withdrawn", err.Error())
	case errors.Is(err, reservation.ErrNoCapacity):
		writeError(w, http.StatusConflict, "no_capacity", err.Error())
	case errors.Is(err, reservation.ErrDuplicateReservation):
		writeError(w, http.StatusConflict, "duplicate_reservation", err.Error())
	case errors.Is(err, reservation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, reservation.ErrScheduleBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "schedule_busy", "schedule is busy, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleCallQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, callqueue.ErrCallInProgress):
		writeError(w, http.StatusConflict, "call_in_progress", err.Error())
	case errors.Is(err, callqueue.ErrNothingToCall):
		writeError(w, http.StatusNotFound, "nothing_to_call", err.Error())
	case errors.Is(err, callqueue.ErrNotCalling):
		writeError(w, http.StatusConflict, "not_calling", err.Error())
	case errors.Is(err, callqueue.ErrPassLimitNotReached):
		writeError(w, http.StatusConflict, "pass_limit_not_reached", err.Error())
	case errors.Is(err, reservation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
