package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/callqueue"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/metrics"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

type RouterConfig struct {
	Reservations *reservation.Service
	CallQueue    *callqueue.Service
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Log          zerolog.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(metrics.Middleware)

	// Health and observability
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Orders
	r.Post("/orders", bookHandler(cfg.Reservations))
	r.Get("/orders/{id}", getOrderHandler(cfg.Reservations))
	r.Post("/orders/{id}/cancel", cancelHandler(cfg.Reservations))
	r.Post("/orders/{id}/pay", completePaymentHandler(cfg.Reservations))
	r.Post("/orders/{id}/pay/fail", failPaymentHandler(cfg.Reservations))

	// Schedules and waitlist
	r.Post("/schedules/{id}/waitlist", joinWaitlistHandler(cfg.Reservations))
	r.Get("/schedules/{id}/waitlist", waitlistStatusHandler(cfg.Reservations))
	r.Get("/schedules/{id}/orders", listScheduleOrdersHandler(cfg.Reservations))
	r.Get("/patients/{id}/orders", listPatientOrdersHandler(cfg.Reservations))

	// Call queue
	r.Post("/schedules/{id}/call-next", callNextHandler(cfg.CallQueue))
	r.Post("/orders/{id}/pass", markPassHandler(cfg.CallQueue))
	r.Post("/orders/{id}/complete", markCompleteHandler(cfg.CallQueue))
	r.Post("/orders/{id}/no-show", markNoShowHandler(cfg.CallQueue))

	// Hook for external schedulers that prefer HTTP over the worker binary
	r.Post("/admin/sweep", sweepHandler(cfg.Reservations))

	return r
}
