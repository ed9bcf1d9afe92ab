// Package pricing resolves the final registration fee for a schedule and
// patient category. It is consulted at order creation only and has no side
// effects on core state.
package pricing

import (
	"context"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

type Resolver interface {
	Price(ctx context.Context, schedule *reservation.Schedule, category reservation.PatientCategory) (int64, error)
}

// CategoryResolver applies a per-category discount, in basis points off the
// schedule's list price.
type CategoryResolver struct {
	discounts map[reservation.PatientCategory]int64
}

func NewCategoryResolver() *CategoryResolver {
	return &CategoryResolver{
		discounts: map[reservation.PatientCategory]int64{
			reservation.CategoryNormal:  0,
			reservation.CategoryElderly: 5000, // 50% off
			reservation.CategoryStudent: 2000, // 20% off
			reservation.CategoryStaff:   10000,
		},
	}
}

func (r *CategoryResolver) Price(ctx context.Context, schedule *reservation.Schedule, category reservation.PatientCategory) (int64, error) {
	bps, ok := r.discounts[category]
	if !ok {
		bps = 0
	}
	if bps > 10000 {
		bps = 10000
	}

	price := schedule.PriceCents * (10000 - bps) / 10000
	if price < 0 {
		price = 0
	}
	return price, nil
}
