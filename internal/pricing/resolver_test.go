package pricing_test

import (
	"context"
	"testing"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/pricing"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

func TestCategoryResolverPrice(t *testing.T) {
	r := pricing.NewCategoryResolver()
	schedule := &reservation.Schedule{PriceCents: 2000}

	tests := []struct {
		name     string
		category reservation.PatientCategory
		want     int64
	}{
		{"normal pays list price", reservation.CategoryNormal, 2000},
		{"elderly half price", reservation.CategoryElderly, 1000},
		{"student twenty percent off", reservation.CategoryStudent, 1600},
		{"staff free", reservation.CategoryStaff, 0},
		{"unknown category pays list price", reservation.PatientCategory("visitor"), 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Price(context.Background(), schedule, tt.category)
			if err != nil {
				t.Fatalf("Price: %v", err)
			}
			if got != tt.want {
				t.Errorf("Price = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCategoryResolverRoundsDown(t *testing.T) {
	r := pricing.NewCategoryResolver()
	schedule := &reservation.Schedule{PriceCents: 999}

	got, err := r.Price(context.Background(), schedule, reservation.CategoryElderly)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if got != 499 {
		t.Errorf("Price = %d, want 499", got)
	}
}
