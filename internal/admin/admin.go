// Package admin provides admin-only endpoints for the overdue sweep,
// ledger reconciliation and stuck-booking inspection.
package admin

import (
	"context"
	"time"

	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/reconciliation"
	"github.com/homelease/rentcore/internal/sweep"
)

// Sweeper runs one overdue sweep.
type Sweeper interface {
	Run(ctx context.Context) (*sweep.Summary, error)
}

// Reconciler recomputes ledger balances on demand.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// OverdueLister lists bookings and extensions past their payment deadline.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*booking.Booking, error)
	ListOverdueExtensions(ctx context.Context, now time.Time, limit int) ([]*booking.Extension, error)
}
