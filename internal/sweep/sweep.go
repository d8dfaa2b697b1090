// Package sweep cancels bookings and contract extensions whose payment
// window has passed. A run is a stateless batch: cmd/sweep invokes it from
// cron and the admin API can trigger it. Every cancellation goes through
// the same locked path as an explicit one, so overlapping runs are safe.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/metrics"
	"github.com/homelease/rentcore/internal/money"
	"github.com/homelease/rentcore/internal/traces"
)

// DefaultBatchSize bounds how many bookings and extensions one run scans.
const DefaultBatchSize = 100

// Bookings is the subset of booking.Service the sweep uses.
type Bookings interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*booking.Booking, error)
	ListOverdueExtensions(ctx context.Context, now time.Time, limit int) ([]*booking.Extension, error)
	Cancel(ctx context.Context, id string, actor booking.Actor, reason booking.CancelReason) (*booking.CancelResult, error)
	CancelExtension(ctx context.Context, id string, actor booking.Actor, note string) (*booking.Extension, error)
}

// Failure is one item the run could not cancel.
type Failure struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Summary reports what a run did.
type Summary struct {
	Scanned             int             `json:"scanned"`
	Cancelled           int             `json:"cancelled"`
	Refunded            decimal.Decimal `json:"refunded"`
	ExtensionsCancelled int             `json:"extensionsCancelled"`
	Skipped             int             `json:"skipped"`
	Failed              int             `json:"failed"`
	Failures            []Failure       `json:"failures,omitempty"`
	StartedAt           time.Time       `json:"startedAt"`
	Duration            string          `json:"duration"`
}

// Sweeper runs overdue sweeps.
type Sweeper struct {
	bookings  Bookings
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a sweeper.
func New(bookings Bookings, batchSize int, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{bookings: bookings, batchSize: batchSize, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run performs one pass. It returns an error only when the overdue lists
// cannot be read; per-item failures are logged and reported in the summary.
func (s *Sweeper) Run(ctx context.Context) (sum *Summary, err error) {
	ctx, span := traces.StartSpan(ctx, "sweep.run")
	defer func() { traces.End(span, err) }()

	start := s.now()
	sum = &Summary{Refunded: decimal.Zero, StartedAt: start}

	overdue, err := s.bookings.ListOverdue(ctx, start, s.batchSize)
	if err != nil {
		return nil, err
	}
	for _, b := range overdue {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++
		reason, ok := b.OverdueAt(start)
		if !ok {
			sum.Skipped++
			continue
		}
		res, err := s.bookings.Cancel(ctx, b.ID, booking.SystemActor, reason)
		switch {
		case errors.Is(err, booking.ErrNotOverdue), errors.Is(err, booking.ErrInvalidTransition):
			// Paid or cancelled since the scan.
			sum.Skipped++
		case err != nil:
			s.fail(sum, "booking", b.ID, err)
		default:
			sum.Cancelled++
			sum.Refunded = sum.Refunded.Add(res.Refunded)
			metrics.SweepCancelledTotal.WithLabelValues(string(reason)).Inc()
			s.logger.Info("overdue booking cancelled",
				"booking", b.ID, "reason", reason, "refunded", money.Format(res.Refunded))
		}
	}

	exts, err := s.bookings.ListOverdueExtensions(ctx, start, s.batchSize)
	if err != nil {
		return nil, err
	}
	for _, e := range exts {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++
		_, err := s.bookings.CancelExtension(ctx, e.ID, booking.SystemActor, "EXTENSION_OVERDUE")
		switch {
		case errors.Is(err, booking.ErrNotOverdue), errors.Is(err, booking.ErrInvalidTransition):
			sum.Skipped++
		case err != nil:
			s.fail(sum, "extension", e.ID, err)
		default:
			sum.ExtensionsCancelled++
			metrics.SweepCancelledTotal.WithLabelValues("EXTENSION_OVERDUE").Inc()
			s.logger.Info("overdue extension cancelled", "extension", e.ID, "booking", e.BookingID)
		}
	}

	sum.Duration = s.now().Sub(start).String()
	metrics.SweepLastRun.SetToCurrentTime()
	s.logger.Info("sweep finished",
		"scanned", sum.Scanned,
		"cancelled", sum.Cancelled,
		"extensions_cancelled", sum.ExtensionsCancelled,
		"refunded", money.Format(sum.Refunded),
		"failed", sum.Failed,
	)
	return sum, nil
}

func (s *Sweeper) fail(sum *Summary, kind, id string, err error) {
	sum.Failed++
	sum.Failures = append(sum.Failures, Failure{Kind: kind, ID: id, Error: err.Error()})
	metrics.SweepFailuresTotal.Inc()
	s.logger.Error("sweep item failed", "kind", kind, "id", id, "error", err)
}
