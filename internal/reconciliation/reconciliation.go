// Package reconciliation checks that every wallet balance and escrow
// sub-balance equals the signed sum of its transaction log.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/metrics"
	"github.com/homelease/rentcore/internal/money"
	"github.com/homelease/rentcore/internal/wallet"
)

// WalletDrifts reports wallets that disagree with their log.
type WalletDrifts interface {
	Drifts(ctx context.Context) ([]wallet.Drift, error)
}

// EscrowDrifts reports escrow sub-balances that disagree with their log.
type EscrowDrifts interface {
	Drifts(ctx context.Context) ([]escrow.Drift, error)
}

// Report summarizes one reconciliation run.
type Report struct {
	Wallets    []wallet.Drift `json:"wallets"`
	Escrows    []escrow.Drift `json:"escrows"`
	Mismatches int            `json:"mismatches"`
	Healthy    bool           `json:"healthy"`
	DurationMs int64          `json:"durationMs"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Service performs reconciliation runs.
type Service struct {
	wallets WalletDrifts
	escrows EscrowDrifts
	logger  *slog.Logger
	last    atomic.Pointer[Report]
}

// NewService creates a reconciliation service.
func NewService(wallets WalletDrifts, escrows EscrowDrifts, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{wallets: wallets, escrows: escrows, logger: logger}
}

// RunAll recomputes both ledgers and records the mismatch count.
func (s *Service) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	wd, err := s.wallets.Drifts(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("wallet drifts: %w", err)
	}
	ed, err := s.escrows.Drifts(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("escrow drifts: %w", err)
	}
	if wd == nil {
		wd = []wallet.Drift{}
	}
	if ed == nil {
		ed = []escrow.Drift{}
	}

	r := &Report{
		Wallets:    wd,
		Escrows:    ed,
		Mismatches: len(wd) + len(ed),
		Timestamp:  start,
		DurationMs: time.Since(start).Milliseconds(),
	}
	r.Healthy = r.Mismatches == 0
	metrics.ReconcileMismatches.Set(float64(r.Mismatches))
	s.last.Store(r)

	for _, d := range wd {
		s.logger.Error("wallet balance drift",
			"wallet", d.WalletID, "user", d.UserID,
			"balance", money.Format(d.Balance), "log_sum", money.Format(d.LogSum))
	}
	for _, d := range ed {
		s.logger.Error("escrow balance drift",
			"escrow", d.EscrowID, "contract", d.ContractID, "contributor", d.Contributor,
			"balance", money.Format(d.Balance), "log_sum", money.Format(d.LogSum))
	}
	s.logger.Info("reconciliation finished", "mismatches", r.Mismatches, "duration_ms", r.DurationMs)
	return r, nil
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	return s.last.Load()
}
