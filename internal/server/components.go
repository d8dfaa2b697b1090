package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/config"
	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/payment"
	"github.com/homelease/rentcore/internal/reconciliation"
	"github.com/homelease/rentcore/internal/retry"
	"github.com/homelease/rentcore/internal/settlement"
	"github.com/homelease/rentcore/internal/sweep"
	"github.com/homelease/rentcore/internal/txn"
	"github.com/homelease/rentcore/internal/wallet"
)

// Components is the wired marketplace core. The API server and the sweep
// command build the same graph.
type Components struct {
	DB           *sql.DB // nil in in-memory mode
	Wallets      *wallet.Ledger
	Escrows      *escrow.Ledger
	Bookings     *booking.Service
	Payments     *payment.Orchestrator
	Sweeper      *sweep.Sweeper
	Reconciler   *reconciliation.Service
	StorageLabel string
}

// Build opens storage (Postgres if DATABASE_URL is set, otherwise
// in-memory) and wires every service over a single transaction runner.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	var (
		runner       txn.Runner
		walletStore  wallet.Store
		escrowStore  escrow.Store
		bookingStore booking.Store
		paymentStore payment.Store
	)
	c := &Components{}

	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		c.DB = db
		c.StorageLabel = "postgres"
		runner = txn.NewSQLRunner(db, logger)
		walletStore = wallet.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		bookingStore = booking.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ws, es := wallet.NewMemoryStore(), escrow.NewMemoryStore()
		bs, ps := booking.NewMemoryStore(), payment.NewMemoryStore()
		runner = txn.NewMemoryRunner(ws, es, bs, ps)
		walletStore, escrowStore, bookingStore, paymentStore = ws, es, bs, ps
		c.StorageLabel = "memory"
		logger.Info("using in-memory storage (data will not persist)")
	}

	c.Wallets = wallet.NewLedger(walletStore, runner, cfg.Currency, logger)
	c.Escrows = escrow.NewLedger(escrowStore, runner, cfg.Currency, logger)

	bcfg := booking.Config{
		Currency:       cfg.Currency,
		DepositGrace:   cfg.DepositGrace,
		FirstRentGrace: cfg.FirstRentGrace,
		ExtensionGrace: cfg.ExtensionGrace,
	}
	c.Bookings = booking.NewService(bookingStore, runner, settlement.New(c.Wallets, c.Escrows), bcfg, logger)
	c.Payments = payment.NewOrchestrator(paymentStore, runner, c.Wallets, c.Escrows, c.Bookings, cfg.Currency, logger)
	c.Sweeper = sweep.New(c.Bookings, cfg.SweepBatchSize, logger)
	c.Reconciler = reconciliation.NewService(c.Wallets, c.Escrows, logger)

	return c, nil
}

// Close releases the database pool, if any.
func (c *Components) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(max(cfg.DBMaxOpenConns/5, 1))
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, retry.Startup(logger, "database"), func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
